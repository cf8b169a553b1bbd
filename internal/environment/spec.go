package environment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables understood by the builder and passed to the browser process.
const (
	EnvBrowserBin          = "CAPQ_BROWSER_BIN"
	EnvSkipBrowserDownload = "CAPQ_SKIP_BROWSER_DOWNLOAD"
)

// Supported package managers.
const (
	ManagerApt = "apt-get"
	ManagerDnf = "dnf"
	ManagerYum = "yum"
	ManagerApk = "apk"
)

// Command is one setup step, given as an argv list.
type Command []string

func (c Command) String() string {
	return strings.Join(c, " ")
}

// Spec is the declarative recipe for an execution environment.
type Spec struct {
	BaseImage       string            `yaml:"base_image" json:"base_image"`
	PackageManager  string            `yaml:"package_manager" json:"package_manager"`
	Packages        []string          `yaml:"packages" json:"packages"`
	Env             map[string]string `yaml:"env" json:"env"`
	Workdir         string            `yaml:"workdir" json:"workdir"`
	BrowserRevision int               `yaml:"browser_revision,omitempty" json:"browser_revision,omitempty"`
	Setup           []Command         `yaml:"setup,omitempty" json:"setup,omitempty"`
}

// DefaultSpec returns the stock headless Chromium recipe.
func DefaultSpec() Spec {
	return Spec{
		BaseImage:      "debian:bookworm-slim",
		PackageManager: ManagerApt,
		Packages:       PackagesFor(ManagerApt),
		Env: map[string]string{
			EnvSkipBrowserDownload: "true",
			EnvBrowserBin:          "/usr/bin/chromium",
		},
		Workdir: "/app",
	}
}

// PackagesFor returns the browser dependency set for a package manager.
// Unknown managers get nil.
func PackagesFor(manager string) []string {
	var src []string
	switch manager {
	case ManagerApt:
		src = aptPackages
	case ManagerDnf, ManagerYum:
		src = dnfPackages
	case ManagerApk:
		src = apkPackages
	default:
		return nil
	}
	return append([]string(nil), src...)
}

// LoadSpec reads a YAML recipe. Fields the file leaves empty keep their
// DefaultSpec values; an env map in the file is merged over the default one.
func LoadSpec(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("reading recipe %q: %w", path, err)
	}

	var override Spec
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Spec{}, fmt.Errorf("parsing recipe YAML: %w", err)
	}

	spec := DefaultSpec()
	if override.BaseImage != "" {
		spec.BaseImage = override.BaseImage
	}
	if override.PackageManager != "" && override.PackageManager != spec.PackageManager {
		spec.PackageManager = override.PackageManager
		spec.Packages = PackagesFor(override.PackageManager)
	}
	if override.Packages != nil {
		spec.Packages = override.Packages
	}
	for k, v := range override.Env {
		spec.Env[k] = v
	}
	if override.Workdir != "" {
		spec.Workdir = override.Workdir
	}
	if override.BrowserRevision > 0 {
		spec.BrowserRevision = override.BrowserRevision
	}
	if override.Setup != nil {
		spec.Setup = override.Setup
	}

	if err := spec.Validate(); err != nil {
		return Spec{}, fmt.Errorf("invalid recipe %q: %w", path, err)
	}
	return spec, nil
}

// Validate checks that the recipe can be built.
func (s Spec) Validate() error {
	if s.BaseImage == "" {
		return fmt.Errorf("recipe is missing 'base_image'")
	}
	if s.Workdir == "" {
		return fmt.Errorf("recipe is missing 'workdir'")
	}
	if _, err := installCommands(s.PackageManager, s.Packages); err != nil {
		return err
	}
	for i, pkg := range s.Packages {
		if strings.TrimSpace(pkg) == "" {
			return fmt.Errorf("package %d is empty", i)
		}
	}
	for k := range s.Env {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			return fmt.Errorf("invalid env var name %q", k)
		}
	}
	for i, cmd := range s.Setup {
		if len(cmd) == 0 || cmd[0] == "" {
			return fmt.Errorf("setup step %d has no command", i)
		}
	}
	return nil
}

// Clone returns a deep copy so a built environment cannot be mutated through
// the caller's recipe.
func (s Spec) Clone() Spec {
	out := s
	out.Packages = append([]string(nil), s.Packages...)
	out.Env = make(map[string]string, len(s.Env))
	for k, v := range s.Env {
		out.Env[k] = v
	}
	out.Setup = make([]Command, 0, len(s.Setup))
	for _, cmd := range s.Setup {
		out.Setup = append(out.Setup, append(Command(nil), cmd...))
	}
	return out
}

// EnvPairs returns the env map as KEY=VALUE pairs sorted by key.
func (s Spec) EnvPairs() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+s.Env[k])
	}
	return pairs
}

// Fingerprint identifies the recipe. Package order is significant, env order is not.
func (s Spec) Fingerprint() string {
	h := sha256.New()
	field := func(name string, values ...string) {
		fmt.Fprintf(h, "%s:%d\n", name, len(values))
		for _, v := range values {
			fmt.Fprintf(h, "%d:%s\n", len(v), v)
		}
	}

	field("base", s.BaseImage)
	field("manager", s.PackageManager)
	field("packages", s.Packages...)
	field("env", s.EnvPairs()...)
	field("workdir", s.Workdir)
	field("revision", strconv.Itoa(s.BrowserRevision))
	for _, cmd := range s.Setup {
		field("setup", cmd...)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// installCommands returns the argv lists that install pkgs with manager.
func installCommands(manager string, pkgs []string) ([]Command, error) {
	switch manager {
	case ManagerApt:
		if len(pkgs) == 0 {
			return nil, nil
		}
		install := append(Command{ManagerApt, "install", "-y", "--no-install-recommends"}, pkgs...)
		return []Command{{ManagerApt, "update"}, install}, nil
	case ManagerDnf, ManagerYum:
		if len(pkgs) == 0 {
			return nil, nil
		}
		return []Command{append(Command{manager, "install", "-y"}, pkgs...)}, nil
	case ManagerApk:
		if len(pkgs) == 0 {
			return nil, nil
		}
		return []Command{append(Command{ManagerApk, "add", "--no-cache"}, pkgs...)}, nil
	case "":
		return nil, fmt.Errorf("recipe is missing 'package_manager'")
	default:
		return nil, fmt.Errorf("unsupported package manager %q", manager)
	}
}

var aptPackages = []string{
	"chromium",
	"wget",
	"gnupg",
	"ca-certificates",
	"fonts-liberation",
	"libasound2",
	"libatk-bridge2.0-0",
	"libatk1.0-0",
	"libatspi2.0-0",
	"libcups2",
	"libdbus-1-3",
	"libdrm2",
	"libgbm1",
	"libgtk-3-0",
	"libnspr4",
	"libnss3",
	"libxcomposite1",
	"libxdamage1",
	"libxfixes3",
	"libxrandr2",
	"xdg-utils",
}

var dnfPackages = []string{
	"chromium",
	"alsa-lib",
	"atk",
	"cups-libs",
	"gtk3",
	"libXcomposite",
	"libXdamage",
	"libXrandr",
	"libXfixes",
	"libxkbcommon",
	"nss",
	"nspr",
	"mesa-libgbm",
	"libdrm",
	"liberation-fonts",
}

var apkPackages = []string{
	"chromium",
	"ca-certificates",
	"freetype",
	"harfbuzz",
	"nss",
	"ttf-freefont",
	"font-liberation",
}
