package environment

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Dockerfile renders the recipe as a Dockerfile. Every RUN uses the exec
// form so no recipe value is ever parsed by a shell.
func (s Spec) Dockerfile() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	installs, err := installCommands(s.PackageManager, s.Packages)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# fingerprint %s\n", s.Fingerprint())
	fmt.Fprintf(&b, "FROM %s\n", s.BaseImage)

	for _, cmd := range installs {
		if err := writeRun(&b, cmd); err != nil {
			return "", err
		}
	}

	for _, pair := range s.EnvPairs() {
		key, value, _ := strings.Cut(pair, "=")
		quoted, err := dockerQuote(value)
		if err != nil {
			return "", fmt.Errorf("env var %s: %w", key, err)
		}
		fmt.Fprintf(&b, "ENV %s=%s\n", key, quoted)
	}

	fmt.Fprintf(&b, "WORKDIR %s\n", s.Workdir)

	for _, cmd := range s.Setup {
		if err := writeRun(&b, cmd); err != nil {
			return "", err
		}
	}

	return b.String(), nil
}

// envQuoter escapes the characters Docker interprets inside a double-quoted
// ENV value. Everything else, including non-ASCII text, is literal.
var envQuoter = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)

func dockerQuote(value string) (string, error) {
	if strings.ContainsAny(value, "\r\n") {
		return "", errors.New("value contains a line break")
	}
	return `"` + envQuoter.Replace(value) + `"`, nil
}

func writeRun(b *strings.Builder, cmd Command) error {
	b.WriteString("RUN ")
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(b)
	enc.SetEscapeHTML(false)
	// Encode appends the trailing newline.
	if err := enc.Encode([]string(cmd)); err != nil {
		return fmt.Errorf("encoding RUN %q: %w", cmd.String(), err)
	}
	return nil
}
