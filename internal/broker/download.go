package broker

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// ServerVersion is the nats-server release fetched when no binary is present.
	ServerVersion = "2.10.24"
	// ReleaseBaseURL hosts nats-server release archives.
	ReleaseBaseURL = "https://github.com/nats-io/nats-server/releases/download"
)

// Downloader fetches the nats-server binary.
type Downloader struct {
	BaseURL string
	Version string
	Client  *http.Client
	GOOS    string
	GOARCH  string
	Logger  zerolog.Logger
}

// NewDownloader returns a downloader for the host platform.
func NewDownloader(logger zerolog.Logger) *Downloader {
	return &Downloader{
		BaseURL: ReleaseBaseURL,
		Version: ServerVersion,
		Client:  http.DefaultClient,
		GOOS:    runtime.GOOS,
		GOARCH:  runtime.GOARCH,
		Logger:  logger,
	}
}

// URL returns the release archive URL for the downloader's platform.
func (d *Downloader) URL() (string, error) {
	switch d.GOOS {
	case "linux", "darwin", "windows":
	default:
		return "", fmt.Errorf("unsupported OS: %s", d.GOOS)
	}
	switch d.GOARCH {
	case "amd64", "arm64":
	default:
		return "", fmt.Errorf("unsupported architecture: %s", d.GOARCH)
	}

	return fmt.Sprintf("%s/v%s/nats-server-v%s-%s-%s.zip",
		strings.TrimRight(d.BaseURL, "/"), d.Version, d.Version, d.GOOS, d.GOARCH), nil
}

// Ensure returns binPath when it exists, otherwise downloads the server
// there when autoDownload is set.
func (d *Downloader) Ensure(ctx context.Context, binPath string, autoDownload bool) (string, error) {
	if _, err := os.Stat(binPath); err == nil {
		d.Logger.Debug().Str("path", binPath).Msg("nats-server binary found")
		return binPath, nil
	}
	if !autoDownload {
		return "", fmt.Errorf("nats-server binary not found at %s and auto-download is disabled", binPath)
	}

	downloadURL, err := d.URL()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(binPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", binPath, err)
	}

	tmp, err := os.CreateTemp("", "nats-server-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	d.Logger.Info().Str("url", downloadURL).Msg("downloading nats-server")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download nats-server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download nats-server: HTTP %d", resp.StatusCode)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return "", fmt.Errorf("failed to save nats-server archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := extractBinary(tmp.Name(), binPath, binaryName(d.GOOS)); err != nil {
		return "", fmt.Errorf("failed to extract nats-server: %w", err)
	}
	if err := os.Chmod(binPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to make nats-server executable: %w", err)
	}

	d.Logger.Info().Str("path", binPath).Msg("nats-server installed")
	return binPath, nil
}

func binaryName(goos string) string {
	if goos == "windows" {
		return "nats-server.exe"
	}
	return "nats-server"
}

// extractBinary copies the archive entry whose base name is name to destPath.
func extractBinary(zipPath, destPath, name string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || filepath.Base(f.Name) != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s in zip: %w", f.Name, err)
		}
		defer rc.Close()

		out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			return fmt.Errorf("failed to copy binary: %w", err)
		}
		return out.Close()
	}

	return fmt.Errorf("%s not found in archive", name)
}
