// Package cookies manages the shared session cookie bundle: loading it
// from environment or the shared-volume file, and the refresher process
// that keeps it alive.
package cookies

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// Environment sources, in priority order.
const (
	EnvCookiesJSON = "WEBAI_COOKIES_JSON"
	EnvCookiesB64  = "WEBAI_COOKIES_JSON_B64"
	EnvPSID        = "WEBAI_SECURE_1PSID"
	EnvPSIDTS      = "WEBAI_SECURE_1PSIDTS"
)

// FileProvider resolves the current bundle. Environment variables win over
// the shared file; the file is re-read on every call so a refresher write
// takes effect immediately.
type FileProvider struct {
	path   string
	logger *common.Logger
}

var _ interfaces.CookieProvider = (*FileProvider)(nil)

// NewFileProvider creates a provider reading from path.
func NewFileProvider(path string, logger *common.Logger) *FileProvider {
	return &FileProvider{path: path, logger: logger}
}

// Current returns the freshest bundle: inline JSON env, then base64 env,
// then the cookie-pair env vars, then the shared file.
func (p *FileProvider) Current() (*models.CookieBundle, error) {
	if raw := os.Getenv(EnvCookiesJSON); raw != "" {
		b, err := decodeBundle([]byte(raw))
		if err == nil && b.Valid() {
			return b, nil
		}
		p.logger.Warn().Err(err).Msg("Ignoring invalid " + EnvCookiesJSON)
	}

	if raw := os.Getenv(EnvCookiesB64); raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err == nil {
			if b, err := decodeBundle(decoded); err == nil && b.Valid() {
				return b, nil
			}
		}
		p.logger.Warn().Msg("Ignoring invalid " + EnvCookiesB64)
	}

	if psid := os.Getenv(EnvPSID); psid != "" {
		return &models.CookieBundle{
			PSID:   psid,
			PSIDTS: os.Getenv(EnvPSIDTS),
		}, nil
	}

	return LoadBundle(p.path)
}

func decodeBundle(data []byte) (*models.CookieBundle, error) {
	var b models.CookieBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// LoadBundle reads the bundle file in full.
func LoadBundle(path string) (*models.CookieBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cookie bundle: %w", err)
	}
	b, err := decodeBundle(data)
	if err != nil {
		return nil, fmt.Errorf("decode cookie bundle: %w", err)
	}
	if !b.Valid() {
		return nil, fmt.Errorf("cookie bundle at %s missing required session cookie", path)
	}
	return b, nil
}

// SaveBundle atomically replaces the bundle file: write to a temp file in
// the same directory, then rename. Readers never observe a partial write.
func SaveBundle(path string, b *models.CookieBundle) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".cookies-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
