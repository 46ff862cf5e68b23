package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"chillspace/pkg/remote/supaclient"
)

// sessionFile is the on-disk form of a signed-in session. URL ties it to
// the backend it was issued by.
type sessionFile struct {
	URL     string             `yaml:"url"`
	Session supaclient.Session `yaml:"session"`
}

// loadSession returns the saved session for url. A missing file, or one
// written for another backend, is reported as ok=false.
func loadSession(path, url string) (supaclient.Session, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return supaclient.Session{}, false, nil
	}
	if err != nil {
		return supaclient.Session{}, false, fmt.Errorf("failed to read session file: %w", err)
	}
	var f sessionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return supaclient.Session{}, false, fmt.Errorf("failed to parse session file: %w", err)
	}
	if f.URL != url || f.Session.AccessToken == "" {
		return supaclient.Session{}, false, nil
	}
	return f.Session, true, nil
}

func saveSession(path, url string, s supaclient.Session) error {
	data, err := yaml.Marshal(sessionFile{URL: url, Session: s})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

func removeSession(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
