// -----------------------------------------------------------------------
// Auth Service - API key validation for the push channel handshake
// -----------------------------------------------------------------------

package auth

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"
)

// APIKey maps one handshake token to its owning user.
type APIKey struct {
	Key      string `yaml:"key"`
	UserID   string `yaml:"user_id"`
	Disabled bool   `yaml:"disabled"`
}

type keyFile struct {
	Keys []APIKey `yaml:"keys"`
}

// Service resolves handshake tokens to user ids. Keys are loaded from a
// YAML file at startup; in development mode tokens of the form
// "dev-<user>" are also accepted so local clients need no key file.
type Service struct {
	mu          sync.RWMutex
	keys        map[string]APIKey
	development bool
	logger      arbor.ILogger
}

// NewService creates an auth service with no keys loaded
func NewService(development bool, logger arbor.ILogger) *Service {
	return &Service{
		keys:        make(map[string]APIKey),
		development: development,
		logger:      logger,
	}
}

// LoadKeysFromFile replaces the key set with the contents of a YAML file.
// A missing file is not an error; the service simply has no keys.
func (s *Service) LoadKeysFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn().Str("path", path).Msg("API key file not found, no keys loaded")
			return nil
		}
		return fmt.Errorf("failed to read API key file %s: %w", path, err)
	}

	var file keyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse API key file %s: %w", path, err)
	}

	keys := make(map[string]APIKey, len(file.Keys))
	for _, k := range file.Keys {
		if k.Key == "" || k.UserID == "" {
			return fmt.Errorf("API key entry missing key or user_id in %s", path)
		}
		keys[k.Key] = k
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()

	s.logger.Info().Int("keys", len(keys)).Str("path", path).Msg("API keys loaded")
	return nil
}

// Validate resolves a handshake token to a user id
func (s *Service) Validate(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token")
	}

	s.mu.RLock()
	key, ok := s.keys[token]
	s.mu.RUnlock()

	if ok {
		if key.Disabled {
			return "", fmt.Errorf("key disabled")
		}
		return key.UserID, nil
	}

	// Local development shortcut: "dev-<user>" resolves without a key file
	if s.development && strings.HasPrefix(token, "dev-") {
		if user := strings.TrimPrefix(token, "dev-"); user != "" {
			return user, nil
		}
	}

	return "", fmt.Errorf("unknown token")
}
