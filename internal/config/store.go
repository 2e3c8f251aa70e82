// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Store layers configuration sources with koanf: a JSON file, then
// environment variables, highest precedence last. The daemon in
// cmd/playoutsync does not use it: it reads its file with LoadFile and
// writes it with Document.Save (via the backup flow), so environment
// overrides are not applied there.
type Store struct {
	mu        sync.RWMutex
	k         *koanf.Koanf
	filePath  string
	envPrefix string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFile sets the JSON configuration file path.
func WithFile(path string) StoreOption {
	return func(s *Store) { s.filePath = path }
}

// WithEnvPrefix sets the environment variable prefix (default "PLAYOUTSYNC").
func WithEnvPrefix(prefix string) StoreOption {
	return func(s *Store) { s.envPrefix = prefix }
}

// NewStore loads configuration from a JSON file (if WithFile is given) and
// environment variables (PLAYOUTSYNC_* by default), with env vars taking
// precedence. Nested keys are addressed with underscores, e.g.
// PLAYOUTSYNC_SETTINGS_FPS or PLAYOUTSYNC_SLOTS_0_HOST.
func NewStore(opts ...StoreOption) (*Store, error) {
	s := &Store{envPrefix: "PLAYOUTSYNC"}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load unmarshals the current layered configuration into a Document and
// validates it.
func (s *Store) Load() (*Document, error) {
	s.mu.RLock()
	k := s.k
	s.mu.RUnlock()

	var doc Document
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &doc, nil
}

// Reload re-reads the file and environment from scratch. Call this after
// Document.Save has written a new file, or to pick up env var changes
// across a SIGHUP-triggered restart.
func (s *Store) Reload() error {
	return s.reload()
}

func (s *Store) reload() error {
	newK := koanf.New(".")

	if s.filePath != "" {
		if err := newK.Load(file.Provider(s.filePath), json.Parser()); err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
	}

	prefix := s.envPrefix + "_"
	envProvider := env.Provider(".", env.Opt{
		Prefix: prefix,
		TransformFunc: func(k, v string) (string, any) {
			k = strings.ToLower(strings.TrimPrefix(k, prefix))
			return strings.ReplaceAll(k, "_", "."), v
		},
	})
	if err := newK.Load(envProvider, nil); err != nil {
		return fmt.Errorf("load environment variables: %w", err)
	}

	s.mu.Lock()
	s.k = newK
	s.mu.Unlock()
	return nil
}
