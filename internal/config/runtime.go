package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
)

// Runtime holds the live RuntimeSettings snapshot. Readers call Get on every
// tick; writers persist to the JSON file and publish a new snapshot.
type Runtime struct {
	path     string
	baseline RuntimeSettings
	current  atomic.Pointer[RuntimeSettings]
	mu       sync.Mutex
}

// NewRuntime creates a Runtime. baseline is the env-derived settings that
// the file overlays on Reload.
func NewRuntime(path string, baseline, initial RuntimeSettings) *Runtime {
	r := &Runtime{path: path, baseline: baseline}
	r.current.Store(&initial)
	return r
}

// Get returns the current snapshot.
func (r *Runtime) Get() RuntimeSettings {
	return *r.current.Load()
}

// Update validates s, writes it to the JSON file and publishes it.
func (r *Runtime) Update(s RuntimeSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := writeRuntimeFile(r.path, s); err != nil {
		return err
	}
	r.current.Store(&s)
	return nil
}

// Reload re-reads the JSON file over the baseline and publishes the result.
func (r *Runtime) Reload() (RuntimeSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := readRuntimeFile(r.path, r.baseline)
	if err != nil {
		return RuntimeSettings{}, err
	}
	if err := s.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	r.current.Store(&s)
	return s, nil
}

func readRuntimeFile(path string, base RuntimeSettings) (RuntimeSettings, error) {
	if path == "" {
		return base, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return base, nil
	}

	fv := viper.New()
	fv.SetConfigFile(path)
	fv.SetConfigType("json")
	if err := fv.ReadInConfig(); err != nil {
		return RuntimeSettings{}, fmt.Errorf("%w: read %s: %w", ErrInvalidConfig, path, err)
	}

	s := base
	if err := fv.Unmarshal(&s); err != nil {
		return RuntimeSettings{}, fmt.Errorf("%w: decode %s: %w", ErrInvalidConfig, path, err)
	}
	return s, nil
}

func writeRuntimeFile(path string, s RuntimeSettings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runtime settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write runtime settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace runtime settings: %w", err)
	}
	return nil
}

// DefaultRuntimeSettings returns RuntimeSettings with struct defaults applied.
func DefaultRuntimeSettings() RuntimeSettings {
	var s RuntimeSettings
	_ = setDefaults(&s)
	return s
}

func setDefaults(s *RuntimeSettings) error {
	return defaults.Set(s)
}
