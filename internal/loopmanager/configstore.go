package loopmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ralphloop/ralph/internal/loopconfig"
)

// configStore persists each loop's immutable LoopConfig as its own YAML
// file, the one piece of a loop LoopManager owns that persistence.Store
// (state snapshots only) has no place for.
type configStore struct {
	dir string
}

func newConfigStore(dir string) (*configStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("loopmanager: config dir: %w", err)
	}
	return &configStore{dir: dir}, nil
}

func (c *configStore) path(loopID string) string {
	return filepath.Join(c.dir, loopID+".yaml")
}

func (c *configStore) save(cfg loopconfig.LoopConfig) error {
	return os.WriteFile(c.path(cfg.ID), mustYAML(cfg), 0o644)
}

func (c *configStore) delete(loopID string) error {
	if err := os.Remove(c.path(loopID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *configStore) loadAll() (map[string]loopconfig.LoopConfig, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]loopconfig.LoopConfig{}, nil
		}
		return nil, fmt.Errorf("loopmanager: read config dir: %w", err)
	}

	out := map[string]loopconfig.LoopConfig{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		cfg, err := loopconfig.Load(filepath.Join(c.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("loopmanager: load config %s: %w", e.Name(), err)
		}
		out[cfg.ID] = *cfg
	}
	return out, nil
}
