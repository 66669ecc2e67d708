// Package catalog loads the ordered action definitions from actions.yaml and
// reloads them when the file changes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/knotify/internal/events"
	"github.com/msageha/knotify/internal/model"
	yamlutil "github.com/msageha/knotify/internal/yaml"
)

const DefaultFileName = "actions.yaml"

// Catalog is the current set of actions. Reads never block on reloads for
// longer than a slice copy.
type Catalog struct {
	mu      sync.RWMutex
	path    string
	actions []model.Action
	bus     *events.Bus
	logger  *logrus.Entry
}

// New loads path. A missing file yields an empty catalog that fills in once
// the file is created and Watch sees it.
func New(path string, bus *events.Bus, logger *logrus.Entry) (*Catalog, error) {
	if logger == nil {
		logger = logrus.WithField("component", "catalog")
	}
	c := &Catalog{path: path, bus: bus, logger: logger}

	actions, err := Load(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	c.actions = actions
	return c, nil
}

// Load reads and validates an actions file.
func Load(path string) ([]model.Action, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read actions: %w", err)
	}
	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeActions); err != nil {
		return nil, fmt.Errorf("actions %s: %w", filepath.Base(path), err)
	}

	var file model.ActionsFile
	if err := yamlv3.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse actions: %w", err)
	}

	seen := make(map[int]bool, len(file.Actions))
	for i, a := range file.Actions {
		if a.ID <= 0 {
			return nil, fmt.Errorf("actions[%d]: id must be positive, got %d", i, a.ID)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("actions[%d]: duplicate id %d", i, a.ID)
		}
		seen[a.ID] = true
	}
	return file.Actions, nil
}

func (c *Catalog) Path() string {
	return c.path
}

// Actions returns a copy of the actions in file order.
func (c *Catalog) Actions() []model.Action {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Action, len(c.actions))
	copy(out, c.actions)
	return out
}

func (c *Catalog) Find(id int) (model.Action, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.actions {
		if a.ID == id {
			return a, true
		}
	}
	return model.Action{}, false
}

// Reload re-reads the file. On error the previous actions stay in effect.
func (c *Catalog) Reload() error {
	actions, err := Load(c.path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.actions = actions
	c.mu.Unlock()

	c.logger.Infof("catalog reloaded actions=%d", len(actions))
	if c.bus != nil {
		c.bus.Publish(events.EventCatalogReloaded, map[string]interface{}{
			"count": len(actions),
		})
	}
	return nil
}

// Subscribe calls fn with the new actions after every successful reload and
// returns the unsubscribe function.
func (c *Catalog) Subscribe(fn func([]model.Action)) func() {
	if c.bus == nil {
		return func() {}
	}
	return c.bus.Subscribe(events.EventCatalogReloaded, func(events.Event) {
		fn(c.Actions())
	})
}

// Watch reloads the catalog whenever the file is written, created or renamed
// into place, until ctx is cancelled. The parent directory is watched so that
// editors replacing the file atomically are still seen.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	name := filepath.Base(c.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			c.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
			if err := c.Reload(); err != nil {
				c.logger.Warnf("reload failed, keeping previous actions: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Errorf("fsnotify error=%v", err)
		}
	}
}
