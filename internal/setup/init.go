// Package setup handles knotify directory initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/knotify/internal/catalog"
	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/store"
	atomicyaml "github.com/msageha/knotify/internal/yaml"
	"github.com/msageha/knotify/templates"
)

// DefaultDir is the knotify directory name used when none is given.
const DefaultDir = ".knotify"

// Run creates the knotify directory at dir with the default config, an
// example action catalog and an empty status store. backend overrides the
// template's store backend when non-empty.
func Run(dir, backend string) error {
	base, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	cfg, err := generateConfig(backend)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}

	for _, d := range []string{"state", "locks", "logs", "quarantine"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	if err := copyTemplateFile("actions.yaml", filepath.Join(base, catalog.DefaultFileName)); err != nil {
		return err
	}
	if _, err := catalog.Load(filepath.Join(base, catalog.DefaultFileName)); err != nil {
		return fmt.Errorf("validate actions template: %w", err)
	}

	// Opening the store creates its file (sqlite) or is a no-op until the
	// first write (yaml), so the yaml skeleton is written explicitly.
	if cfg.Store.Backend == store.BackendYAML || cfg.Store.Backend == "" {
		content := fmt.Sprintf("schema_version: %d\nfile_type: %q\nentries: []\n", atomicyaml.CurrentSchemaVersion, atomicyaml.FileTypeStatus)
		if err := atomicyaml.AtomicWriteRaw(filepath.Join(base, "state", "status.yaml"), []byte(content)); err != nil {
			return fmt.Errorf("write status.yaml: %w", err)
		}
	}
	st, err := store.Open(cfg.Store, base)
	if err != nil {
		return fmt.Errorf("open status store: %w", err)
	}
	return st.Close()
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(backend string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	switch backend {
	case "":
	case store.BackendYAML, store.BackendSQLite:
		cfg.Store.Backend = backend
	default:
		return nil, fmt.Errorf("unknown store backend %q, must be yaml|sqlite", backend)
	}
	return &cfg, nil
}
