// Package sources loads source definitions from YAML files and syncs them
// into the sources table.
package sources

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/livinlefevreloca/catalogsync/internal/catalog"
	"github.com/livinlefevreloca/catalogsync/internal/db"
)

// Definition is the YAML form of a source. The slug defaults to the file name.
type Definition struct {
	Slug              string         `yaml:"slug"`
	Name              string         `yaml:"name"`
	BaseURL           string         `yaml:"base_url"`
	SellerID          int64          `yaml:"seller_id"`
	DefaultCurrency   string         `yaml:"default_currency"`
	DefaultCategoryID *int64         `yaml:"default_category_id"`
	IsActive          *bool          `yaml:"is_active"`
	AutoPublish       bool           `yaml:"auto_publish"`
	Schedule          string         `yaml:"schedule"`
	Config            map[string]any `yaml:"config"`
}

// Source converts the definition into a storable source
func (d *Definition) Source() *db.Source {
	active := true
	if d.IsActive != nil {
		active = *d.IsActive
	}
	config := d.Config
	if config == nil {
		config = map[string]any{}
	}
	return &db.Source{
		Slug:              d.Slug,
		Name:              d.Name,
		BaseURL:           d.BaseURL,
		SellerID:          d.SellerID,
		DefaultCurrency:   d.DefaultCurrency,
		DefaultCategoryID: d.DefaultCategoryID,
		IsActive:          active,
		AutoPublish:       d.AutoPublish,
		Schedule:          d.Schedule,
		Config:            config,
	}
}

// Loader reads source definitions from a directory
type Loader struct {
	dir string
}

// NewLoader creates a loader for dir
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// LoadAll parses every *.yml and *.yaml file in the directory, sorted by
// slug. A missing directory yields no definitions.
func (l *Loader) LoadAll() ([]*Definition, error) {
	if _, err := os.Stat(l.dir); os.IsNotExist(err) {
		return nil, nil
	}

	var files []string
	for _, pattern := range []string{"*.yml", "*.yaml"} {
		matches, err := filepath.Glob(filepath.Join(l.dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to find source files: %w", err)
		}
		files = append(files, matches...)
	}

	seen := make(map[string]string)
	defs := make([]*Definition, 0, len(files))
	for _, file := range files {
		def, err := l.loadFile(file)
		if err != nil {
			return nil, fmt.Errorf("error loading %s: %w", file, err)
		}
		if prev, ok := seen[def.Slug]; ok {
			return nil, fmt.Errorf("duplicate source slug %q in %s and %s", def.Slug, prev, file)
		}
		seen[def.Slug] = file
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Slug < defs[j].Slug })
	return defs, nil
}

func (l *Loader) loadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if def.Slug == "" {
		def.Slug = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	setDefaults(&def)

	if err := validate(&def); err != nil {
		return nil, fmt.Errorf("invalid source definition: %w", err)
	}
	return &def, nil
}

func setDefaults(def *Definition) {
	if def.Name == "" {
		def.Name = def.Slug
	}
	if def.DefaultCurrency == "" {
		def.DefaultCurrency = "MWK"
	}
	if def.SellerID == 0 {
		def.SellerID = 1
	}
}

func validate(def *Definition) error {
	if def.Slug != catalog.Slugify(def.Slug) {
		return fmt.Errorf("slug %q must be lowercase letters, digits and dashes", def.Slug)
	}
	if def.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if len(def.DefaultCurrency) != 3 {
		return fmt.Errorf("default_currency %q must be a 3 letter code", def.DefaultCurrency)
	}
	return nil
}

// Store upserts sources by slug
type Store interface {
	UpsertSourceBySlug(ctx context.Context, s *db.Source) (bool, error)
}

// SyncResult counts the rows touched by Sync
type SyncResult struct {
	Created int
	Updated int
}

// Sync upserts every definition in dir into store
func Sync(ctx context.Context, store Store, dir string, logger *slog.Logger) (SyncResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var result SyncResult
	defs, err := NewLoader(dir).LoadAll()
	if err != nil {
		return result, err
	}

	for _, def := range defs {
		created, err := store.UpsertSourceBySlug(ctx, def.Source())
		if err != nil {
			return result, fmt.Errorf("failed to sync source %s: %w", def.Slug, err)
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
		logger.Debug("source synced", "source", def.Slug, "created", created)
	}

	logger.Info("sources synced", "dir", dir, "created", result.Created, "updated", result.Updated)
	return result, nil
}
