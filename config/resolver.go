package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNoTenantConfig is returned by resolvers when a tenant has no
// tenant-specific configuration. Callers fall back to the shared default.
var ErrNoTenantConfig = errors.New("no tenant-specific configuration")

// Resolver yields the effective, fully merged configuration for a tenant.
// Implementations must be safe for concurrent use.
type Resolver interface {
	EffectiveConfig(ctx context.Context, tenantID string) (*EffectiveConfig, error)
}

// StaticResolver serves pre-registered layer stacks keyed by tenant ID.
// Primarily used in tests and embedded deployments.
type StaticResolver struct {
	mu      sync.RWMutex
	base    []Document // shared layers applied before tenant layers (org level)
	tenants map[string][]Document
}

// NewStaticResolver builds a StaticResolver with optional shared base layers.
func NewStaticResolver(base ...Document) *StaticResolver {
	return &StaticResolver{base: base, tenants: make(map[string][]Document)}
}

// SetTenant registers the ordered tenant-specific layers (group, team,
// sub-team) for a tenant ID, replacing any previous registration.
func (r *StaticResolver) SetTenant(tenantID string, layers ...Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[tenantID] = layers
}

// EffectiveConfig implements Resolver.
func (r *StaticResolver) EffectiveConfig(_ context.Context, tenantID string) (*EffectiveConfig, error) {
	r.mu.RLock()
	layers, ok := r.tenants[tenantID]
	base := r.base
	r.mu.RUnlock()

	if !ok {
		return nil, ErrNoTenantConfig
	}
	all := make([]Document, 0, len(base)+len(layers))
	all = append(all, base...)
	all = append(all, layers...)
	return Resolve(all...)
}

// layerFiles is the fixed tenant layer order; later files win per key.
var layerFiles = []string{"group.yaml", "team.yaml", "subteam.yaml"}

// FileResolver reads configuration layers from a directory tree:
//
//	<root>/org.yaml                     shared base layer
//	<root>/tenants/<tenantID>/group.yaml
//	<root>/tenants/<tenantID>/team.yaml
//	<root>/tenants/<tenantID>/subteam.yaml
//
// Missing layer files are skipped; a missing tenant directory yields
// ErrNoTenantConfig. Documents are re-read on every call so edits take
// effect without a restart (the registry's cache absorbs the cost).
type FileResolver struct {
	root string
}

// NewFileResolver builds a FileResolver rooted at dir.
func NewFileResolver(dir string) *FileResolver {
	return &FileResolver{root: dir}
}

// EffectiveConfig implements Resolver.
func (r *FileResolver) EffectiveConfig(_ context.Context, tenantID string) (*EffectiveConfig, error) {
	tenantDir := filepath.Join(r.root, "tenants", tenantID)
	if _, err := os.Stat(tenantDir); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoTenantConfig
		}
		return nil, fmt.Errorf("stat tenant dir: %w", err)
	}

	var layers []Document
	if doc, err := loadLayer(filepath.Join(r.root, "org.yaml")); err != nil {
		return nil, err
	} else if doc != nil {
		layers = append(layers, doc)
	}
	for _, name := range layerFiles {
		doc, err := loadLayer(filepath.Join(tenantDir, name))
		if err != nil {
			return nil, err
		}
		if doc != nil {
			layers = append(layers, doc)
		}
	}
	if len(layers) == 0 {
		return nil, ErrNoTenantConfig
	}
	return Resolve(layers...)
}

func loadLayer(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config layer %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config layer %s: %w", path, err)
	}
	return doc, nil
}
