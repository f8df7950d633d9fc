// Package registry holds the catalog of known provider models.
package registry

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/itsacoffee/aura-orchestrator/pkg/config"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// catalog is an immutable snapshot; Reload swaps it wholesale.
type catalog struct {
	byKey     map[string]models.ProviderDescriptor
	ordered   []models.ProviderDescriptor
	providers []string
}

// Registry resolves provider/model ids to descriptors. Reads are lock-free.
type Registry struct {
	cur atomic.Pointer[catalog]
}

// New creates a Registry holding descs.
func New(descs ...models.ProviderDescriptor) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(descs); err != nil {
		return nil, err
	}
	return r, nil
}

// FromConfig builds a Registry from the providers section of cfg.
func FromConfig(cfg *config.Config) (*Registry, error) {
	return New(Descriptors(cfg)...)
}

// Descriptors flattens configured providers into descriptors, in file order.
func Descriptors(cfg *config.Config) []models.ProviderDescriptor {
	var out []models.ProviderDescriptor
	for _, p := range cfg.Providers {
		family, _ := models.ParseProviderFamily(p.Family)
		for _, m := range p.Models {
			out = append(out, models.ProviderDescriptor{
				ProviderID:               p.ID,
				Family:                   family,
				ModelID:                  m.ID,
				MaxContextTokens:         m.MaxContextTokens,
				SupportsStreaming:        m.SupportsStreaming,
				IsOfflineCapable:         m.OfflineCapable || p.Type == "offline",
				IsDeprecated:             m.Deprecated || m.Removed,
				DeprecationReplacementID: m.Replacement,
				Removed:                  m.Removed,
				Priority:                 m.Priority,
				Pricing:                  m.Pricing,
			})
		}
	}
	return out
}

// Reload replaces the catalog. On error the previous catalog is kept.
func (r *Registry) Reload(descs []models.ProviderDescriptor) error {
	c := &catalog{byKey: make(map[string]models.ProviderDescriptor, len(descs))}
	for _, d := range descs {
		if d.ProviderID == "" || d.ModelID == "" {
			return fmt.Errorf("descriptor %q: provider and model id are required", d.Key())
		}
		if !d.Family.Valid() {
			return fmt.Errorf("descriptor %s: unknown family %q", d.Key(), d.Family)
		}
		if _, dup := c.byKey[d.Key()]; dup {
			return fmt.Errorf("descriptor %s registered twice", d.Key())
		}
		c.byKey[d.Key()] = d
		c.ordered = append(c.ordered, d)
	}
	c.providers = lo.Uniq(lo.Map(c.ordered, func(d models.ProviderDescriptor, _ int) string {
		return d.ProviderID
	}))
	r.cur.Store(c)
	return nil
}

func (r *Registry) load() *catalog {
	if c := r.cur.Load(); c != nil {
		return c
	}
	return &catalog{}
}

// Get looks up a descriptor. An empty modelID selects the provider's
// preferred model: the first non-removed model in priority order.
func (r *Registry) Get(providerID, modelID string) (models.ProviderDescriptor, bool) {
	c := r.load()
	if modelID != "" {
		d, ok := c.byKey[models.DescriptorKey(providerID, modelID)]
		return d, ok
	}
	candidates := sortByPriority(lo.Filter(c.ordered, func(d models.ProviderDescriptor, _ int) bool {
		return d.ProviderID == providerID
	}))
	if len(candidates) == 0 {
		return models.ProviderDescriptor{}, false
	}
	for _, d := range candidates {
		if !d.Removed {
			return d, true
		}
	}
	return candidates[0], true
}

// HasProvider reports whether any model of providerID is registered.
func (r *Registry) HasProvider(providerID string) bool {
	return lo.Contains(r.load().providers, providerID)
}

// Providers returns registered provider ids in load order.
func (r *Registry) Providers() []string {
	return append([]string(nil), r.load().providers...)
}

// List returns every descriptor in load order.
func (r *Registry) List() []models.ProviderDescriptor {
	return append([]models.ProviderDescriptor(nil), r.load().ordered...)
}

// ByFamily returns the descriptors of one family, lowest priority value first.
func (r *Registry) ByFamily(family models.ProviderFamily) []models.ProviderDescriptor {
	return sortByPriority(lo.Filter(r.load().ordered, func(d models.ProviderDescriptor, _ int) bool {
		return d.Family == family
	}))
}

// ByModel returns every provider's descriptor of modelID, by priority.
func (r *Registry) ByModel(modelID string) []models.ProviderDescriptor {
	return sortByPriority(lo.Filter(r.load().ordered, func(d models.ProviderDescriptor, _ int) bool {
		return d.ModelID == modelID
	}))
}

// Alternatives lists dispatchable descriptor keys of family, excluding
// providerID, for error details.
func (r *Registry) Alternatives(family models.ProviderFamily, excludeProvider string) []string {
	return lo.FilterMap(r.ByFamily(family), func(d models.ProviderDescriptor, _ int) (string, bool) {
		return d.Key(), d.ProviderID != excludeProvider && !d.Removed
	})
}

func sortByPriority(ds []models.ProviderDescriptor) []models.ProviderDescriptor {
	sort.SliceStable(ds, func(i, j int) bool { return ds[i].Priority < ds[j].Priority })
	return ds
}
