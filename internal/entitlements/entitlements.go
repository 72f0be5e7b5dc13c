// Package entitlements resolves each tenant's plan catalog: which plan codes
// exist and which features they unlock. The catalog is configured statically
// per tenant (ENTITLEMENTS_JSON_<TENANT>) and cached with a TTL so config
// reloads propagate without a restart.
package entitlements

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ledgerline/arcd/internal/domain"
)

// Catalog maps plan codes to the features they grant.
type Catalog map[string][]string

// HasPlan reports whether the plan code exists in the catalog.
func (c Catalog) HasPlan(plan string) bool {
	_, ok := c[plan]
	return ok
}

// HasFeature reports whether the plan grants the feature.
func (c Catalog) HasFeature(plan, feature string) bool {
	for _, f := range c[plan] {
		if f == feature {
			return true
		}
	}
	return false
}

// Plans returns the catalog's plan codes, sorted.
func (c Catalog) Plans() []string {
	out := make([]string, 0, len(c))
	for plan := range c {
		out = append(out, plan)
	}
	sort.Strings(out)
	return out
}

// Source yields the raw entitlements JSON for a tenant, or false when the
// tenant has no catalog configured.
type Source func(tenant string) (string, bool)

const (
	cacheSize = 256
	cacheTTL  = 5 * time.Minute
)

// Resolver parses and caches per-tenant catalogs.
type Resolver struct {
	source Source
	cache  *expirable.LRU[string, Catalog]
}

// NewResolver returns a Resolver over the given source. ttl <= 0 uses the
// default.
func NewResolver(source Source, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = cacheTTL
	}
	return &Resolver{
		source: source,
		cache:  expirable.NewLRU[string, Catalog](cacheSize, nil, ttl),
	}
}

// Catalog returns the tenant's plan catalog. A tenant without configured
// entitlements gets an empty catalog; malformed JSON is a validation error.
func (r *Resolver) Catalog(tenant string) (Catalog, error) {
	if cached, ok := r.cache.Get(tenant); ok {
		return cached, nil
	}
	raw, ok := r.source(tenant)
	if !ok {
		catalog := Catalog{}
		r.cache.Add(tenant, catalog)
		return catalog, nil
	}
	var catalog Catalog
	if err := json.Unmarshal([]byte(raw), &catalog); err != nil {
		return nil, domain.NewValidationError("entitlements.catalog",
			"entitlements configuration for tenant is not valid JSON")
	}
	r.cache.Add(tenant, catalog)
	return catalog, nil
}

// CheckPlan verifies the plan code is sellable for the tenant. Tenants with
// no catalog configured accept any plan; a configured catalog is closed.
func (r *Resolver) CheckPlan(tenant, plan string) error {
	catalog, err := r.Catalog(tenant)
	if err != nil {
		return err
	}
	if len(catalog) == 0 || catalog.HasPlan(plan) {
		return nil
	}
	return domain.NewValidationError("entitlements.check_plan",
		"unknown plan code "+plan)
}

// Invalidate drops the tenant's cached catalog.
func (r *Resolver) Invalidate(tenant string) {
	r.cache.Remove(tenant)
}
