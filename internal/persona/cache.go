// Package persona derives and caches a short natural-language profile of the
// decision-maker's tone and positions for each tenant.
package persona

import (
	"context"

	"go.uber.org/zap"

	"github.com/juanpark/slough-ai/internal/cache"
)

// Cache stores one profile per tenant with no expiry. Profiles are replaced
// by re-running extraction; the last write wins.
type Cache struct {
	tiers  *cache.TieredCache
	logger *zap.Logger
}

// NewCache wraps a tiered cache that must have been created without a TTL.
func NewCache(tiers *cache.TieredCache, logger *zap.Logger) *Cache {
	return &Cache{tiers: tiers, logger: logger.Named("persona_cache")}
}

// Get returns the tenant's profile or "" when none has been extracted yet.
func (c *Cache) Get(ctx context.Context, tenantID string) string {
	profile, _ := c.tiers.Get(ctx, tenantID)
	return profile
}

// Set replaces the tenant's profile.
func (c *Cache) Set(ctx context.Context, tenantID, profile string) error {
	return c.tiers.Set(ctx, tenantID, profile)
}
