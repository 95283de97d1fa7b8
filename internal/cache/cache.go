// Package cache holds the Redis-backed request-path caches: short-TTL
// context lookups (organizations, users, API keys) and the JWT blacklist.
//
// The context caches fail open: a Redis outage degrades to database reads.
// The blacklist fails closed: if Redis cannot answer, the token is treated
// as blacklisted.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/pkg/models"
)

// NewClient parses a Redis URL and returns a connected client.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// ── Context cache ───────────────────────────────────────────

// ContextCache memoizes the per-request auth lookups.
type ContextCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewContextCache wraps a Redis client with a TTL for all entries.
func NewContextCache(client *redis.Client, ttl time.Duration) *ContextCache {
	return &ContextCache{client: client, ttl: ttl}
}

func orgKey(id string) string      { return "ctx:org:" + id }
func userKey(email string) string  { return "ctx:user:" + email }
func apiKeyKey(hash string) string { return "ctx:apikey:" + hash }

func (c *ContextCache) getJSON(ctx context.Context, key string, out any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("key", key).Msg("context cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false
	}
	return true
}

func (c *ContextCache) setJSON(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("context cache write failed")
	}
}

// GetOrganization returns a cached organization or nil.
func (c *ContextCache) GetOrganization(ctx context.Context, id string) *models.Organization {
	var org models.Organization
	if c.getJSON(ctx, orgKey(id), &org) {
		return &org
	}
	return nil
}

// PutOrganization stores an organization for the cache TTL.
func (c *ContextCache) PutOrganization(ctx context.Context, org *models.Organization) {
	c.setJSON(ctx, orgKey(org.ID), org)
}

// GetUser returns a cached user or nil.
func (c *ContextCache) GetUser(ctx context.Context, email string) *models.User {
	var u models.User
	if c.getJSON(ctx, userKey(email), &u) {
		return &u
	}
	return nil
}

// PutUser stores a user for the cache TTL.
func (c *ContextCache) PutUser(ctx context.Context, u *models.User) {
	c.setJSON(ctx, userKey(u.Email), u)
}

// GetApiKey returns a cached API key row by hash, or nil.
func (c *ContextCache) GetApiKey(ctx context.Context, keyHash string) *models.ApiKey {
	var k models.ApiKey
	if c.getJSON(ctx, apiKeyKey(keyHash), &k) {
		return &k
	}
	return nil
}

// PutApiKey stores an API key row for the cache TTL.
func (c *ContextCache) PutApiKey(ctx context.Context, keyHash string, k *models.ApiKey) {
	c.setJSON(ctx, apiKeyKey(keyHash), k)
}

// Invalidate drops cached entries for an organization.
func (c *ContextCache) Invalidate(ctx context.Context, orgID string) {
	if err := c.client.Del(ctx, orgKey(orgID)).Err(); err != nil {
		log.Warn().Err(err).Str("org_id", orgID).Msg("context cache invalidate failed")
	}
}

// ── JWT blacklist ───────────────────────────────────────────

// Blacklist tracks revoked JWTs. Entries come in two forms: a per-token jti
// entry and a per-email issued-before cutoff (set when a user is removed from
// an organization so all of their older tokens die at once).
type Blacklist struct {
	client *redis.Client
}

// NewBlacklist wraps a Redis client.
func NewBlacklist(client *redis.Client) *Blacklist {
	return &Blacklist{client: client}
}

func jtiKey(jti string) string      { return "blacklist:jti:" + jti }
func cutoffKey(email string) string { return "blacklist:cutoff:" + email }

// RevokeToken blacklists a single token until its natural expiry.
func (b *Blacklist) RevokeToken(ctx context.Context, jti string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return b.client.Set(ctx, jtiKey(jti), "1", ttl).Err()
}

// RevokeBefore blacklists every token for email issued before cutoff.
func (b *Blacklist) RevokeBefore(ctx context.Context, email string, cutoff time.Time, ttl time.Duration) error {
	return b.client.Set(ctx, cutoffKey(email), cutoff.Unix(), ttl).Err()
}

// IsRevoked reports whether a token is blacklisted. Any Redis failure is
// treated as revoked: availability is sacrificed rather than auth.
func (b *Blacklist) IsRevoked(ctx context.Context, jti, email string, issuedAt time.Time) (bool, error) {
	if jti != "" {
		_, err := b.client.Get(ctx, jtiKey(jti)).Result()
		switch {
		case err == nil:
			return true, nil
		case !errors.Is(err, redis.Nil):
			log.Error().Err(err).Msg("blacklist unreachable, failing closed")
			return true, models.ErrTokenBlacklisted
		}
	}
	raw, err := b.client.Get(ctx, cutoffKey(email)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		log.Error().Err(err).Msg("blacklist unreachable, failing closed")
		return true, models.ErrTokenBlacklisted
	}
	var cutoff int64
	if _, err := fmt.Sscan(raw, &cutoff); err != nil {
		return true, nil
	}
	return issuedAt.Unix() < cutoff, nil
}
