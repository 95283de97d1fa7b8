package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/airweave/airweave/pkg/models"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestContextCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewContextCache(testRedis(t), 30*time.Second)

	if got := c.GetOrganization(ctx, "org-1"); got != nil {
		t.Fatalf("cold cache returned %+v", got)
	}
	org := &models.Organization{ID: "org-1", Name: "acme"}
	c.PutOrganization(ctx, org)
	got := c.GetOrganization(ctx, "org-1")
	if got == nil || got.Name != "acme" {
		t.Fatalf("got %+v", got)
	}

	c.Invalidate(ctx, "org-1")
	if got := c.GetOrganization(ctx, "org-1"); got != nil {
		t.Fatalf("invalidated entry still cached: %+v", got)
	}
}

func TestContextCacheFailsOpen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewContextCache(client, 30*time.Second)
	mr.Close()

	// Reads against a dead Redis behave like a miss.
	if got := c.GetUser(ctx, "a@b.c"); got != nil {
		t.Fatalf("dead cache returned %+v", got)
	}
	// Writes are silently dropped.
	c.PutUser(ctx, &models.User{Email: "a@b.c"})
}

func TestBlacklistRevokeToken(t *testing.T) {
	ctx := context.Background()
	b := NewBlacklist(testRedis(t))

	revoked, err := b.IsRevoked(ctx, "jti-1", "a@b.c", time.Now())
	if err != nil || revoked {
		t.Fatalf("fresh token revoked=%v err=%v", revoked, err)
	}
	if err := b.RevokeToken(ctx, "jti-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err = b.IsRevoked(ctx, "jti-1", "a@b.c", time.Now())
	if err != nil || !revoked {
		t.Fatalf("revoked token passed: revoked=%v err=%v", revoked, err)
	}
}

func TestBlacklistCutoff(t *testing.T) {
	ctx := context.Background()
	b := NewBlacklist(testRedis(t))

	cutoff := time.Now()
	if err := b.RevokeBefore(ctx, "a@b.c", cutoff, time.Hour); err != nil {
		t.Fatalf("revoke before: %v", err)
	}

	old, _ := b.IsRevoked(ctx, "", "a@b.c", cutoff.Add(-time.Minute))
	if !old {
		t.Error("token issued before cutoff passed")
	}
	fresh, _ := b.IsRevoked(ctx, "", "a@b.c", cutoff.Add(time.Minute))
	if fresh {
		t.Error("token issued after cutoff revoked")
	}
}

func TestBlacklistFailsClosed(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewBlacklist(client)
	mr.Close()

	revoked, err := b.IsRevoked(ctx, "jti-x", "a@b.c", time.Now())
	if !revoked {
		t.Error("unreachable blacklist did not fail closed")
	}
	if err == nil {
		t.Error("expected error from unreachable blacklist")
	}
}
