package ratelimit

import (
	"errors"
	"testing"

	"github.com/airweave/airweave/pkg/models"
)

func TestCheckAdmitsWithinBurst(t *testing.T) {
	l := New(600, 5)
	for i := 0; i < 5; i++ {
		if err := l.Check("org-1"); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}
}

func TestCheckRejectsOverBurst(t *testing.T) {
	l := New(60, 2)
	_ = l.Check("org-1")
	_ = l.Check("org-1")
	err := l.Check("org-1")
	var rl *models.RateLimitExceededError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitExceededError, got %v", err)
	}
	if rl.RetryAfter < 1 {
		t.Errorf("retry after = %d, want >= 1", rl.RetryAfter)
	}
}

func TestBucketsAreIsolatedPerOrg(t *testing.T) {
	l := New(60, 1)
	_ = l.Check("org-a")
	if err := l.Check("org-a"); err == nil {
		t.Fatal("org-a second request admitted")
	}
	if err := l.Check("org-b"); err != nil {
		t.Fatalf("org-b throttled by org-a: %v", err)
	}
}
