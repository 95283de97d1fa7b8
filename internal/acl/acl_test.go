package acl

import (
	"context"
	"errors"
	"testing"

	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

// fakeACLSource scripts one run of the access-control contract.
type fakeACLSource struct {
	name        string
	tuples      []models.MembershipTuple
	collectErr  error
	incremental bool
	fullRefresh bool

	changes    []models.MembershipChange
	nextCookie string
	changesErr error

	fetchCookie    string
	fetchCookieErr error

	gotCookie string
}

func (f *fakeACLSource) SourceName() string           { return f.name }
func (f *fakeACLSource) SupportsIncrementalACL() bool { return f.incremental }
func (f *fakeACLSource) RequiresFullRefresh() bool    { return f.fullRefresh }

func (f *fakeACLSource) CollectMemberships(ctx context.Context, emit func(models.MembershipTuple) error) error {
	for _, t := range f.tuples {
		if err := emit(t); err != nil {
			return err
		}
	}
	return f.collectErr
}

func (f *fakeACLSource) CollectMembershipChanges(ctx context.Context, cookie string) ([]models.MembershipChange, string, error) {
	f.gotCookie = cookie
	return f.changes, f.nextCookie, f.changesErr
}

func (f *fakeACLSource) FetchCookie(ctx context.Context) (string, error) {
	return f.fetchCookie, f.fetchCookieErr
}

func tuple(member, group string) models.MembershipTuple {
	return models.MembershipTuple{MemberID: member, MemberType: models.MemberUser, GroupID: group}
}

func TestFullRunUpsertsAndPrunes(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	m := NewMirror(st)

	// First pass establishes three rows.
	src := &fakeACLSource{name: "sharepoint", tuples: []models.MembershipTuple{
		tuple("alice", "eng"), tuple("bob", "eng"), tuple("carol", "ops"),
	}}
	res, err := m.Run(ctx, "org-1", "sc-1", "sync-1", src)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Mode != "full" || res.Upserted != 3 || res.Removed != 0 {
		t.Errorf("result = %+v", res)
	}

	// Second pass drops bob.
	src.tuples = []models.MembershipTuple{tuple("alice", "eng"), tuple("carol", "ops")}
	res, err = m.Run(ctx, "org-1", "sc-1", "sync-1", src)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("removed = %d, want 1", res.Removed)
	}
	rows, _ := st.ListMemberships(ctx, "org-1", "sc-1")
	if len(rows) != 2 {
		t.Errorf("rows = %d, want 2", len(rows))
	}
}

func TestFullRunFailureSkipsPruning(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	m := NewMirror(st)

	src := &fakeACLSource{name: "sharepoint", tuples: []models.MembershipTuple{
		tuple("alice", "eng"), tuple("bob", "eng"),
	}}
	if _, err := m.Run(ctx, "org-1", "sc-1", "sync-1", src); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	// The stream dies after emitting one tuple. bob must survive.
	src.tuples = []models.MembershipTuple{tuple("alice", "eng")}
	src.collectErr = errors.New("directory unavailable")
	if _, err := m.Run(ctx, "org-1", "sc-1", "sync-1", src); err == nil {
		t.Fatal("failed stream reported success")
	}
	rows, _ := st.ListMemberships(ctx, "org-1", "sc-1")
	if len(rows) != 2 {
		t.Errorf("rows = %d, want 2 (no pruning on failure)", len(rows))
	}
}

func TestFullRunSeedsCookie(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	m := NewMirror(st)

	src := &fakeACLSource{
		name:        "sharepoint",
		incremental: true,
		tuples:      []models.MembershipTuple{tuple("alice", "eng")},
		fetchCookie: "cookie-1",
	}
	if _, err := m.Run(ctx, "org-1", "sc-1", "sync-1", src); err != nil {
		t.Fatalf("run: %v", err)
	}
	cursor, err := st.GetCursor(ctx, "sync-1")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.Data[models.ACLCookieKey] != "cookie-1" {
		t.Errorf("cookie = %v", cursor.Data[models.ACLCookieKey])
	}
}

func TestCookieFetchFailureIsNotFatal(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewMirror(st)
	src := &fakeACLSource{
		name:           "sharepoint",
		incremental:    true,
		tuples:         []models.MembershipTuple{tuple("alice", "eng")},
		fetchCookieErr: errors.New("endpoint missing"),
	}
	if _, err := m.Run(context.Background(), "org-1", "sc-1", "sync-1", src); err != nil {
		t.Fatalf("cookie failure became fatal: %v", err)
	}
}

func TestIncrementalRunAppliesDeltas(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	m := NewMirror(st)

	src := &fakeACLSource{
		name:        "sharepoint",
		incremental: true,
		tuples:      []models.MembershipTuple{tuple("alice", "eng"), tuple("bob", "eng")},
		fetchCookie: "cookie-1",
	}
	if _, err := m.Run(ctx, "org-1", "sc-1", "sync-1", src); err != nil {
		t.Fatalf("full run: %v", err)
	}

	src.changes = []models.MembershipChange{
		{Op: models.MembershipAdd, Tuple: tuple("dave", "eng")},
		{Op: models.MembershipRemove, Tuple: tuple("bob", "eng")},
	}
	src.nextCookie = "cookie-2"
	res, err := m.Run(ctx, "org-1", "sc-1", "sync-1", src)
	if err != nil {
		t.Fatalf("incremental run: %v", err)
	}
	if res.Mode != "incremental" || res.Upserted != 1 || res.Removed != 1 {
		t.Errorf("result = %+v", res)
	}
	if src.gotCookie != "cookie-1" {
		t.Errorf("cookie passed = %q", src.gotCookie)
	}
	cursor, _ := st.GetCursor(ctx, "sync-1")
	if cursor.Data[models.ACLCookieKey] != "cookie-2" {
		t.Errorf("cookie not advanced: %v", cursor.Data[models.ACLCookieKey])
	}
	rows, _ := st.ListMemberships(ctx, "org-1", "sc-1")
	if len(rows) != 2 {
		t.Errorf("rows = %d, want 2", len(rows))
	}
}

func TestIncrementalRemoveOfUnknownTupleIsIgnored(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	m := NewMirror(st)
	src := &fakeACLSource{
		name:        "sharepoint",
		incremental: true,
		tuples:      []models.MembershipTuple{tuple("alice", "eng")},
		fetchCookie: "cookie-1",
	}
	if _, err := m.Run(ctx, "org-1", "sc-1", "sync-1", src); err != nil {
		t.Fatalf("full run: %v", err)
	}
	src.changes = []models.MembershipChange{{Op: models.MembershipRemove, Tuple: tuple("ghost", "eng")}}
	src.nextCookie = "cookie-2"
	res, err := m.Run(ctx, "org-1", "sc-1", "sync-1", src)
	if err != nil {
		t.Fatalf("incremental run: %v", err)
	}
	if res.Removed != 0 {
		t.Errorf("removed = %d, want 0", res.Removed)
	}
}

func TestFullRefreshForcesFullPass(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	m := NewMirror(st)
	src := &fakeACLSource{
		name:        "sharepoint",
		incremental: true,
		tuples:      []models.MembershipTuple{tuple("alice", "eng")},
		fetchCookie: "cookie-1",
	}
	if _, err := m.Run(ctx, "org-1", "sc-1", "sync-1", src); err != nil {
		t.Fatalf("seed: %v", err)
	}
	src.fullRefresh = true
	res, err := m.Run(ctx, "org-1", "sc-1", "sync-1", src)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Mode != "full" {
		t.Errorf("mode = %s, want full", res.Mode)
	}
}

func TestIncrementalFailureFallsBackToFull(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	m := NewMirror(st)
	src := &fakeACLSource{
		name:        "sharepoint",
		incremental: true,
		tuples:      []models.MembershipTuple{tuple("alice", "eng")},
		fetchCookie: "cookie-1",
	}
	if _, err := m.Run(ctx, "org-1", "sc-1", "sync-1", src); err != nil {
		t.Fatalf("seed: %v", err)
	}
	src.changesErr = errors.New("cookie invalidated")
	res, err := m.Run(ctx, "org-1", "sc-1", "sync-1", src)
	if err != nil {
		t.Fatalf("fallback run: %v", err)
	}
	if res.Mode != "full" {
		t.Errorf("mode = %s, want full", res.Mode)
	}
}
