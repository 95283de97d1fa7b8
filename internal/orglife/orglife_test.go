package orglife

import (
	"context"
	"errors"
	"testing"

	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

// fakeIdentity records calls and fails on demand. When seq is set, every
// call is appended to it so tests can assert saga ordering.
type fakeIdentity struct {
	failAddOwner bool
	failDelete   bool
	seq          *[]string

	created []string
	deleted []string
	owners  []string
}

func (f *fakeIdentity) record(call string) {
	if f.seq != nil {
		*f.seq = append(*f.seq, call)
	}
}

func (f *fakeIdentity) CreateOrganization(ctx context.Context, name string) (string, error) {
	f.record("identity_create")
	id := "idp-" + name
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeIdentity) AddOwner(ctx context.Context, identityOrgID, email string) error {
	if f.failAddOwner {
		return errors.New("identity provider rejected owner")
	}
	f.owners = append(f.owners, email)
	return nil
}

func (f *fakeIdentity) EnableDefaultConnections(ctx context.Context, identityOrgID string) error {
	return nil
}

func (f *fakeIdentity) DeleteOrganization(ctx context.Context, identityOrgID string) error {
	f.record("identity_delete")
	if f.failDelete {
		return errors.New("identity provider down")
	}
	f.deleted = append(f.deleted, identityOrgID)
	return nil
}

type fakeBilling struct {
	failCreate bool
	failDelete bool
	seq        *[]string

	customers []string
	deleted   []string
	cancelled []string
	clocks    []string
}

func (f *fakeBilling) record(call string) {
	if f.seq != nil {
		*f.seq = append(*f.seq, call)
	}
}

func (f *fakeBilling) CreateCustomer(ctx context.Context, orgName, email, testClock string) (string, error) {
	f.record("billing_create")
	if f.failCreate {
		return "", errors.New("billing unavailable")
	}
	id := "cus-" + orgName
	f.customers = append(f.customers, id)
	f.clocks = append(f.clocks, testClock)
	return id, nil
}

func (f *fakeBilling) DeleteCustomer(ctx context.Context, customerID string) error {
	f.record("billing_delete")
	if f.failDelete {
		return errors.New("billing unavailable")
	}
	f.deleted = append(f.deleted, customerID)
	return nil
}

func (f *fakeBilling) CancelSubscription(ctx context.Context, customerID string) error {
	if f.failDelete {
		return errors.New("billing unavailable")
	}
	f.cancelled = append(f.cancelled, customerID)
	return nil
}

func (f *fakeBilling) DeleteWebhookTenant(ctx context.Context, customerID string) error {
	return nil
}

// recordingStore appends organization writes to the shared sequence.
type recordingStore struct {
	*store.MemoryStore
	seq *[]string
}

func (r *recordingStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	*r.seq = append(*r.seq, "local_create")
	return r.MemoryStore.CreateOrganization(ctx, org)
}

func (r *recordingStore) DeleteOrganization(ctx context.Context, id string) error {
	*r.seq = append(*r.seq, "local_delete")
	return r.MemoryStore.DeleteOrganization(ctx, id)
}

func newService(st *store.MemoryStore, idp *fakeIdentity, bp *fakeBilling) *Service {
	return NewService(st, idp, bp, nil, nil)
}

func TestCreateProvisionsEverything(t *testing.T) {
	st := store.NewMemoryStore()
	idp := &fakeIdentity{}
	bp := &fakeBilling{}
	svc := newService(st, idp, bp)
	svc.TestClock = "clock-1"

	org, err := svc.Create(context.Background(), CreateRequest{Name: "acme", OwnerEmail: "owner@acme.io"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if org.Auth0OrgID != "idp-acme" || org.StripeCustomerID != "cus-acme" {
		t.Errorf("org = %+v", org)
	}
	period, err := st.CurrentBillingPeriod(context.Background(), org.ID)
	if err != nil {
		t.Fatalf("billing period: %v", err)
	}
	if period.Plan != models.PlanDeveloper || period.Status != models.BillingTrial {
		t.Errorf("period = %+v", period)
	}
	user, err := st.GetUserByEmail(context.Background(), "owner@acme.io")
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if user.PrimaryOrganizationID != org.ID {
		t.Errorf("primary org = %s", user.PrimaryOrganizationID)
	}
	if bp.clocks[0] != "clock-1" {
		t.Errorf("test clock = %q", bp.clocks[0])
	}
}

func TestCreateInProductionOmitsTestClock(t *testing.T) {
	st := store.NewMemoryStore()
	bp := &fakeBilling{}
	svc := newService(st, &fakeIdentity{}, bp)
	svc.TestClock = "clock-1"
	svc.Production = true

	if _, err := svc.Create(context.Background(), CreateRequest{Name: "acme", OwnerEmail: "o@a.io"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if bp.clocks[0] != "" {
		t.Errorf("test clock leaked to production: %q", bp.clocks[0])
	}
}

func TestCreateCompensatesOnIdentityFailure(t *testing.T) {
	st := store.NewMemoryStore()
	idp := &fakeIdentity{failAddOwner: true}
	bp := &fakeBilling{}
	svc := newService(st, idp, bp)

	_, err := svc.Create(context.Background(), CreateRequest{Name: "acme", OwnerEmail: "o@a.io"})
	if err == nil {
		t.Fatal("create succeeded despite identity failure")
	}
	// Identity org created then compensated, billing never reached.
	if len(idp.deleted) != 1 || idp.deleted[0] != "idp-acme" {
		t.Errorf("identity compensation = %v", idp.deleted)
	}
	if len(bp.customers) != 0 {
		t.Errorf("billing customer created: %v", bp.customers)
	}
}

func TestCreateCompensatesOnBillingFailure(t *testing.T) {
	st := store.NewMemoryStore()
	idp := &fakeIdentity{}
	bp := &fakeBilling{failCreate: true}
	svc := newService(st, idp, bp)

	_, err := svc.Create(context.Background(), CreateRequest{Name: "acme", OwnerEmail: "o@a.io"})
	if err == nil {
		t.Fatal("create succeeded despite billing failure")
	}
	if len(idp.deleted) != 1 {
		t.Errorf("identity org not compensated: %v", idp.deleted)
	}
}

func TestDeleteTearsDownExternalResources(t *testing.T) {
	st := store.NewMemoryStore()
	idp := &fakeIdentity{}
	bp := &fakeBilling{}
	svc := newService(st, idp, bp)
	ctx := context.Background()

	org, err := svc.Create(ctx, CreateRequest{Name: "acme", OwnerEmail: "o@a.io"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, org.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(bp.cancelled) != 1 || bp.cancelled[0] != org.StripeCustomerID {
		t.Errorf("subscription not cancelled: %v", bp.cancelled)
	}
	if len(bp.deleted) != 1 {
		t.Errorf("customer not deleted: %v", bp.deleted)
	}
	if len(idp.deleted) != 1 || idp.deleted[0] != org.Auth0OrgID {
		t.Errorf("identity org not deleted: %v", idp.deleted)
	}
	if _, err := st.GetOrganization(ctx, org.ID); !store.NotFound(err) {
		t.Errorf("local org survived delete: %v", err)
	}
}

func TestCreateCommitsLocalRowsLast(t *testing.T) {
	var seq []string
	st := &recordingStore{MemoryStore: store.NewMemoryStore(), seq: &seq}
	idp := &fakeIdentity{seq: &seq}
	bp := &fakeBilling{seq: &seq}
	svc := NewService(st, idp, bp, nil, nil)

	if _, err := svc.Create(context.Background(), CreateRequest{Name: "acme", OwnerEmail: "o@a.io"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	want := []string{"identity_create", "billing_create", "local_create"}
	if len(seq) != len(want) {
		t.Fatalf("sequence = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", seq, want)
		}
	}
}

func TestDeleteCommitsLocallyBeforeExternalTeardown(t *testing.T) {
	var seq []string
	st := &recordingStore{MemoryStore: store.NewMemoryStore(), seq: &seq}
	idp := &fakeIdentity{seq: &seq}
	bp := &fakeBilling{seq: &seq}
	svc := NewService(st, idp, bp, nil, nil)
	ctx := context.Background()

	org, err := svc.Create(ctx, CreateRequest{Name: "acme", OwnerEmail: "o@a.io"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	seq = seq[:0]
	if err := svc.Delete(ctx, org.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(seq) == 0 || seq[0] != "local_delete" {
		t.Fatalf("sequence = %v, want local_delete first", seq)
	}
	for _, call := range seq[1:] {
		if call == "local_delete" {
			t.Fatalf("local delete repeated: %v", seq)
		}
	}
}

func TestDeleteSucceedsWhenProvidersAreDown(t *testing.T) {
	st := store.NewMemoryStore()
	idp := &fakeIdentity{failDelete: true}
	bp := &fakeBilling{}
	svc := newService(st, idp, bp)
	ctx := context.Background()

	org, err := svc.Create(ctx, CreateRequest{Name: "acme", OwnerEmail: "o@a.io"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bp.failDelete = true

	if err := svc.Delete(ctx, org.ID); err != nil {
		t.Fatalf("delete with providers down: %v", err)
	}
	if _, err := st.GetOrganization(ctx, org.ID); !store.NotFound(err) {
		t.Errorf("local org survived delete: %v", err)
	}
}

func TestDeleteUnknownOrganization(t *testing.T) {
	svc := newService(store.NewMemoryStore(), &fakeIdentity{}, &fakeBilling{})
	if err := svc.Delete(context.Background(), "missing"); !store.NotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}
