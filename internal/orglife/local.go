package orglife

import (
	"context"

	"github.com/google/uuid"

	"github.com/airweave/airweave/pkg/contracts"
)

// LocalIdentity backs deployments without an external identity system. IDs
// are minted locally and every operation succeeds.
type LocalIdentity struct{}

func (LocalIdentity) CreateOrganization(ctx context.Context, name string) (string, error) {
	return "local-org-" + uuid.NewString(), nil
}

func (LocalIdentity) AddOwner(ctx context.Context, identityOrgID, email string) error { return nil }

func (LocalIdentity) EnableDefaultConnections(ctx context.Context, identityOrgID string) error {
	return nil
}

func (LocalIdentity) DeleteOrganization(ctx context.Context, identityOrgID string) error {
	return nil
}

// LocalBilling backs deployments without a payments system.
type LocalBilling struct{}

func (LocalBilling) CreateCustomer(ctx context.Context, orgName, email, testClock string) (string, error) {
	return "local-cus-" + uuid.NewString(), nil
}

func (LocalBilling) DeleteCustomer(ctx context.Context, customerID string) error     { return nil }
func (LocalBilling) CancelSubscription(ctx context.Context, customerID string) error { return nil }
func (LocalBilling) DeleteWebhookTenant(ctx context.Context, customerID string) error {
	return nil
}

var _ contracts.IdentityProvider = LocalIdentity{}
var _ contracts.BillingProvider = LocalBilling{}
