// Package orglife runs the organization lifecycle sagas. Creation
// provisions the identity and billing providers first and commits the local
// rows last, compensating completed steps in reverse when a later one
// fails. Deletion commits the local cascade first, then tears the external
// resources down best effort and revokes member sessions.
package orglife

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/cache"
	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// revokeTTL bounds how long a member-wide revocation marker lives. Tokens
// issued before the cutoff are rejected until they would have expired
// anyway.
const revokeTTL = 48 * time.Hour

// CreateRequest is the input of the creation saga.
type CreateRequest struct {
	Name       string          `json:"name" validate:"required,min=1,max=120"`
	OwnerEmail string          `json:"owner_email" validate:"required,email"`
	Plan       models.PlanName `json:"plan,omitempty"`
}

// Service executes the sagas.
type Service struct {
	Store     store.Store
	Identity  contracts.IdentityProvider
	Billing   contracts.BillingProvider
	Scheduler contracts.Scheduler
	Bus       events.Bus
	Blacklist *cache.Blacklist
	Cache     *cache.ContextCache

	// TestClock is forwarded to the billing provider outside production so
	// integration environments can advance time.
	TestClock  string
	Production bool

	now func() time.Time
}

// NewService wires the lifecycle service.
func NewService(st store.Store, identity contracts.IdentityProvider, billing contracts.BillingProvider, scheduler contracts.Scheduler, bus events.Bus) *Service {
	return &Service{Store: st, Identity: identity, Billing: billing, Scheduler: scheduler, Bus: bus, now: time.Now}
}

// compensation is one rollback step recorded as its forward step succeeds.
type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// Create runs the creation saga: external resources are provisioned first
// and the local rows are written last, so a failure never leaves a local
// organization pointing at half-provisioned providers. On failure every
// completed step is compensated in reverse order; a compensation failure is
// logged at error level with critical=true, since the leaked resource needs
// manual cleanup.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Organization, error) {
	now := s.now()
	org := &models.Organization{
		ID:         uuid.NewString(),
		Name:       req.Name,
		CreatedAt:  now,
		ModifiedAt: now,
	}

	var done []compensation
	rollback := func(cause error) {
		for i := len(done) - 1; i >= 0; i-- {
			step := done[i]
			if err := step.fn(ctx); err != nil {
				log.Error().Err(err).
					Bool("critical", true).
					Str("organization_id", org.ID).
					Str("step", step.name).
					Msg("compensation failed, resource leaked")
			}
		}
		log.Warn().Err(cause).Str("organization_id", org.ID).Msg("organization creation rolled back")
	}

	identityOrgID, err := s.Identity.CreateOrganization(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("identity organization: %w", err)
	}
	done = append(done, compensation{"identity_organization", func(ctx context.Context) error {
		return s.Identity.DeleteOrganization(ctx, identityOrgID)
	}})

	if err := s.Identity.AddOwner(ctx, identityOrgID, req.OwnerEmail); err != nil {
		rollback(err)
		return nil, fmt.Errorf("identity owner: %w", err)
	}
	if err := s.Identity.EnableDefaultConnections(ctx, identityOrgID); err != nil {
		rollback(err)
		return nil, fmt.Errorf("identity connections: %w", err)
	}

	testClock := ""
	if !s.Production {
		testClock = s.TestClock
	}
	customerID, err := s.Billing.CreateCustomer(ctx, req.Name, req.OwnerEmail, testClock)
	if err != nil {
		rollback(err)
		return nil, fmt.Errorf("billing customer: %w", err)
	}
	done = append(done, compensation{"billing_customer", func(ctx context.Context) error {
		return s.Billing.DeleteCustomer(ctx, customerID)
	}})

	org.Auth0OrgID = identityOrgID
	org.StripeCustomerID = customerID
	if err := s.Store.CreateOrganization(ctx, org); err != nil {
		rollback(err)
		return nil, err
	}
	done = append(done, compensation{"local_organization", func(ctx context.Context) error {
		return s.Store.DeleteOrganization(ctx, org.ID)
	}})

	plan := req.Plan
	if plan == "" {
		plan = models.PlanDeveloper
	}
	period := &models.BillingPeriod{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		Plan:           plan,
		Status:         models.BillingTrial,
		PeriodStart:    now,
		PeriodEnd:      now.AddDate(0, 1, 0),
	}
	if err := s.Store.CreateBillingPeriod(ctx, period); err != nil {
		rollback(err)
		return nil, fmt.Errorf("billing period: %w", err)
	}

	s.attachOwner(ctx, org.ID, req.OwnerEmail)
	s.publish(ctx, org.ID, "created")
	log.Info().Str("organization_id", org.ID).Str("name", org.Name).Msg("organization created")
	return org, nil
}

// attachOwner links the owner user locally. Best effort: the identity
// provider already holds the authoritative membership.
func (s *Service) attachOwner(ctx context.Context, orgID, email string) {
	user, err := s.Store.GetUserByEmail(ctx, email)
	if err != nil {
		user = &models.User{ID: uuid.NewString(), Email: email, CreatedAt: s.now()}
	}
	for _, m := range user.Memberships {
		if m.OrganizationID == orgID {
			return
		}
	}
	user.Memberships = append(user.Memberships, models.Membership{
		OrganizationID: orgID,
		Role:           models.RoleOwner,
		IsPrimary:      user.PrimaryOrganizationID == "",
	})
	if user.PrimaryOrganizationID == "" {
		user.PrimaryOrganizationID = orgID
	}
	if err := s.Store.UpsertUser(ctx, user); err != nil {
		log.Error().Err(err).Str("organization_id", orgID).Msg("owner membership not recorded")
	}
}

// Delete tears an organization down. The local cascade commits first so the
// organization is gone from the user's point of view even when a provider is
// down; external teardown then runs best effort, with failures logged at
// error level with critical=true for manual cleanup. Member sessions are
// revoked so stale tokens cannot reach a half-deleted organization.
func (s *Service) Delete(ctx context.Context, orgID string) error {
	org, err := s.Store.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}

	emails, err := s.Store.DeleteUserMemberships(ctx, orgID)
	if err != nil {
		return err
	}
	if s.Blacklist != nil {
		cutoff := s.now()
		for _, email := range emails {
			if err := s.Blacklist.RevokeBefore(ctx, email, cutoff, revokeTTL); err != nil {
				log.Error().Err(err).Str("organization_id", orgID).Msg("session revocation failed")
			}
		}
	}
	if err := s.Store.DeleteOrganization(ctx, orgID); err != nil {
		return err
	}
	if s.Cache != nil {
		s.Cache.Invalidate(ctx, orgID)
	}

	if org.StripeCustomerID != "" {
		if err := s.Billing.CancelSubscription(ctx, org.StripeCustomerID); err != nil {
			log.Error().Err(err).Bool("critical", true).
				Str("organization_id", orgID).Msg("subscription cancel failed")
		}
		if err := s.Billing.DeleteWebhookTenant(ctx, org.StripeCustomerID); err != nil {
			log.Error().Err(err).Bool("critical", true).
				Str("organization_id", orgID).Msg("webhook tenant delete failed")
		}
		if err := s.Billing.DeleteCustomer(ctx, org.StripeCustomerID); err != nil {
			log.Error().Err(err).Bool("critical", true).
				Str("organization_id", orgID).Msg("billing customer delete failed")
		}
	}
	if org.Auth0OrgID != "" {
		if err := s.Identity.DeleteOrganization(ctx, org.Auth0OrgID); err != nil {
			log.Error().Err(err).Bool("critical", true).
				Str("organization_id", orgID).Msg("identity organization delete failed")
		}
	}

	s.publish(ctx, orgID, "deleted")
	log.Info().Str("organization_id", orgID).Msg("organization deleted")
	return nil
}

func (s *Service) publish(ctx context.Context, orgID, event string) {
	if s.Bus == nil {
		return
	}
	_ = s.Bus.Publish(ctx, events.OrgLifecycleTopic(orgID), map[string]string{
		"organization_id": orgID,
		"event":           event,
	})
}
