package models

import (
	"errors"
	"fmt"
)

// The pipeline and services use a closed set of error kinds. Validation and
// auth errors bubble unchanged; connectors translate remote failures into
// this taxonomy; the pipeline retries only transient kinds.

// ── Auth / context errors ───────────────────────────────────

var (
	// ErrNoValidAuthentication is returned when no credential of any kind
	// accompanied the request.
	ErrNoValidAuthentication = errors.New("no_valid_authentication")

	// ErrOrganizationContextRequired is returned when no organization could
	// be resolved for the request.
	ErrOrganizationContextRequired = errors.New("organization_context_required")

	// ErrOrganizationAccessDenied is returned when the principal is not a
	// member of the resolved organization.
	ErrOrganizationAccessDenied = errors.New("organization_access_denied")

	// ErrApiKeyExpired is returned for expired or revoked API keys.
	ErrApiKeyExpired = errors.New("api_key_expired")

	// ErrTokenBlacklisted is returned when a JWT is on the blacklist, or
	// when the blacklist cache is unreachable (fail closed).
	ErrTokenBlacklisted = errors.New("token_blacklisted")
)

// RateLimitExceededError is returned when the per-org API budget is spent.
type RateLimitExceededError struct {
	RetryAfter int64 // seconds
	Limit      int64
	Remaining  int64
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfter)
}

// ── OAuth flow errors ───────────────────────────────────────

// OAuthNotConfiguredError means no integration settings exist for the
// source short name.
type OAuthNotConfiguredError struct {
	ShortName string
}

func (e *OAuthNotConfiguredError) Error() string {
	return fmt.Sprintf("oauth is not configured for source %q", e.ShortName)
}

// OAuthSessionNotFoundError means no init session matches the presented
// state or request token.
type OAuthSessionNotFoundError struct{}

func (e *OAuthSessionNotFoundError) Error() string {
	return "oauth session not found"
}

// OAuthSessionAlreadyCompletedError enforces single-use sessions.
type OAuthSessionAlreadyCompletedError struct {
	Status InitSessionStatus
}

func (e *OAuthSessionAlreadyCompletedError) Error() string {
	return fmt.Sprintf("oauth session is not pending (status %s)", e.Status)
}

// OAuthTokenExchangeError wraps a failed code/verifier exchange.
type OAuthTokenExchangeError struct {
	Err error
}

func (e *OAuthTokenExchangeError) Error() string {
	return fmt.Sprintf("oauth token exchange failed: %v", e.Err)
}

func (e *OAuthTokenExchangeError) Unwrap() error { return e.Err }

// ── Source connection errors ────────────────────────────────

// SourceNotFoundError means the short name is not in the source registry.
type SourceNotFoundError struct {
	ShortName string
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("source %q not found", e.ShortName)
}

// InvalidAuthMethodError means the source does not support the inferred
// authentication method.
type InvalidAuthMethodError struct {
	ShortName string
	Method    AuthenticationMethod
}

func (e *InvalidAuthMethodError) Error() string {
	return fmt.Sprintf("source %q does not support authentication method %q", e.ShortName, e.Method)
}

// ByocRequiredError means the source requires bring-your-own-client
// credentials but the browser flow was requested without them.
type ByocRequiredError struct {
	ShortName string
}

func (e *ByocRequiredError) Error() string {
	return fmt.Sprintf("source %q requires your own OAuth client credentials", e.ShortName)
}

// SyncImmediatelyNotAllowedError rejects sync_immediately on browser flows,
// where no tokens exist yet.
type SyncImmediatelyNotAllowedError struct{}

func (e *SyncImmediatelyNotAllowedError) Error() string {
	return "cannot sync immediately before browser authentication completes"
}

// CredentialValidationError is a sanitized 422 from Source.Validate.
type CredentialValidationError struct {
	ShortName string
	Reason    string
}

func (e *CredentialValidationError) Error() string {
	return fmt.Sprintf("credential validation failed for %q: %s", e.ShortName, e.Reason)
}

// ── Pipeline errors ─────────────────────────────────────────

// SyncFailureError is the single fatal error kind for contract breaches and
// validation failures inside the pipeline. It is never retried.
type SyncFailureError struct {
	Reason string
	Err    error
}

func (e *SyncFailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sync failure: %s: %v", e.Reason, e.Err)
	}
	return "sync failure: " + e.Reason
}

func (e *SyncFailureError) Unwrap() error { return e.Err }

// SyncFailuref builds a SyncFailureError with a formatted reason.
func SyncFailuref(format string, args ...any) *SyncFailureError {
	return &SyncFailureError{Reason: fmt.Sprintf(format, args...)}
}

// ── Usage errors ────────────────────────────────────────────

// UsageLimitExceededError reports an action over the plan cap.
type UsageLimitExceededError struct {
	Action       UsageAction
	Limit        int64
	CurrentUsage int64
}

func (e *UsageLimitExceededError) Error() string {
	return fmt.Sprintf("usage limit exceeded for %s: %d/%d", e.Action, e.CurrentUsage, e.Limit)
}

// PaymentRequiredError reports an action blocked by billing status.
type PaymentRequiredError struct {
	Action UsageAction
	Status BillingPeriodStatus
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("action %s requires payment (billing status %s)", e.Action, e.Status)
}

// ── Conflict errors ─────────────────────────────────────────

// JobAlreadyRunningError rejects a second concurrent run for one sync.
type JobAlreadyRunningError struct {
	SyncID string
	JobID  string
}

func (e *JobAlreadyRunningError) Error() string {
	return fmt.Sprintf("sync %s already has a running job %s", e.SyncID, e.JobID)
}
