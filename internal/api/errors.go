package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/airweave/airweave/internal/oauthserver"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// respondError maps domain errors to HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal_error"
	detail := ""

	var (
		notFound      *store.ErrNotFound
		rateLimited   *models.RateLimitExceededError
		usageLimit    *models.UsageLimitExceededError
		payment       *models.PaymentRequiredError
		jobRunning    *models.JobAlreadyRunningError
		badCredential *models.CredentialValidationError
		badMethod     *models.InvalidAuthMethodError
		byoc          *models.ByocRequiredError
		noSyncNow     *models.SyncImmediatelyNotAllowedError
		noSource      *models.SourceNotFoundError
		noOAuth       *models.OAuthNotConfiguredError
		noSession     *models.OAuthSessionNotFoundError
		usedSession   *models.OAuthSessionAlreadyCompletedError
		exchange      *models.OAuthTokenExchangeError
		oauthErr      *oauthserver.Error
		validation    validator.ValidationErrors
	)

	switch {
	case errors.As(err, &notFound):
		status, kind = http.StatusNotFound, "not_found"
		detail = err.Error()
	case errors.Is(err, models.ErrNoValidAuthentication),
		errors.Is(err, models.ErrApiKeyExpired),
		errors.Is(err, models.ErrTokenBlacklisted):
		status, kind = http.StatusUnauthorized, "unauthorized"
		detail = err.Error()
	case errors.Is(err, models.ErrOrganizationAccessDenied):
		status, kind = http.StatusForbidden, "forbidden"
		detail = err.Error()
	case errors.Is(err, models.ErrOrganizationContextRequired):
		status, kind = http.StatusBadRequest, "bad_request"
		detail = err.Error()
	case errors.As(err, &rateLimited):
		status, kind = http.StatusTooManyRequests, "rate_limited"
		detail = err.Error()
	case errors.As(err, &usageLimit), errors.As(err, &payment):
		status, kind = http.StatusPaymentRequired, "payment_required"
		detail = err.Error()
	case errors.As(err, &jobRunning), errors.As(err, &usedSession):
		status, kind = http.StatusConflict, "conflict"
		detail = err.Error()
	case errors.As(err, &badCredential), errors.As(err, &badMethod),
		errors.As(err, &byoc), errors.As(err, &noSyncNow),
		errors.As(err, &validation):
		status, kind = http.StatusUnprocessableEntity, "unprocessable"
		detail = err.Error()
	case errors.As(err, &noSource), errors.As(err, &noSession):
		status, kind = http.StatusNotFound, "not_found"
		detail = err.Error()
	case errors.As(err, &noOAuth):
		status, kind = http.StatusBadRequest, "bad_request"
		detail = err.Error()
	case errors.As(err, &exchange):
		status, kind = http.StatusBadGateway, "upstream_error"
		detail = "token exchange with the provider failed"
	case errors.As(err, &oauthErr):
		status = http.StatusBadRequest
		if oauthErr.Code == "invalid_client" {
			status = http.StatusUnauthorized
		}
		respondJSON(w, status, oauthErr)
		return
	}

	if status == http.StatusInternalServerError {
		// Internals stay out of responses.
		detail = ""
	}
	respondJSON(w, status, errorBody{Error: kind, Detail: detail})
}
