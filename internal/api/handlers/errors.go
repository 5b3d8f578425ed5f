package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/reviewloop/backend/internal/api/response"
	"github.com/reviewloop/backend/internal/billing"
	"github.com/reviewloop/backend/internal/repository"
	"github.com/reviewloop/backend/internal/service"
	"github.com/reviewloop/backend/internal/usage"
)

// writeError maps a domain error to its HTTP status. Anything unrecognized is
// logged and answered with a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ineligible *billing.IneligibleError

	switch {
	case errors.As(err, &ineligible):
		response.Error(w, http.StatusBadRequest, "refund_ineligible", "Refund not available: "+ineligible.Reason)
	case errors.Is(err, billing.ErrUnknownPlan):
		response.BadRequest(w, "Unknown plan")
	case errors.Is(err, billing.ErrInvalidReturnURL):
		response.BadRequest(w, "Return URL must be a path on this site")
	case errors.Is(err, billing.ErrAlreadySubscribed):
		response.Conflict(w, "You already have an active subscription")
	case errors.Is(err, billing.ErrAccountInactive):
		response.Error(w, http.StatusConflict, "account_inactive", "This account is scheduled for deletion. Sign in again to restore it first.")
	case errors.Is(err, service.ErrActiveSubscription):
		response.Conflict(w, "Cancel your subscription before deleting your account")
	case errors.Is(err, repository.ErrUserNotFound):
		response.NotFound(w, "Account not found")
	case errors.Is(err, repository.ErrStoreNotFound):
		response.NotFound(w, "Store not found")
	case errors.Is(err, repository.ErrGraceExpired):
		response.Error(w, http.StatusGone, "account_deleted", "This account was deleted and can no longer be restored")
	case errors.Is(err, usage.ErrQuotaExceeded):
		response.Error(w, http.StatusPaymentRequired, "quota_exceeded", "Monthly limit reached. Upgrade to Pro for unlimited usage.")
	case errors.Is(err, usage.ErrUnknownKind):
		response.BadRequest(w, "Unknown usage kind")
	case errors.Is(err, billing.ErrProcessor):
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Payment processor error")
		response.Error(w, http.StatusBadGateway, "processor_error", "The payment provider could not be reached. Please try again.")
	default:
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		response.InternalError(w, "")
	}
}
