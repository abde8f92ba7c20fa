package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/dressup/tryon-engine/ledger"
)

// errRateLimited is returned when an account exceeds its generation rate.
var errRateLimited = errors.New("rate limited")

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ledger.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrCouponExpired):
		return http.StatusGone
	case errors.Is(err, ledger.ErrCouponExhausted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrAlreadyRedeemed),
		errors.Is(err, ledger.ErrDuplicateCode),
		errors.Is(err, ledger.ErrDuplicateRequest):
		return http.StatusConflict
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorCode extends ledger.ErrorCode with the API-only errors.
func errorCode(err error) string {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, errRateLimited):
		return "rate_limited"
	default:
		return ledger.ErrorCode(err)
	}
}

// writeDomainError writes err with the status and code it maps to.
// Internal errors are logged and their cause is not exposed.
func writeDomainError(w http.ResponseWriter, log logrus.FieldLogger, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message, Code: errorCode(err)}

	var short *ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &short):
		resp.Details = map[string]int64{
			"available": short.Available,
			"requested": short.Requested,
		}
	case status >= http.StatusInternalServerError:
		log.WithError(err).WithField("status", status).Error(message)
	default:
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Code = errorCode(err)
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
