package httpserver

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/verder-helpen/comm-livecom/internal/errs"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps a domain error to an HTTP status and a stable error kind.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrTokenMalformed):
		return http.StatusUnauthorized, "token_malformed"
	case errors.Is(err, errs.ErrTokenInvalid):
		return http.StatusUnauthorized, "token_invalid"
	case errors.Is(err, errs.ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired"
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, errs.ErrResultExpired):
		return http.StatusBadRequest, "result_expired"
	case errors.Is(err, errs.ErrCrypto):
		return http.StatusBadRequest, "crypto"
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, errs.ErrUpstream):
		return http.StatusBadGateway, "upstream"
	case errors.Is(err, errs.ErrPersistence):
		return http.StatusInternalServerError, "persistence"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := statusFor(err)
	if code >= 500 {
		s.log.Error("request failed", zap.String("kind", kind), zap.String("method", r.Method), zap.Error(err))
	} else {
		s.log.Debug("request rejected", zap.String("kind", kind), zap.String("method", r.Method), zap.Error(err))
	}
	writeJSON(w, code, errorBody{Error: kind})
}
