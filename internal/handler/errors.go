package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/grocer/internal/domain/auth"
	"github.com/xenking/grocer/internal/domain/failure"
)

// Error codes of the {"error":{"code","message"}} envelope.
const (
	codeUnauthorized      = "unauthorized"
	codeValidation        = "validation_failed"
	codeNotFound          = "not_found"
	codeInsufficientStock = "insufficient_stock"
	codePermission        = "permission_denied"
	codeConflict          = "conflict"
	codeExternal          = "external_service"
	codeInternal          = "internal"
)

// classify maps an error to its HTTP status and envelope code.
func classify(err error) (int, string) {
	if errors.Is(err, auth.ErrUnauthorized) {
		return http.StatusUnauthorized, codeUnauthorized
	}
	switch failure.Kind(err) {
	case failure.ErrValidation:
		return http.StatusBadRequest, codeValidation
	case failure.ErrNotFound:
		return http.StatusNotFound, codeNotFound
	case failure.ErrInsufficientStock:
		return http.StatusConflict, codeInsufficientStock
	case failure.ErrPermission:
		return http.StatusForbidden, codePermission
	case failure.ErrConflict, failure.ErrVersionConflict:
		return http.StatusConflict, codeConflict
	case failure.ErrExternalService:
		return http.StatusBadGateway, codeExternal
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// fail writes err as an error envelope. Unclassified errors are logged and
// reported without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	message := err.Error()

	var ext *failure.ExternalServiceError
	switch {
	case status == http.StatusInternalServerError:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		message = "internal error"
	case status == http.StatusUnauthorized:
		message = "missing or invalid credentials"
	case errors.As(err, &ext):
		zctx.From(r.Context()).Warn("External service failed",
			zap.String("service", ext.Service),
			zap.Error(ext.Err),
		)
		message = ext.Service + " is unavailable"
	}

	writeError(w, status, code, message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("error")
		e.ObjStart()
		e.FieldStart("code")
		e.Str(code)
		e.FieldStart("message")
		e.Str(message)
		e.ObjEnd()
		e.ObjEnd()
	})
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
