package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	jwtx "github.com/dropDatabas3/xqr/internal/jwt"
	"github.com/dropDatabas3/xqr/internal/resolver"
)

// AppError es la forma estándar de los errores de la API.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // causa, solo para logs
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetail devuelve una COPIA con detail.
func (e *AppError) WithDetail(detail string) *AppError {
	c := *e
	c.Detail = detail
	return &c
}

// WithCause devuelve una COPIA con la causa.
func (e *AppError) WithCause(err error) *AppError {
	c := *e
	c.Err = err
	return &c
}

var (
	ErrBadRequest        = &AppError{Code: "bad_request", Message: "invalid request", HTTPStatus: http.StatusBadRequest}
	ErrInvalidJSON       = &AppError{Code: "invalid_json", Message: "request body is not valid JSON", HTTPStatus: http.StatusBadRequest}
	ErrMissingFields     = &AppError{Code: "missing_fields", Message: "required fields are missing", HTTPStatus: http.StatusBadRequest}
	ErrBodyTooLarge      = &AppError{Code: "body_too_large", Message: "request body too large", HTTPStatus: http.StatusRequestEntityTooLarge}
	ErrUnauthorized      = &AppError{Code: "unauthorized", Message: "missing or invalid credentials", HTTPStatus: http.StatusUnauthorized}
	ErrNotFound          = &AppError{Code: "not_found", Message: "resource not found", HTTPStatus: http.StatusNotFound}
	ErrMethodNotAllowed  = &AppError{Code: "method_not_allowed", Message: "method not allowed", HTTPStatus: http.StatusMethodNotAllowed}
	ErrConflict          = &AppError{Code: "conflict", Message: "resource already exists", HTTPStatus: http.StatusConflict}
	ErrRateLimitExceeded = &AppError{Code: "rate_limited", Message: "too many requests", HTTPStatus: http.StatusTooManyRequests}
	ErrInternal          = &AppError{Code: "internal", Message: "internal server error", HTTPStatus: http.StatusInternalServerError}
	ErrUnavailable       = &AppError{Code: "unavailable", Message: "service unavailable", HTTPStatus: http.StatusServiceUnavailable}
)

// Errores del protocolo de verificación.
var (
	ErrMalformedToken = &AppError{Code: "malformed_token", Message: "token is malformed", HTTPStatus: http.StatusBadRequest}
	ErrMissingKeyID   = &AppError{Code: "missing_key_id", Message: "token has no key id", HTTPStatus: http.StatusBadRequest}
	ErrMissingIssuer  = &AppError{Code: "missing_issuer", Message: "token has no issuer", HTTPStatus: http.StatusBadRequest}
	ErrKeyUnavailable = &AppError{Code: "key_unavailable", Message: "signing key could not be resolved", HTTPStatus: http.StatusUnprocessableEntity}
	ErrKeyUnreachable = &AppError{Code: "key_unavailable", Message: "signing key lookup failed, retry later", HTTPStatus: http.StatusServiceUnavailable}
	ErrBadSignature   = &AppError{Code: "bad_signature", Message: "signature does not verify", HTTPStatus: http.StatusUnprocessableEntity}
	ErrExpired        = &AppError{Code: "expired", Message: "token has expired", HTTPStatus: http.StatusUnprocessableEntity}
	ErrNotYetValid    = &AppError{Code: "not_yet_valid", Message: "token is not valid yet", HTTPStatus: http.StatusUnprocessableEntity}
)

// FromError convierte errores de otras capas en AppError. Lo desconocido es 500.
func FromError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, jwtx.ErrMissingKeyID):
		return ErrMissingKeyID.WithCause(err)
	case errors.Is(err, jwtx.ErrMissingIssuer):
		return ErrMissingIssuer.WithCause(err)
	case errors.Is(err, jwtx.ErrMalformedToken):
		return ErrMalformedToken.WithCause(err)
	case errors.Is(err, jwtx.ErrKeyUnavailable):
		// timeout / transporte: el token puede ser válido, vale reintentar
		if resolver.Retryable(err) {
			return ErrKeyUnreachable.WithCause(err)
		}
		return ErrKeyUnavailable.WithCause(err)
	case errors.Is(err, jwtx.ErrBadSignature):
		return ErrBadSignature.WithCause(err)
	case errors.Is(err, jwtx.ErrExpired):
		return ErrExpired.WithCause(err)
	case errors.Is(err, jwtx.ErrNotYetValid):
		return ErrNotYetValid.WithCause(err)
	}
	return ErrInternal.WithCause(err)
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteError escribe err como JSON. La causa nunca se expone al cliente.
func WriteError(w http.ResponseWriter, err error) {
	appErr := FromError(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	rid := w.Header().Get(requestIDHeader)
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Detail:    appErr.Detail,
		RequestID: rid,
	})
}

// WriteJSON: respuesta JSON estándar
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodifica un único objeto JSON de a lo sumo max bytes.
func ReadJSON(w http.ResponseWriter, r *http.Request, max int64, v any) error {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if ct != "" && !strings.Contains(ct, "application/json") {
		return ErrInvalidJSON.WithDetail("Content-Type must be application/json")
	}
	r.Body = http.MaxBytesReader(w, r.Body, max)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return ErrBodyTooLarge.WithCause(err)
		case errors.Is(err, io.EOF):
			return ErrInvalidJSON.WithDetail("empty body")
		default:
			return ErrInvalidJSON.WithCause(err)
		}
	}
	if dec.More() {
		return ErrInvalidJSON.WithDetail("trailing data after JSON object")
	}
	return nil
}
