package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	jwtx "github.com/dropDatabas3/xqr/internal/jwt"
	"github.com/dropDatabas3/xqr/internal/keys"
	"github.com/dropDatabas3/xqr/internal/keystore"
	"github.com/dropDatabas3/xqr/internal/observability/logger"
	"github.com/dropDatabas3/xqr/internal/resolver"
)

const (
	maxVerifyBody = 16 << 10
	maxKeyBody    = 16 << 10
)

// Handlers agrupa los endpoints del servicio del issuer.
type Handlers struct {
	Verifier *jwtx.Verifier
	JWKS     *JWKSPublisher
	Store    keystore.KeyStore
	// Cache es opcional (claves remotas); retirar un kid lo invalida y
	// /healthz expone sus estadísticas.
	Cache *resolver.Cached
	// AdminToken vacío deshabilita /v1/keys.
	AdminToken string
	// Ready es opcional (ping de backends).
	Ready func(ctx context.Context) error
}

// JWKS: GET|HEAD /.well-known/jwks.json
func (h *Handlers) handleJWKS(w http.ResponseWriter, r *http.Request) {
	data, err := h.JWKS.Get(r.Context())
	if err != nil {
		logger.From(r.Context()).Error("jwks build failed", logger.Component("jwks"), logger.Err(err))
		WriteError(w, ErrUnavailable.WithCause(err))
		return
	}
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age=60")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Value     string     `json:"value"`
	Issuer    string     `json:"issuer"`
	KeyID     string     `json:"kid"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at"` // null => sin expiración
}

// POST /v1/verify
func (h *Handlers) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := ReadJSON(w, r, maxVerifyBody, &req); err != nil {
		WriteError(w, err)
		return
	}
	tok := strings.TrimSpace(req.Token)
	if tok == "" {
		WriteError(w, ErrMissingFields.WithDetail("token"))
		return
	}

	v, err := h.Verifier.Verify(r.Context(), tok)
	if err != nil {
		appErr := FromError(err)
		if appErr.HTTPStatus == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "5")
		}
		WriteError(w, appErr)
		return
	}
	cs := v.Claims()
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, verifyResponse{
		Value:     cs.Value,
		Issuer:    cs.Issuer,
		KeyID:     cs.KeyID,
		IssuedAt:  cs.IssuedAt,
		ExpiresAt: cs.ExpiresAt,
	})
}

type healthResponse struct {
	Status string       `json:"status"`
	Cache  *cacheHealth `json:"cache,omitempty"`
}

type cacheHealth struct {
	Driver string `json:"driver"`
	Keys   int64  `json:"keys"`
	Hits   int64  `json:"hits"`
	Misses int64  `json:"misses"`
}

// GET /healthz
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	resp := healthResponse{}
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			logger.From(r.Context()).Warn("readiness check failed", logger.Err(err))
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	if h.Cache != nil {
		if st, err := h.Cache.Stats(r.Context()); err == nil {
			resp.Cache = &cacheHealth{Driver: st.Driver, Keys: st.Keys, Hits: st.Hits, Misses: st.Misses}
		}
	}
	resp.Status = status
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, code, resp)
}

// ───────── API de registro (admin) ─────────

type keyDTO struct {
	KID       string     `json:"kid"`
	Issuer    string     `json:"issuer,omitempty"`
	Alg       string     `json:"alg"`
	Status    string     `json:"status"`
	PublicKey string     `json:"public_key"` // PEM
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

func toDTO(k *keystore.Key) (keyDTO, error) {
	pub, err := k.ECDSA()
	if err != nil {
		return keyDTO{}, err
	}
	pemBytes, err := keys.ExportPublic(&keys.KeyPair{Public: pub})
	if err != nil {
		return keyDTO{}, err
	}
	return keyDTO{
		KID:       k.KID,
		Issuer:    k.Issuer,
		Alg:       k.Alg,
		Status:    string(k.Status),
		PublicKey: string(pemBytes),
		CreatedAt: k.CreatedAt,
		RetiredAt: k.RetiredAt,
	}, nil
}

// requireAdmin valida "Authorization: Bearer <admin_token>".
func (h *Handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || h.AdminToken == "" || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(h.AdminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="xqr"`)
			WriteError(w, ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GET /v1/keys
func (h *Handlers) handleListKeys(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListKeys(r.Context())
	if err != nil {
		WriteError(w, ErrUnavailable.WithCause(err))
		return
	}
	out := make([]keyDTO, 0, len(list))
	for i := range list {
		dto, err := toDTO(&list[i])
		if err != nil {
			logger.From(r.Context()).Warn("skipping undecodable key", logger.KeyID(list[i].KID), logger.Err(err))
			continue
		}
		out = append(out, dto)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"keys": out})
}

type addKeyRequest struct {
	KID       string `json:"kid"`
	Issuer    string `json:"issuer"`
	PublicKey string `json:"public_key"`
}

// POST /v1/keys
func (h *Handlers) handleAddKey(w http.ResponseWriter, r *http.Request) {
	var req addKeyRequest
	if err := ReadJSON(w, r, maxKeyBody, &req); err != nil {
		WriteError(w, err)
		return
	}
	if strings.TrimSpace(req.PublicKey) == "" {
		WriteError(w, ErrMissingFields.WithDetail("public_key"))
		return
	}
	pub, err := keys.LoadPublic([]byte(req.PublicKey))
	if err != nil {
		WriteError(w, ErrBadRequest.WithDetail("public_key must be a P-256 PEM public key").WithCause(err))
		return
	}
	k, err := keystore.NewKey(pub, strings.TrimSpace(req.KID), strings.TrimSpace(req.Issuer))
	if err != nil {
		WriteError(w, ErrBadRequest.WithDetail("invalid kid").WithCause(err))
		return
	}
	if err := h.Store.InsertKey(r.Context(), k); err != nil {
		if errors.Is(err, keystore.ErrConflict) {
			WriteError(w, ErrConflict.WithDetail("kid "+k.KID).WithCause(err))
			return
		}
		WriteError(w, ErrUnavailable.WithCause(err))
		return
	}
	h.JWKS.Invalidate()
	logger.From(r.Context()).Info("key registered", logger.Op("keys.add"), logger.KeyID(k.KID), logger.Issuer(k.Issuer))

	dto, err := toDTO(k)
	if err != nil {
		WriteError(w, ErrInternal.WithCause(err))
		return
	}
	w.Header().Set("Location", "/v1/keys/"+k.KID)
	WriteJSON(w, http.StatusCreated, dto)
}

// POST /v1/keys/{kid}/retire
func (h *Handlers) handleRetireKey(w http.ResponseWriter, r *http.Request) {
	kid := chi.URLParam(r, "kid")
	if !keystore.ValidKeyID(kid) {
		WriteError(w, ErrNotFound)
		return
	}
	if err := h.Store.RetireKey(r.Context(), kid); err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			WriteError(w, ErrNotFound.WithDetail("kid "+kid))
			return
		}
		WriteError(w, ErrUnavailable.WithCause(err))
		return
	}
	h.JWKS.Invalidate()
	// el registro local no se cachea; esto alcanza copias remotas del mismo kid
	if h.Cache != nil {
		if err := h.Cache.InvalidateKID(r.Context(), kid); err != nil {
			logger.From(r.Context()).Warn("resolver cache invalidation failed", logger.KeyID(kid), logger.Err(err))
		}
	}
	logger.From(r.Context()).Info("key retired", logger.Op("keys.retire"), logger.KeyID(kid))
	w.WriteHeader(http.StatusNoContent)
}
