package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/terrpan/atbroker/internal/model"
)

// Header names.
const (
	HeaderInstanceName = "CG-Broker-Instance-Name"
	HeaderInstancePass = "CG-Broker-Instance-Pass"
	HeaderRunnerPass   = "CG-Broker-Runner-Pass"
)

// errNoCredentials means the caller presented nothing to check; it maps
// to 401 where a wrong credential maps to 403.
var errNoCredentials = errors.New("no credentials presented")

type ctxKey int

const originKey ctxKey = iota

func withOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey, origin)
}

// originFrom returns the authenticated instance URL.
func originFrom(ctx context.Context) string {
	origin, _ := ctx.Value(originKey).(string)
	return origin
}

// ---------------------------------------------------------------------------
// Instance authentication
// ---------------------------------------------------------------------------

type instanceAuth struct {
	instances map[string]Instance
	issuers   []string
	keys      *keyFetcher
	logger    *slog.Logger
}

func newInstanceAuth(cfg Config, logger *slog.Logger) *instanceAuth {
	a := &instanceAuth{
		instances: make(map[string]Instance, len(cfg.Instances)),
		issuers:   cfg.SignedIssuers,
		logger:    logger,
	}
	for _, inst := range cfg.Instances {
		a.instances[inst.Name] = inst
	}
	if len(cfg.SignedIssuers) > 0 {
		a.keys = newKeyFetcher(cfg.PublicKeyPath, cfg.PublicKeyTTL, logger)
	}
	return a
}

func (a *instanceAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin, err := a.authenticate(r)
		if err != nil {
			if !errors.Is(err, errNoCredentials) {
				a.logger.Warn("instance authentication failed",
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
			}
			writeError(w, a.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withOrigin(r.Context(), origin)))
	})
}

// authenticate returns the origin URL of the calling instance.
func (a *instanceAuth) authenticate(r *http.Request) (string, error) {
	if name := r.Header.Get(HeaderInstanceName); name != "" {
		return a.password(name, r.Header.Get(HeaderInstancePass))
	}
	if token, ok := bearer(r); ok && a.keys != nil {
		return a.signed(r.Context(), token)
	}
	return "", errNoCredentials
}

func (a *instanceAuth) password(name, pass string) (string, error) {
	inst, ok := a.instances[name]
	// Compare against something even for unknown names.
	want := inst.Password
	if !ok {
		want = "\x00"
	}
	if subtle.ConstantTimeCompare([]byte(pass), []byte(want)) != 1 || !ok {
		return "", fmt.Errorf("instance %q: %w", name, model.ErrPermissionDenied)
	}
	return inst.URL, nil
}

// signed verifies an EdDSA token whose issuer is the instance's own URL,
// using the public key published by that URL.
func (a *instanceAuth) signed(ctx context.Context, raw string) (string, error) {
	var unverified jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &unverified); err != nil {
		return "", fmt.Errorf("malformed token: %w", model.ErrPermissionDenied)
	}
	issuer := strings.TrimRight(unverified.Issuer, "/")
	if !a.allowedIssuer(issuer) {
		return "", fmt.Errorf("issuer %q is not allowed: %w", issuer, model.ErrPermissionDenied)
	}

	key, err := a.keys.get(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("public key of %s: %v: %w", issuer, err, model.ErrPermissionDenied)
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return "", fmt.Errorf("token of %s: %v: %w", issuer, err, model.ErrPermissionDenied)
	}
	if claims.ExpiresAt == nil {
		return "", fmt.Errorf("token of %s has no expiry: %w", issuer, model.ErrPermissionDenied)
	}
	return issuer, nil
}

func (a *instanceAuth) allowedIssuer(issuer string) bool {
	if issuer == "" {
		return false
	}
	for _, prefix := range a.issuers {
		prefix = strings.TrimRight(prefix, "/")
		if issuer == prefix || strings.HasPrefix(issuer, prefix+"/") {
			return true
		}
	}
	return false
}

func bearer(r *http.Request) (string, bool) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// ---------------------------------------------------------------------------
// Admin authentication
// ---------------------------------------------------------------------------

func requireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := bearer(r)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing admin token"})
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeJSON(w, http.StatusForbidden, errorResponse{Error: "invalid admin token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
