// Package identity resolves who the signed-in user is and which topic their
// responses are published on.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/duelchat/internal/domain"
	"github.com/containerd/errdefs"
)

var (
	// ErrNoEmail is returned when no email is configured for the user.
	ErrNoEmail = fmt.Errorf("no email for signed-in user: %w", errdefs.ErrFailedPrecondition)
	// ErrInvalidIdentity is returned for malformed identity ids.
	ErrInvalidIdentity = fmt.Errorf("invalid identity id: %w", errdefs.ErrInvalidArgument)
)

type contextKey int

const identityKey contextKey = iota

var (
	anonIDPattern     = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	identityIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
)

// Provider resolves the identity and profile of the signed-in user.
type Provider interface {
	ResolveIdentity(ctx context.Context) (domain.Identity, error)
	ResolveProfile(ctx context.Context) (domain.Profile, error)
}

// Static is a Provider backed by fixed values, typically from configuration.
type Static struct {
	identityID string
	email      string
}

// NewStatic returns a Static provider. An empty identityID is replaced with a
// freshly generated anonymous one.
func NewStatic(identityID, email string) (*Static, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		id, err := generateAnonID()
		if err != nil {
			return nil, err
		}
		identityID = id
	}
	if !identityIDPattern.MatchString(identityID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentity, identityID)
	}
	return &Static{identityID: identityID, email: strings.TrimSpace(email)}, nil
}

// ResolveIdentity implements Provider.
func (s *Static) ResolveIdentity(ctx context.Context) (domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{IdentityID: s.identityID, Email: s.email}, nil
}

// ResolveProfile implements Provider.
func (s *Static) ResolveProfile(ctx context.Context) (domain.Profile, error) {
	if err := ctx.Err(); err != nil {
		return domain.Profile{}, err
	}
	if s.email == "" {
		return domain.Profile{}, ErrNoEmail
	}
	return domain.Profile{Email: s.email, Username: deriveUsername(s.identityID, s.email)}, nil
}

// IsAnonymous reports whether id was generated rather than configured.
func IsAnonymous(id string) bool {
	return anonIDPattern.MatchString(id)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func deriveUsername(identityID, email string) string {
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		return local
	}
	if len(identityID) > 13 {
		return "anon-" + identityID[len(identityID)-8:]
	}
	return "anon-user"
}

// FromContext extracts the identity stored by Middleware.
func FromContext(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey).(domain.Identity)
	return id, ok
}

// Middleware resolves the identity once per request and stores it in the
// request context. Requests are still served when resolution fails, without
// an identity, so the session state stays readable while sign-in is broken.
func Middleware(p Provider, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := p.ResolveIdentity(r.Context())
			if err != nil {
				logger.Debug("Serving request without identity", "path", r.URL.Path, "ip", IPFromRequest(r), "error", err)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
