package gatewaysim

import (
	"crypto/subtle"
	"slices"

	"clawbridge/internal/domain"
)

// Grant is what an accepted connect handshake is allowed to do.
type Grant struct {
	Name   string
	Role   string
	Scopes []string
}

// Authenticator checks a connect request and decides its grant.
type Authenticator interface {
	Authenticate(params domain.ConnectParams) (*Grant, error)
}

// TokenEntry is one accepted token. An empty Scopes list allows every
// scope the client asks for.
type TokenEntry struct {
	Token  string
	Name   string
	Scopes []string
}

// StaticTokenAuth matches the connect token against a fixed list using
// constant-time comparison.
type StaticTokenAuth struct {
	entries []TokenEntry
}

// NewStaticTokenAuth builds an authenticator from a set of token entries.
func NewStaticTokenAuth(entries []TokenEntry) *StaticTokenAuth {
	return &StaticTokenAuth{entries: slices.Clone(entries)}
}

// Authenticate returns the grant for the connect token. Every entry is
// compared so the time taken does not depend on which one matched.
func (s *StaticTokenAuth) Authenticate(params domain.ConnectParams) (*Grant, error) {
	token := []byte(params.Auth.Token)
	match := -1
	for i, e := range s.entries {
		if subtle.ConstantTimeCompare(token, []byte(e.Token)) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return nil, domain.ErrAuthInvalid
	}
	e := s.entries[match]
	return &Grant{Name: e.Name, Role: params.Role, Scopes: grantScopes(params.Scopes, e.Scopes)}, nil
}

// OpenAuth accepts every connect request with the scopes it asks for.
type OpenAuth struct{}

// Authenticate always succeeds.
func (OpenAuth) Authenticate(params domain.ConnectParams) (*Grant, error) {
	return &Grant{Name: "anonymous", Role: params.Role, Scopes: slices.Clone(params.Scopes)}, nil
}

// grantScopes keeps the requested scopes that allowed permits, in request order.
func grantScopes(requested, allowed []string) []string {
	if len(allowed) == 0 {
		return slices.Clone(requested)
	}
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if slices.Contains(allowed, s) {
			out = append(out, s)
		}
	}
	return out
}
