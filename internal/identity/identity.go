// Package identity is the authentication boundary. The core never
// authenticates anyone itself, it consults an injected Provider. Three
// implementations cover the deployment modes the server config selects
// between: anonymous-only, a trusted header set by an auth-terminating
// proxy, and a static bearer-token table for local development and tests.
package identity

import (
	"net/http"
	"strings"

	"github.com/pairit/pairit/pkg/types"
)

// Info is what a provider knows about the caller beyond its id.
type Info struct {
	// Anonymous is true when the request carried no identity at all.
	Anonymous bool
	// Via names the mechanism that produced the identity ("header",
	// "static", "none").
	Via string
}

// Provider resolves a request to a user id. An empty userID with no
// error means the caller is anonymous; manager routes reject that, lab
// routes consult the experiment's requireAuth flag.
type Provider interface {
	Authenticate(r *http.Request) (userID string, info Info)
}

// New selects a Provider from the server's identity config.
func New(cfg types.IdentityConfig) Provider {
	switch cfg.Mode {
	case "header":
		name := cfg.HeaderName
		if name == "" {
			name = "X-Pairit-User"
		}
		return &HeaderProvider{Header: name}
	case "static":
		return &StaticProvider{Users: cfg.StaticUsers}
	default:
		return NoneProvider{}
	}
}

// NoneProvider treats every caller as anonymous.
type NoneProvider struct{}

func (NoneProvider) Authenticate(r *http.Request) (string, Info) {
	return "", Info{Anonymous: true, Via: "none"}
}

// HeaderProvider trusts a header populated by an upstream proxy that has
// already authenticated the caller.
type HeaderProvider struct {
	Header string
}

func (p *HeaderProvider) Authenticate(r *http.Request) (string, Info) {
	userID := strings.TrimSpace(r.Header.Get(p.Header))
	if userID == "" {
		return "", Info{Anonymous: true, Via: "header"}
	}
	return userID, Info{Via: "header"}
}

// StaticProvider maps bearer tokens to user ids from configuration.
type StaticProvider struct {
	Users map[string]string // token -> userID
}

func (p *StaticProvider) Authenticate(r *http.Request) (string, Info) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "", Info{Anonymous: true, Via: "static"}
	}
	userID, found := p.Users[strings.TrimSpace(token)]
	if !found {
		return "", Info{Anonymous: true, Via: "static"}
	}
	return userID, Info{Via: "static"}
}
