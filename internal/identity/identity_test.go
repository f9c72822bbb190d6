package identity

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pairit/pairit/pkg/types"
)

func TestNoneProviderIsAlwaysAnonymous(t *testing.T) {
	p := New(types.IdentityConfig{})
	r := httptest.NewRequest("GET", "/", nil)
	userID, info := p.Authenticate(r)
	assert.Empty(t, userID)
	assert.True(t, info.Anonymous)
}

func TestHeaderProviderReadsConfiguredHeader(t *testing.T) {
	p := New(types.IdentityConfig{Mode: "header", HeaderName: "X-Forwarded-User"})

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-User", "researcher-1")
	userID, info := p.Authenticate(r)
	assert.Equal(t, "researcher-1", userID)
	assert.False(t, info.Anonymous)

	r2 := httptest.NewRequest("GET", "/", nil)
	userID, info = p.Authenticate(r2)
	assert.Empty(t, userID)
	assert.True(t, info.Anonymous)
}

func TestHeaderProviderDefaultsHeaderName(t *testing.T) {
	p := New(types.IdentityConfig{Mode: "header"})
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Pairit-User", "u1")
	userID, _ := p.Authenticate(r)
	assert.Equal(t, "u1", userID)
}

func TestStaticProviderMapsBearerTokens(t *testing.T) {
	p := New(types.IdentityConfig{Mode: "static", StaticUsers: map[string]string{"tok-abc": "owner-1"}})

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer tok-abc")
	userID, info := p.Authenticate(r)
	assert.Equal(t, "owner-1", userID)
	assert.False(t, info.Anonymous)

	r2 := httptest.NewRequest("GET", "/", nil)
	r2.Header.Set("Authorization", "Bearer wrong")
	userID, info = p.Authenticate(r2)
	assert.Empty(t, userID)
	assert.True(t, info.Anonymous)

	r3 := httptest.NewRequest("GET", "/", nil)
	userID, _ = p.Authenticate(r3)
	assert.Empty(t, userID)
}
