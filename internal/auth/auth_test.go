package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "bearer", header: "Bearer test-key", want: "test-key"},
		{name: "lowercase scheme", header: "bearer test-key", want: "test-key"},
		{name: "missing", wantErr: ErrMissingToken},
		{name: "basic", header: "Basic abc", wantErr: ErrMalformedHeader},
		{name: "no token", header: "Bearer", wantErr: ErrMalformedHeader},
		{name: "blank token", header: "Bearer   ", wantErr: ErrMissingToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := BearerToken(req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	a := NewAuthenticator("admin", []TokenConfig{
		{Name: "ci", Token: "submitter", Scopes: []string{ScopeExecute}},
		{Token: "reader", Scopes: []string{" executions:ro ", "", "*"}},
		{Name: "blank", Token: ""},
	})
	assert.Equal(t, 3, a.Len())

	p, ok := a.Authenticate("admin")
	require.True(t, ok)
	assert.Equal(t, "admin", p.Name)
	assert.True(t, p.Can("anything"))

	p, ok = a.Authenticate("submitter")
	require.True(t, ok)
	assert.Equal(t, "ci", p.Name)
	assert.True(t, p.Can(ScopeExecute))
	assert.True(t, p.Can(ScopeExecutionsRead), "execute implies executions:ro")

	p, ok = a.Authenticate("reader")
	require.True(t, ok)
	assert.Equal(t, "token:"+Fingerprint("reader"), p.Name)
	assert.True(t, p.Can(ScopeExecutionsRead))
	assert.False(t, p.Can(ScopeExecute), "scope * is reserved for the admin key")
	assert.Len(t, p.Scopes, 1)

	_, ok = a.Authenticate("nope")
	assert.False(t, ok)
	_, ok = a.Authenticate("")
	assert.False(t, ok)

	_, ok = NewAuthenticator("", nil).Authenticate("")
	assert.False(t, ok, "empty keys never match")
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("secret-token")
	assert.Len(t, fp, 12)
	assert.Equal(t, fp, Fingerprint("secret-token"))
	assert.NotEqual(t, fp, Fingerprint("secret-token2"))
	assert.NotContains(t, fp, "secret")
}

func TestCanWithoutRequirement(t *testing.T) {
	assert.True(t, Principal{}.Can())
	assert.False(t, Principal{}.Can(ScopeExecute))
}

func TestPrincipalContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	_, ok := FromContext(req.Context())
	assert.False(t, ok)

	ctx := WithPrincipal(req.Context(), Principal{Name: "ci"})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "ci", p.Name)
}
