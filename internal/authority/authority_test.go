package authority

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromClaims(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		claims map[string]any
		want   []string
	}{
		{
			name:   "scope string and roles array",
			claims: map[string]any{"scope": "api.read openid", "roles": []any{"ADMIN"}},
			want:   []string{"ADMIN", "SCOPE_api.read", "SCOPE_openid"},
		},
		{
			name:   "neither claim",
			claims: map[string]any{"sub": "user"},
			want:   []string{},
		},
		{
			name:   "scope array",
			claims: map[string]any{"scope": []any{"api.read", "profile"}},
			want:   []string{"SCOPE_api.read", "SCOPE_profile"},
		},
		{
			name:   "duplicates collapse",
			claims: map[string]any{"scope": "api.read api.read", "roles": []string{"USER", "USER"}},
			want:   []string{"SCOPE_api.read", "USER"},
		},
		{
			name:   "role string is a single authority",
			claims: map[string]any{"roles": "USER"},
			want:   []string{"USER"},
		},
		{
			name:   "role named like a scope authority stays literal",
			claims: map[string]any{"roles": []any{"SCOPE_api.read"}},
			want:   []string{"SCOPE_api.read"},
		},
		{
			name:   "non-string entries ignored",
			claims: map[string]any{"scope": 42, "roles": []any{1, "USER", nil}},
			want:   []string{"USER"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FromClaims(tt.claims).Sorted())
		})
	}
}

func TestFromClaims_DecodedJSON(t *testing.T) {
	t.Parallel()

	var claims map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"scope":"api.read openid","roles":["ADMIN"]}`), &claims))

	got := FromClaims(claims)
	assert.Equal(t, New("SCOPE_api.read", "SCOPE_openid", "ADMIN"), got)
	assert.True(t, got.Has("SCOPE_api.read"))
	assert.False(t, got.Has("api.read"))
}
