package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateBases_ExplicitUsageBaseURLWins(t *testing.T) {
	p := Provider{Name: "alpha", BaseURL: "https://chat-api.example.com/v1", UsageBaseURL: "https://usage.example.com/"}
	bases, err := CandidateBases(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://usage.example.com"}, bases)
}

func TestCandidateBases_DerivesDashAPIAlternate(t *testing.T) {
	p := Provider{Name: "alpha", BaseURL: "https://chat-api.example.com/v1"}
	bases, err := CandidateBases(p)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://chat-api.example.com", "https://chat.example.com"}, bases)
}

func TestCandidateBases_NoDashAPIHasOneCandidate(t *testing.T) {
	p := Provider{Name: "alpha", BaseURL: "https://api.openai.com/v1"}
	bases, err := CandidateBases(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://api.openai.com"}, bases)
}

func TestCanonicalizeHost_FoldsSuffixFamily(t *testing.T) {
	canon := map[string][]string{"his.ppchat.vip": {".ppchat.vip", ".pumpkinai.vip"}}
	assert.Equal(t, "his.ppchat.vip", canonicalizeHost("sub.ppchat.vip", canon))
	assert.Equal(t, "his.ppchat.vip", canonicalizeHost("other.pumpkinai.vip", canon))
	assert.Equal(t, "his.ppchat.vip", canonicalizeHost("his.ppchat.vip", canon))
	assert.Equal(t, "unrelated.example.com", canonicalizeHost("unrelated.example.com", canon))
}

func TestSharedCredentialKey_SameForCanonicalFamilyDifferentForDifferentCreds(t *testing.T) {
	canon := map[string][]string{"his.ppchat.vip": {".ppchat.vip"}}
	e := New(nil, nil, nil, canon)

	k1 := e.sharedCredentialKey("https://a.ppchat.vip", "key1", "")
	k2 := e.sharedCredentialKey("https://b.ppchat.vip", "key1", "")
	assert.Equal(t, k1, k2, "same canonical family and same credentials must hash equal")

	k3 := e.sharedCredentialKey("https://b.ppchat.vip", "key2", "")
	assert.NotEqual(t, k1, k3, "different credentials under the same family must hash different")
}

func TestIsSharedCredentialFamily(t *testing.T) {
	canon := map[string][]string{"his.ppchat.vip": {".ppchat.vip"}}
	e := New(nil, nil, nil, canon)

	assert.True(t, e.isSharedCredentialFamily("https://a.ppchat.vip/v1"))
	assert.True(t, e.isSharedCredentialFamily("https://his.ppchat.vip/v1"))
	assert.False(t, e.isSharedCredentialFamily("https://api.openai.com/v1"))
}
