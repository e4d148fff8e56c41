package path

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchLiteralOverDynamic(t *testing.T) {
	r := New[string]()
	require.NoError(t, r.Register("orgs.$orgId.users", "dynamic"))
	require.NoError(t, r.Register("orgs.acme.users", "literal"))

	value, params, ok := r.Match("orgs.acme.users")
	require.True(t, ok)
	assert.Equal(t, "literal", value)
	assert.Empty(t, params)

	value, params, ok = r.Match("orgs.other.users")
	require.True(t, ok)
	assert.Equal(t, "dynamic", value)
	assert.Equal(t, "other", params["orgId"])
}

func TestRegisterSameDynamicNameSharesNode(t *testing.T) {
	r := New[string]()
	require.NoError(t, r.Register("orgs.$orgId.users", "a"))
	require.NoError(t, r.Register("orgs.$orgId.teams", "b"))

	_, _, ok := r.Match("orgs.1.users")
	assert.True(t, ok)
	_, _, ok = r.Match("orgs.1.teams")
	assert.True(t, ok)
}

func TestRegisterConflictingDynamicNames(t *testing.T) {
	r := New[string]()
	require.NoError(t, r.Register("orgs.$orgId.users", "a"))
	err := r.Register("orgs.$id.users", "b")
	require.Error(t, err)
}

func TestRegisterDuplicateShapeConflict(t *testing.T) {
	r := New[string]()
	require.NoError(t, r.Register("orgs.$orgId", "a"))
	err := r.Register("orgs.$orgId", "b")
	require.Error(t, err)
}

func TestMatchNoMatch(t *testing.T) {
	r := New[string]()
	require.NoError(t, r.Register("orgs.$orgId.users", "a"))

	_, _, ok := r.Match("orgs.1.teams")
	assert.False(t, ok)

	_, _, ok = r.Match("orgs")
	assert.False(t, ok)
}

func TestMatchExtraSegmentDoesNotMatch(t *testing.T) {
	r := New[string]()
	require.NoError(t, r.Register("orgs.$orgId", "a"))

	_, _, ok := r.Match("orgs.1.users")
	assert.False(t, ok)
}
