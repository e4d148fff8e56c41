package rbf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresNamespace(t *testing.T) {
	_, err := New(Config{}, newFakeStore(), &fakeBus{})
	require.Error(t, err)
}

func TestNewAppliesConfigDefaults(t *testing.T) {
	srv, err := New(Config{Namespace: "ns"}, newFakeStore(), &fakeBus{})
	require.NoError(t, err)
	assert.Equal(t, 3, srv.Config().DefaultRetries)
	assert.NotEmpty(t, srv.Config().InboxAddress)
}

func TestRegisterRejectsConflictingPaths(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeBus{})
	noop := func(hc *HandlerContext) (any, error) { return nil, nil }

	require.NoError(t, srv.RegisterQuery("orgs.$orgId.users", noop))
	err := srv.RegisterQuery("orgs.$id.users", noop)
	assert.Error(t, err)
}

func TestStartRejectsReentry(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeBus{})
	require.NoError(t, srv.Start(t.Context()))
	defer srv.Stop()

	err := srv.Start(t.Context())
	assert.Error(t, err)
}
