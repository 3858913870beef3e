package backend_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/backend/backendtest"
	"github.com/teranos/harvest/errors"
)

func TestRegistry(t *testing.T) {
	reg := backend.NewRegistry()
	fake := backendtest.New()

	require.NoError(t, reg.Register(backendtest.Identifier, fake.Factory()))
	err := reg.Register(backendtest.Identifier, fake.Factory())
	assert.True(t, errors.IsConflictError(err))

	b, err := reg.New(backendtest.Identifier, backend.Deps{})
	require.NoError(t, err)
	assert.Equal(t, backendtest.Identifier, b.Identifier())

	_, err = reg.New("AZURE", backend.Deps{})
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
	assert.Contains(t, errors.FlattenHints(err), backendtest.Identifier)

	assert.Equal(t, []string{backendtest.Identifier}, reg.List())
}

func TestRegistry_RejectsEmpty(t *testing.T) {
	reg := backend.NewRegistry()
	assert.Error(t, reg.Register("", nil))
}
