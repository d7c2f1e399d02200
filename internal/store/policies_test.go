package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

func TestPrincipalPolicyLifecycle(t *testing.T) {
	s, _, _ := createStore(t)

	_, ok := s.PrincipalPolicy("ci-deploy")
	assert.False(t, ok)

	require.NoError(t, s.SetPrincipalPolicy("ci-deploy", document.PrincipalPolicy{
		Projects: []string{"billing"},
		Actions:  []string{"read"},
	}))
	require.NoError(t, s.SetPrincipalPolicy("ops", document.PrincipalPolicy{
		Projects: []string{"*"},
		Actions:  []string{"read", "rotate", "admin"},
	}))

	assert.Equal(t, []string{"ci-deploy", "ops"}, s.ListPrincipals())

	p, ok := s.PrincipalPolicy("ci-deploy")
	require.True(t, ok)
	assert.True(t, p.AllowsProject("billing"))
	assert.False(t, p.AllowsProject("auth"))

	require.NoError(t, s.DeletePrincipalPolicy("ci-deploy"))
	_, ok = s.PrincipalPolicy("ci-deploy")
	assert.False(t, ok)

	err := s.DeletePrincipalPolicy("ci-deploy")
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestSetPrincipalPolicyValidation(t *testing.T) {
	s, _, _ := createStore(t)

	err := s.SetPrincipalPolicy("", document.PrincipalPolicy{
		Projects: []string{"*"}, Actions: []string{"read"},
	})
	assert.ErrorIs(t, err, vaulterr.ErrMalformed)

	err = s.SetPrincipalPolicy("x", document.PrincipalPolicy{Actions: []string{"read"}})
	assert.ErrorIs(t, err, vaulterr.ErrMalformed)

	err = s.SetPrincipalPolicy("x", document.PrincipalPolicy{Projects: []string{"*"}})
	assert.ErrorIs(t, err, vaulterr.ErrMalformed)
}

func TestPrincipalPolicyReturnsCopy(t *testing.T) {
	s, _, _ := createStore(t)
	require.NoError(t, s.SetPrincipalPolicy("ci-deploy", document.PrincipalPolicy{
		Projects: []string{"billing"},
		Actions:  []string{"read"},
	}))

	p, ok := s.PrincipalPolicy("ci-deploy")
	require.True(t, ok)
	p.Projects[0] = "mutated"

	again, ok := s.PrincipalPolicy("ci-deploy")
	require.True(t, ok)
	assert.Equal(t, "billing", again.Projects[0])
}
