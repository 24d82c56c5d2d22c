package token

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	mgr := NewManager([]byte("test-secret"), time.Minute, "arena-test")
	playerID := uuid.New()

	signed, err := mgr.Issue(playerID, "ada")
	require.NoError(t, err)

	claims, err := mgr.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, playerID, claims.PlayerID)
	assert.Equal(t, "ada", claims.DisplayName)
	assert.Equal(t, "arena-test", claims.Issuer)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	mgr := NewManager([]byte("test-secret"), time.Minute, "arena-test")
	other := NewManager([]byte("other-secret"), time.Minute, "arena-test")

	signed, err := mgr.Issue(uuid.New(), "ada")
	require.NoError(t, err)

	_, err = other.Validate(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpired(t *testing.T) {
	mgr := NewManager([]byte("test-secret"), -time.Minute, "arena-test")

	signed, err := mgr.Issue(uuid.New(), "ada")
	require.NoError(t, err)

	_, err = mgr.Validate(signed)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateRejectsGarbage(t *testing.T) {
	mgr := NewManager([]byte("test-secret"), 0, "arena-test")
	_, err := mgr.Validate("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
