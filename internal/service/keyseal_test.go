package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySealer_RoundTrip(t *testing.T) {
	k, err := NewKeySealer("0123456789abcdef")
	require.NoError(t, err)

	sealed, err := k.Seal("acc-1", "plk_secret")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "plk_secret")

	key, err := k.Open("acc-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, "plk_secret", key)

	again, err := k.Seal("acc-1", "plk_secret")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ")
}

func TestKeySealer_Rejects(t *testing.T) {
	k, err := NewKeySealer("0123456789abcdef")
	require.NoError(t, err)
	sealed, err := k.Seal("acc-1", "plk_secret")
	require.NoError(t, err)

	_, err = k.Open("acc-2", sealed)
	assert.ErrorIs(t, err, errSealedKeyCorrupt, "bound to the owning account")

	other, err := NewKeySealer("fedcba9876543210")
	require.NoError(t, err)
	_, err = other.Open("acc-1", sealed)
	assert.ErrorIs(t, err, errSealedKeyCorrupt)

	_, err = k.Open("acc-1", sealed[:4])
	assert.ErrorIs(t, err, errSealedKeyCorrupt)

	_, err = NewKeySealer("")
	assert.Error(t, err)
}
