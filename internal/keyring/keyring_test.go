package keyring

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	zkeyring "github.com/zalando/go-keyring"

	"github.com/gdg-abesec/abeslink/internal/login"
)

func TestSystemKeyring_SetAndGet(t *testing.T) {
	zkeyring.MockInit()

	store := NewSystemKeyring("")
	require.NoError(t, store.Set("2100320120045", "super-secret"))

	creds, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, "2100320120045", creds.Username)
	assert.Equal(t, "super-secret", creds.Password)
	assert.True(t, store.Has())
}

func TestSystemKeyring_SetOverwrites(t *testing.T) {
	zkeyring.MockInit()

	store := NewSystemKeyring(ServiceName)
	require.NoError(t, store.Set("2100320120045", "first-pass"))
	require.NoError(t, store.Set("2100320120046", "second-pass"))

	creds, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, login.Credentials{Username: "2100320120046", Password: "second-pass"}, creds)
}

func TestSystemKeyring_Get_NotFound(t *testing.T) {
	zkeyring.MockInit()

	store := NewSystemKeyring("")
	_, err := store.Get()

	require.Error(t, err)
	assert.ErrorIs(t, err, login.ErrNoCredentials)
	assert.False(t, store.Has())
}

func TestSystemKeyring_Get_Corrupt(t *testing.T) {
	zkeyring.MockInit()

	require.NoError(t, zkeyring.Set(ServiceName, AccountName, "not json"))

	_, err := NewSystemKeyring("").Get()
	assert.ErrorIs(t, err, ErrCorruptSecret)
}

func TestSystemKeyring_Clear(t *testing.T) {
	zkeyring.MockInit()

	store := NewSystemKeyring("")
	require.NoError(t, store.Set("2100320120045", "to-be-deleted"))

	require.NoError(t, store.Clear())
	_, err := store.Get()
	assert.ErrorIs(t, err, login.ErrNoCredentials)

	// Clearing again is not an error.
	assert.NoError(t, store.Clear())
}

func TestSystemKeyring_SeparateServices(t *testing.T) {
	zkeyring.MockInit()

	a := NewSystemKeyring("abeslink-a")
	b := NewSystemKeyring("abeslink-b")
	require.NoError(t, a.Set("2100320120045", "password-a"))

	assert.True(t, a.Has())
	assert.False(t, b.Has())
}

func TestSystemKeyring_BackendError(t *testing.T) {
	zkeyring.MockInitWithError(errors.New("secret service unavailable"))

	store := NewSystemKeyring("")
	assert.Error(t, store.Set("2100320120045", "pw"))

	_, err := store.Get()
	require.Error(t, err)
	assert.NotErrorIs(t, err, login.ErrNoCredentials)
	assert.Error(t, store.Clear())
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get()
	assert.ErrorIs(t, err, login.ErrNoCredentials)
	assert.False(t, store.Has())

	require.NoError(t, store.Set("2100320120045", "pw1234"))
	assert.True(t, store.Has())
	creds, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, "pw1234", creds.Password)

	require.NoError(t, store.Clear())
	assert.False(t, store.Has())
}
