package cryptox

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	password := []byte("secret-password")
	salt := []byte("fixed-salt")

	key1 := DeriveKey(password, salt)
	key2 := DeriveKey(password, salt)

	if !bytes.Equal(key1, key2) {
		t.Errorf("expected same result for same inputs, got different")
	}

	expectedHex := "9290403300158e19f27e48e7087f7383b03065bf5b25ef23ebc40229616cd8b3"
	if hex.EncodeToString(key1) != expectedHex {
		t.Errorf("expected %s, got %s", expectedHex, hex.EncodeToString(key1))
	}
}

func TestDeriveKey_DifferentSalts(t *testing.T) {
	password := []byte("secret-password")

	if bytes.Equal(DeriveKey(password, []byte("salt-1")), DeriveKey(password, []byte("salt-2"))) {
		t.Errorf("expected different results for different salts, got same")
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	plain := []byte(`{"schema_version": 1}`)

	sealed, err := Seal(plain, []byte("pass"))
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, string(sealed), "schema_version")

	again, err := Seal(plain, []byte("pass"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "fresh salt and nonce per seal")

	got, err := Open(sealed, []byte("pass"))
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestOpen_Errors(t *testing.T) {
	sealed, err := Seal([]byte("data"), []byte("pass"))
	require.NoError(t, err)

	_, err = Open(sealed, []byte("wrong"))
	assert.ErrorIs(t, err, ErrBadPassphrase)

	_, err = Open([]byte("{}"), []byte("pass"))
	assert.ErrorIs(t, err, ErrNotSealed)

	_, err = Open(sealed[:len(sealedMagic)+4], []byte("pass"))
	assert.ErrorIs(t, err, ErrBadPassphrase)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = Open(tampered, []byte("pass"))
	assert.ErrorIs(t, err, ErrBadPassphrase)
}

func TestSeal_EmptyPassphrase(t *testing.T) {
	_, err := Seal([]byte("data"), nil)
	assert.Error(t, err)
}
