package common

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	src := "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	encrypted, err := Encrypt("password", src)
	require.NoError(t, err)
	assert.NotEqual(t, src, encrypted)

	decrypted, err := Decrypt("password", encrypted)
	require.NoError(t, err)
	assert.Equal(t, src, decrypted)

	_, err = Decrypt("wrong-password", encrypted)
	assert.Error(t, err)
}

func TestEncryptEmptyPassword(t *testing.T) {
	_, err := Encrypt("", "secret")
	assert.Error(t, err)
}

func TestDecryptMalformed(t *testing.T) {
	testCases := []struct {
		name string
		src  string
	}{
		{name: "not base64", src: "%%%"},
		{name: "too short", src: "AAAA"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decrypt("password", tc.src)
			assert.Error(t, err)
		})
	}
}

func TestDerSignatureRoundTrip(t *testing.T) {
	r := big.NewInt(12345).Bytes()
	s := big.NewInt(67890).Bytes()
	der, err := GetDerSignature(r, s)
	require.NoError(t, err)

	sig, err := ParseDerSignature(der)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), sig.R.Int64())
	assert.Equal(t, int64(67890), sig.S.Int64())

	_, err = ParseDerSignature(append(der, 0x00))
	assert.Error(t, err)
}
