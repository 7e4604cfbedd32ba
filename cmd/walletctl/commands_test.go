package main

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/txrelay/config"
	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/storage/memory"
)

const testPassphrase = "walletctl-passphrase"

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Encryption.Password = testPassphrase
	return cfg
}

func TestImportKey(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))
	address := crypto.PubkeyToAddress(key.PublicKey)

	testCases := []struct {
		name       string
		passphrase string
		key        string
		expectErr  error
	}{
		{name: "hex key", passphrase: testPassphrase, key: hexKey},
		{name: "0x prefixed key", passphrase: testPassphrase, key: "0x" + hexKey},
		{name: "no passphrase", passphrase: "", key: hexKey, expectErr: types.ErrValidation},
		{name: "garbage key", passphrase: testPassphrase, key: "zz", expectErr: types.ErrValidation},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.New()
			details, err := importKey(ctx, store, newFactory(testConfig(), store), tc.passphrase, tc.key, "hot")
			if tc.expectErr != nil {
				assert.ErrorIs(t, err, tc.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.NormalizeAddress(address.Hex()), details.Address)
			assert.Equal(t, types.WalletTypeLocal, details.Type)

			stored, err := store.GetWalletDetails(ctx, address.Hex())
			require.NoError(t, err)
			require.NotNil(t, stored.EncryptedKey)
			assert.NotContains(t, *stored.EncryptedKey, hexKey)
		})
	}
}

func TestImportKeyTwice(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))
	store := memory.New()
	factory := newFactory(testConfig(), store)

	_, err = importKey(ctx, store, factory, testPassphrase, hexKey, "a")
	require.NoError(t, err)
	_, err = importKey(ctx, store, factory, testPassphrase, hexKey, "b")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRegisterSmartAccount(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	store := memory.New()
	factory := newFactory(testConfig(), store)

	owner, err := importKey(ctx, store, factory, testPassphrase, common.Bytes2Hex(crypto.FromECDSA(key)), "owner")
	require.NoError(t, err)

	account := "0x00000000000000000000000000000000000000Aa"
	details, err := registerWallet(ctx, store, factory, types.WalletDetails{
		Address:      account,
		Type:         types.WalletTypeSmartAccount,
		OwnerAddress: &owner.Address,
	})
	require.NoError(t, err)
	assert.Equal(t, types.NormalizeAddress(account), details.Address)

	unknown := "0x00000000000000000000000000000000000000bb"
	_, err = registerWallet(ctx, store, factory, types.WalletDetails{
		Address:      "0x00000000000000000000000000000000000000cc",
		Type:         types.WalletTypeSmartAccount,
		OwnerAddress: &unknown,
	})
	assert.ErrorIs(t, err, types.ErrWalletNotFound)
}
