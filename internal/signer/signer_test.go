package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"math/big"
	"strings"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	txcommon "github.com/vultisig/txrelay/common"
	rtypes "github.com/vultisig/txrelay/internal/types"
)

var testChainID = big.NewInt(1337)

func publicKeyDER(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}},
		PublicKey: asn1.BitString{Bytes: crypto.FromECDSAPub(&key.PublicKey), BitLength: 65 * 8},
	})
	require.NoError(t, err)
	return der
}

func derSign(key *ecdsa.PrivateKey, digest []byte, highS bool) ([]byte, error) {
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	s := new(big.Int).SetBytes(sig[32:64])
	if highS {
		s = new(big.Int).Sub(crypto.S256().Params().N, s)
	}
	return txcommon.GetDerSignature(sig[0:32], s.Bytes())
}

type fakeAWSKMS struct {
	kmsiface.KMSAPI
	key      *ecdsa.PrivateKey
	highS    bool
	signErr  error
	pubKeyFn func() []byte
	calls    int
}

func (f *fakeAWSKMS) GetPublicKeyWithContext(_ aws.Context, _ *kms.GetPublicKeyInput, _ ...request.Option) (*kms.GetPublicKeyOutput, error) {
	f.calls++
	return &kms.GetPublicKeyOutput{PublicKey: f.pubKeyFn()}, nil
}

func (f *fakeAWSKMS) SignWithContext(_ aws.Context, in *kms.SignInput, _ ...request.Option) (*kms.SignOutput, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	der, err := derSign(f.key, in.Message, f.highS)
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{Signature: der}, nil
}

type fakeGCPKMS struct {
	key *ecdsa.PrivateKey
	pem string
}

func (f *fakeGCPKMS) GetPublicKey(_ context.Context, _ *kmspb.GetPublicKeyRequest, _ ...gax.CallOption) (*kmspb.PublicKey, error) {
	return &kmspb.PublicKey{Pem: f.pem}, nil
}

func (f *fakeGCPKMS) AsymmetricSign(_ context.Context, req *kmspb.AsymmetricSignRequest, _ ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {
	der, err := derSign(f.key, req.GetDigest().GetSha256(), false)
	if err != nil {
		return nil, err
	}
	return &kmspb.AsymmetricSignResponse{Signature: der}, nil
}

func newAWSFake(t *testing.T, highS bool) (*fakeAWSKMS, *ecdsa.PrivateKey) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	der := publicKeyDER(t, key)
	return &fakeAWSKMS{key: key, highS: highS, pubKeyFn: func() []byte { return der }}, key
}

func dynamicTx(to common.Address) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   testChainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(30_000_000_000),
		Gas:       50_000,
		To:        &to,
		Value:     big.NewInt(42),
		Data:      []byte{0xde, 0xad},
	})
}

func recoverSender(t *testing.T, tx *types.Transaction) common.Address {
	t.Helper()
	from, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	require.NoError(t, err)
	return from
}

func TestLocalSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	encrypted, err := EncryptPrivateKey(key, "passphrase")
	require.NoError(t, err)

	s, err := NewLocalSigner(encrypted, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())
	assert.Equal(t, s.Address(), s.Sender())

	tx := dynamicTx(common.HexToAddress("0x1111111111111111111111111111111111111111"))
	wrapped, err := s.Wrap(tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash(), wrapped.Hash())

	signed, err := s.SignTx(context.Background(), wrapped, testChainID)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), recoverSender(t, signed))
	assert.Equal(t, uint64(7), signed.Nonce())

	_, err = NewLocalSigner(encrypted, "wrong")
	assert.ErrorIs(t, err, rtypes.ErrDecryption)
}

func TestAWSKMSSigner(t *testing.T) {
	testCases := []struct {
		name  string
		highS bool
	}{
		{name: "low s", highS: false},
		{name: "high s is normalised", highS: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fake, key := newAWSFake(t, tc.highS)
			s, err := NewAWSKMSSigner(context.Background(), fake, "alias/relayer")
			require.NoError(t, err)
			assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())

			for i := 0; i < 5; i++ {
				tx := dynamicTx(common.HexToAddress("0x2222222222222222222222222222222222222222"))
				signed, err := s.SignTx(context.Background(), tx, testChainID)
				require.NoError(t, err)
				assert.Equal(t, s.Address(), recoverSender(t, signed))
				_, _, sv := signed.RawSignatureValues()
				assert.True(t, sv.Cmp(secp256k1HalfN) <= 0)
			}
		})
	}
}

func TestAWSKMSSignerUnavailable(t *testing.T) {
	fake, _ := newAWSFake(t, false)
	fake.signErr = errors.New("throttled")
	s, err := NewAWSKMSSigner(context.Background(), fake, "alias/relayer")
	require.NoError(t, err)

	_, err = s.SignTx(context.Background(), dynamicTx(common.Address{}), testChainID)
	assert.ErrorIs(t, err, rtypes.ErrSignerUnavailable)
}

func TestSignatureFromDERWrongKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	digest := crypto.Keccak256([]byte("payload"))
	der, err := derSign(key, digest, false)
	require.NoError(t, err)

	_, err = signatureFromDER(der, digest, crypto.PubkeyToAddress(other.PublicKey))
	assert.Error(t, err)
}

func TestGCPKMSSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyDER(t, key)})
	fake := &fakeGCPKMS{key: key, pem: string(block)}

	path := "projects/p/locations/global/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1"
	s, err := NewGCPKMSSigner(context.Background(), fake, path)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())

	signed, err := s.SignTx(context.Background(), dynamicTx(common.HexToAddress("0x3333333333333333333333333333333333333333")), testChainID)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), recoverSender(t, signed))

	fake.pem = "not pem"
	_, err = NewGCPKMSSigner(context.Background(), fake, path)
	assert.Error(t, err)
}

func TestSmartAccountSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	encrypted, err := EncryptPrivateKey(key, "passphrase")
	require.NoError(t, err)
	owner, err := NewLocalSigner(encrypted, "passphrase")
	require.NoError(t, err)

	account := common.HexToAddress("0x4444444444444444444444444444444444444444")
	s := NewSmartAccountSigner(account, owner)
	assert.Equal(t, account, s.Address())
	assert.Equal(t, owner.Address(), s.Sender())

	target := common.HexToAddress("0x5555555555555555555555555555555555555555")
	tx := dynamicTx(target)
	wrapped, err := s.Wrap(tx)
	require.NoError(t, err)
	require.NotNil(t, wrapped.To())
	assert.Equal(t, account, *wrapped.To())
	assert.Equal(t, tx.Gas()+SmartAccountGasOverhead, wrapped.Gas())
	assert.Equal(t, int64(0), wrapped.Value().Int64())
	assert.Equal(t, tx.Nonce(), wrapped.Nonce())

	args, err := parsedAccountABI.Methods["execute"].Inputs.Unpack(wrapped.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, target, args[0].(common.Address))
	assert.Equal(t, int64(42), args[1].(*big.Int).Int64())
	assert.Equal(t, []byte{0xde, 0xad}, args[2].([]byte))

	signed, err := s.SignTx(context.Background(), wrapped, testChainID)
	require.NoError(t, err)
	assert.Equal(t, owner.Address(), recoverSender(t, signed))

	_, err = s.Wrap(types.NewTx(&types.LegacyTx{Gas: 100000, GasPrice: big.NewInt(1)}))
	assert.ErrorIs(t, err, rtypes.ErrValidation)
}

type walletMap map[string]*rtypes.WalletDetails

func (w walletMap) GetWalletDetails(_ context.Context, address string) (*rtypes.WalletDetails, error) {
	details, ok := w[strings.ToLower(address)]
	if !ok {
		return nil, rtypes.ErrWalletNotFound
	}
	return details, nil
}

func TestFactory(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	encrypted, err := EncryptPrivateKey(key, "passphrase")
	require.NoError(t, err)
	localAddress := rtypes.NormalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex())

	fake, awsKey := newAWSFake(t, false)
	awsAddress := rtypes.NormalizeAddress(crypto.PubkeyToAddress(awsKey.PublicKey).Hex())
	accountAddress := "0x4444444444444444444444444444444444444444"

	wallets := walletMap{
		localAddress: {Address: localAddress, Type: rtypes.WalletTypeLocal, EncryptedKey: &encrypted},
		awsAddress:   {Address: awsAddress, Type: rtypes.WalletTypeAWSKMS, AWSKMSKeyID: aws.String("alias/relayer")},
		accountAddress: {
			Address:      accountAddress,
			Type:         rtypes.WalletTypeSmartAccount,
			OwnerAddress: aws.String(localAddress),
		},
	}
	f := NewFactory(FactoryConfig{Passphrase: "passphrase"}, wallets, nil).WithAWSClient(fake)
	ctx := context.Background()

	local, err := f.ForWallet(ctx, localAddress)
	require.NoError(t, err)
	again, err := f.ForWallet(ctx, strings.ToUpper(localAddress[:2])+localAddress[2:])
	require.NoError(t, err)
	assert.Same(t, local, again)

	kmsSigner, err := f.ForWallet(ctx, awsAddress)
	require.NoError(t, err)
	_, err = f.ForWallet(ctx, awsAddress)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls)
	assert.Equal(t, awsAddress, rtypes.NormalizeAddress(kmsSigner.Address().Hex()))

	account, err := f.ForWallet(ctx, accountAddress)
	require.NoError(t, err)
	assert.Equal(t, local.Address(), account.Sender())

	f.Invalidate(awsAddress)
	_, err = f.ForWallet(ctx, awsAddress)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.calls)

	_, err = f.ForWallet(ctx, "0x9999999999999999999999999999999999999999")
	assert.ErrorIs(t, err, rtypes.ErrWalletNotFound)

	wrongPass := NewFactory(FactoryConfig{Passphrase: "nope"}, wallets, nil)
	_, err = wrongPass.ForWallet(ctx, localAddress)
	assert.ErrorIs(t, err, rtypes.ErrDecryption)
}

func TestFactoryAddressMismatch(t *testing.T) {
	fake, _ := newAWSFake(t, false)
	wallets := walletMap{
		"0x1111111111111111111111111111111111111111": {
			Address:     "0x1111111111111111111111111111111111111111",
			Type:        rtypes.WalletTypeAWSKMS,
			AWSKMSKeyID: aws.String("alias/other"),
		},
	}
	f := NewFactory(FactoryConfig{}, wallets, nil).WithAWSClient(fake)
	_, err := f.ForWallet(context.Background(), "0x1111111111111111111111111111111111111111")
	assert.ErrorIs(t, err, rtypes.ErrValidation)
}
