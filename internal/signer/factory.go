package signer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/internal/types"
)

// WalletSource looks up wallet backend configuration.
type WalletSource interface {
	GetWalletDetails(ctx context.Context, address string) (*types.WalletDetails, error)
}

type FactoryConfig struct {
	Passphrase         string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	GCPCredentialsFile string
}

type cacheKey struct {
	walletType types.WalletType
	keyID      string
}

// Factory builds signers from wallet details and caches them by backend and key id.
// It is created once per process and shared by every component that signs.
type Factory struct {
	cfg     FactoryConfig
	wallets WalletSource
	logger  *logrus.Logger

	mu    sync.Mutex
	cache map[cacheKey]Signer

	awsClients map[string]kmsiface.KMSAPI
	gcpClient  GCPKMSClient

	newAWSClient func(region string) (kmsiface.KMSAPI, error)
	newGCPClient func(ctx context.Context) (GCPKMSClient, error)
}

func NewFactory(cfg FactoryConfig, wallets WalletSource, logger *logrus.Logger) *Factory {
	f := &Factory{
		cfg:        cfg,
		wallets:    wallets,
		logger:     logger,
		cache:      make(map[cacheKey]Signer),
		awsClients: make(map[string]kmsiface.KMSAPI),
	}
	f.newAWSClient = func(region string) (kmsiface.KMSAPI, error) {
		return NewAWSKMSClient(region, cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey)
	}
	f.newGCPClient = func(ctx context.Context) (GCPKMSClient, error) {
		return NewGCPKMSClient(ctx, cfg.GCPCredentialsFile)
	}
	return f
}

// WithAWSClient makes every AWS KMS signer use client.
func (f *Factory) WithAWSClient(client kmsiface.KMSAPI) *Factory {
	f.newAWSClient = func(string) (kmsiface.KMSAPI, error) { return client, nil }
	return f
}

// WithGCPClient makes every GCP KMS signer use client.
func (f *Factory) WithGCPClient(client GCPKMSClient) *Factory {
	f.gcpClient = client
	return f
}

// ForWallet returns the signer of a registered wallet.
func (f *Factory) ForWallet(ctx context.Context, address string) (Signer, error) {
	details, err := f.wallets.GetWalletDetails(ctx, types.NormalizeAddress(address))
	if err != nil {
		return nil, err
	}
	return f.FromDetails(ctx, *details)
}

// FromDetails builds, or returns the cached, signer of details.
func (f *Factory) FromDetails(ctx context.Context, details types.WalletDetails) (Signer, error) {
	key := cacheKey{walletType: details.Type, keyID: details.KeyID()}
	f.mu.Lock()
	cached, ok := f.cache[key]
	f.mu.Unlock()
	if ok {
		return cached, nil
	}

	s, err := f.build(ctx, details)
	if err != nil {
		return nil, err
	}
	if details.Address != "" && !strings.EqualFold(s.Address().Hex(), details.Address) {
		return nil, fmt.Errorf("%w: signer address %s does not match wallet %s", types.ErrValidation, s.Address().Hex(), details.Address)
	}

	f.mu.Lock()
	f.cache[key] = s
	f.mu.Unlock()
	return s, nil
}

func (f *Factory) build(ctx context.Context, details types.WalletDetails) (Signer, error) {
	switch details.Type {
	case types.WalletTypeLocal:
		if details.EncryptedKey == nil {
			return nil, fmt.Errorf("%w: local wallet %s has no key", types.ErrValidation, details.Address)
		}
		return NewLocalSigner(*details.EncryptedKey, f.cfg.Passphrase)
	case types.WalletTypeAWSKMS:
		if details.AWSKMSKeyID == nil {
			return nil, fmt.Errorf("%w: aws kms wallet %s has no key id", types.ErrValidation, details.Address)
		}
		region := f.cfg.AWSRegion
		if details.AWSKMSRegion != nil && *details.AWSKMSRegion != "" {
			region = *details.AWSKMSRegion
		}
		client, err := f.awsClient(region)
		if err != nil {
			return nil, err
		}
		return NewAWSKMSSigner(ctx, client, *details.AWSKMSKeyID)
	case types.WalletTypeGCPKMS:
		if details.GCPKMSResourcePath == nil {
			return nil, fmt.Errorf("%w: gcp kms wallet %s has no resource path", types.ErrValidation, details.Address)
		}
		client, err := f.gcpKMSClient(ctx)
		if err != nil {
			return nil, err
		}
		return NewGCPKMSSigner(ctx, client, *details.GCPKMSResourcePath)
	case types.WalletTypeSmartAccount:
		if details.OwnerAddress == nil {
			return nil, fmt.Errorf("%w: smart account %s has no owner", types.ErrValidation, details.Address)
		}
		if strings.EqualFold(*details.OwnerAddress, details.Address) {
			return nil, fmt.Errorf("%w: smart account %s cannot own itself", types.ErrValidation, details.Address)
		}
		owner, err := f.ForWallet(ctx, *details.OwnerAddress)
		if err != nil {
			return nil, fmt.Errorf("smart account owner: %w", err)
		}
		if _, nested := owner.(*SmartAccountSigner); nested {
			return nil, fmt.Errorf("%w: smart account owner must be an externally owned account", types.ErrValidation)
		}
		return NewSmartAccountSigner(common.HexToAddress(details.Address), owner), nil
	default:
		return nil, fmt.Errorf("%w: unknown wallet type %q", types.ErrValidation, details.Type)
	}
}

func (f *Factory) awsClient(region string) (kmsiface.KMSAPI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok := f.awsClients[region]; ok {
		return client, nil
	}
	client, err := f.newAWSClient(region)
	if err != nil {
		return nil, err
	}
	f.awsClients[region] = client
	return client, nil
}

func (f *Factory) gcpKMSClient(ctx context.Context) (GCPKMSClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gcpClient != nil {
		return f.gcpClient, nil
	}
	client, err := f.newGCPClient(ctx)
	if err != nil {
		return nil, err
	}
	f.gcpClient = client
	return client, nil
}

// Invalidate drops cached signers of address, e.g. after its credentials were rotated.
// Smart accounts owned by address are dropped too.
func (f *Factory) Invalidate(address string) {
	target := common.HexToAddress(address)
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, s := range f.cache {
		if s.Address() == target || s.Sender() == target {
			delete(f.cache, key)
		}
	}
	if f.logger != nil {
		f.logger.WithField("wallet", address).Info("Signer cache invalidated")
	}
}
