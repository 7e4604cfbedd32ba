package signer

import (
	"context"
	"encoding/pem"
	"fmt"
	"math/big"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	rtypes "github.com/vultisig/txrelay/internal/types"
)

// GCPKMSClient is the part of the Cloud KMS client the signer uses.
type GCPKMSClient interface {
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error)
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
}

type GCPKMSSigner struct {
	passthrough
	client       GCPKMSClient
	resourcePath string
	address      common.Address
}

var _ Signer = &GCPKMSSigner{}

// NewGCPKMSClient opens a Cloud KMS client, using credentialsFile when given.
func NewGCPKMSClient(ctx context.Context, credentialsFile string) (*kms.KeyManagementClient, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := kms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: fail to create gcp kms client: %v", rtypes.ErrSignerUnavailable, err)
	}
	return client, nil
}

// NewGCPKMSSigner derives the wallet address of a CryptoKeyVersion resource path
// (projects/*/locations/*/keyRings/*/cryptoKeys/*/cryptoKeyVersions/*).
func NewGCPKMSSigner(ctx context.Context, client GCPKMSClient, resourcePath string) (*GCPKMSSigner, error) {
	resp, err := client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: resourcePath})
	if err != nil {
		return nil, fmt.Errorf("%w: gcp kms get public key %s: %v", rtypes.ErrSignerUnavailable, resourcePath, err)
	}
	block, _ := pem.Decode([]byte(resp.GetPem()))
	if block == nil {
		return nil, fmt.Errorf("gcp kms key %s: public key is not pem encoded", resourcePath)
	}
	pub, err := publicKeyFromDER(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("gcp kms key %s: %w", resourcePath, err)
	}
	return &GCPKMSSigner{
		client:       client,
		resourcePath: resourcePath,
		address:      crypto.PubkeyToAddress(*pub),
	}, nil
}

func (s *GCPKMSSigner) Address() common.Address {
	return s.address
}

func (s *GCPKMSSigner) Sender() common.Address {
	return s.address
}

func (s *GCPKMSSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return signWithDigest(ctx, s, tx, chainID)
}

func (s *GCPKMSSigner) signDigest(ctx context.Context, digest []byte) ([]byte, error) {
	resp, err := s.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name: s.resourcePath,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{Sha256: digest},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: gcp kms sign with %s: %v", rtypes.ErrSignerUnavailable, s.resourcePath, err)
	}
	return signatureFromDER(resp.GetSignature(), digest, s.address)
}
