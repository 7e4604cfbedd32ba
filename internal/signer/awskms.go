package signer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	rtypes "github.com/vultisig/txrelay/internal/types"
)

type AWSKMSSigner struct {
	passthrough
	client  kmsiface.KMSAPI
	keyID   string
	address common.Address
}

var _ Signer = &AWSKMSSigner{}

// NewAWSKMSClient opens a KMS client; empty credentials fall back to the default provider chain.
func NewAWSKMSClient(region, accessKeyID, secretAccessKey string) (kmsiface.KMSAPI, error) {
	cfg := &aws.Config{Region: aws.String(region)}
	if accessKeyID != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKeyID, secretAccessKey, "")
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: fail to create aws session: %v", rtypes.ErrSignerUnavailable, err)
	}
	return kms.New(sess), nil
}

// NewAWSKMSSigner derives the wallet address from the KMS public key of keyID.
func NewAWSKMSSigner(ctx context.Context, client kmsiface.KMSAPI, keyID string) (*AWSKMSSigner, error) {
	out, err := client.GetPublicKeyWithContext(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: aws kms get public key %s: %v", rtypes.ErrSignerUnavailable, keyID, err)
	}
	pub, err := publicKeyFromDER(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("aws kms key %s: %w", keyID, err)
	}
	return &AWSKMSSigner{
		client:  client,
		keyID:   keyID,
		address: crypto.PubkeyToAddress(*pub),
	}, nil
}

func (s *AWSKMSSigner) Address() common.Address {
	return s.address
}

func (s *AWSKMSSigner) Sender() common.Address {
	return s.address
}

func (s *AWSKMSSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return signWithDigest(ctx, s, tx, chainID)
}

func (s *AWSKMSSigner) signDigest(ctx context.Context, digest []byte) ([]byte, error) {
	out, err := s.client.SignWithContext(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest,
		MessageType:      aws.String(kms.MessageTypeDigest),
		SigningAlgorithm: aws.String(kms.SigningAlgorithmSpecEcdsaSha256),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: aws kms sign with %s: %v", rtypes.ErrSignerUnavailable, s.keyID, err)
	}
	return signatureFromDER(out.Signature, digest, s.address)
}
