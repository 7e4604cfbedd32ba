package types

import (
	"strings"
	"time"
)

type WalletType string

const (
	WalletTypeLocal        WalletType = "local"
	WalletTypeAWSKMS       WalletType = "aws-kms"
	WalletTypeGCPKMS       WalletType = "gcp-kms"
	WalletTypeSmartAccount WalletType = "smart-account"
)

func (w WalletType) IsValid() bool {
	switch w {
	case WalletTypeLocal, WalletTypeAWSKMS, WalletTypeGCPKMS, WalletTypeSmartAccount:
		return true
	}
	return false
}

// WalletDetails is the backend configuration a signer is built from.
type WalletDetails struct {
	Address            string     `json:"address"`
	Type               WalletType `json:"type"`
	Label              string     `json:"label"`
	EncryptedKey       *string    `json:"-"`
	AWSKMSKeyID        *string    `json:"aws_kms_key_id,omitempty"`
	AWSKMSRegion       *string    `json:"aws_kms_region,omitempty"`
	GCPKMSResourcePath *string    `json:"gcp_kms_resource_path,omitempty"`
	OwnerAddress       *string    `json:"owner_address,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// KeyID identifies the key material behind a wallet, used as signer cache key.
func (w WalletDetails) KeyID() string {
	switch w.Type {
	case WalletTypeAWSKMS:
		if w.AWSKMSKeyID != nil {
			return *w.AWSKMSKeyID
		}
	case WalletTypeGCPKMS:
		if w.GCPKMSResourcePath != nil {
			return *w.GCPKMSResourcePath
		}
	case WalletTypeSmartAccount:
		if w.OwnerAddress != nil {
			return w.Address + ":" + strings.ToLower(*w.OwnerAddress)
		}
	}
	return w.Address
}

// WalletNonceRecord tracks nonce usage of one wallet on one chain.
// LastUsedNonce is -1 until the first allocation.
type WalletNonceRecord struct {
	WalletAddress      string     `json:"wallet_address"`
	ChainID            int64      `json:"chain_id"`
	BlockchainNonce    int64      `json:"blockchain_nonce"`
	LastUsedNonce      int64      `json:"last_used_nonce"`
	LastSyncedAt       time.Time  `json:"last_synced_at"`
	WalletType         WalletType `json:"wallet_type"`
	AWSKMSKeyID        *string    `json:"aws_kms_key_id,omitempty"`
	GCPKMSResourcePath *string    `json:"gcp_kms_resource_path,omitempty"`
}

// NormalizeAddress lower-cases a hex address for storage keys.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
