package signer

import (
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	txcommon "github.com/vultisig/txrelay/common"
)

var secp256k1HalfN = new(big.Int).Rsh(crypto.S256().Params().N, 1)

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// publicKeyFromDER parses the SubjectPublicKeyInfo KMS services return for secp256k1 keys.
// crypto/x509 does not know the curve, so the structure is decoded directly.
func publicKeyFromDER(der []byte) (*ecdsa.PublicKey, error) {
	var info subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return nil, fmt.Errorf("fail to unmarshal public key info: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(info.PublicKey.Bytes)
	if err != nil {
		return nil, fmt.Errorf("fail to unmarshal secp256k1 public key: %w", err)
	}
	return pub, nil
}

// signatureFromDER converts a DER signature over digest into [R || S || V],
// normalising S to the lower half order and finding V by recovery against expected.
func signatureFromDER(der []byte, digest []byte, expected common.Address) ([]byte, error) {
	sig, err := txcommon.ParseDerSignature(der)
	if err != nil {
		return nil, err
	}
	s := sig.S
	if s.Cmp(secp256k1HalfN) > 0 {
		s = new(big.Int).Sub(crypto.S256().Params().N, s)
	}
	out := make([]byte, 65)
	sig.R.FillBytes(out[0:32])
	s.FillBytes(out[32:64])
	for v := byte(0); v < 2; v++ {
		out[64] = v
		pub, err := crypto.SigToPub(digest, out)
		if err != nil {
			continue
		}
		if crypto.PubkeyToAddress(*pub) == expected {
			return out, nil
		}
	}
	return nil, fmt.Errorf("kms signature does not recover to %s", expected.Hex())
}
