package common

import (
	"encoding/asn1"
	"fmt"
	"math/big"
)

type ECDSASignature struct {
	R, S *big.Int
}

func GetDerSignature(r, s []byte) ([]byte, error) {
	rInt := new(big.Int).SetBytes(r)
	sInt := new(big.Int).SetBytes(s)
	sig := ECDSASignature{R: rInt, S: sInt}
	der, err := asn1.Marshal(sig)
	if err != nil {
		return nil, err
	}
	return der, nil
}

// ParseDerSignature decodes an ASN.1 DER ECDSA signature as returned by cloud KMS.
func ParseDerSignature(der []byte) (*ECDSASignature, error) {
	var sig ECDSASignature
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, fmt.Errorf("fail to unmarshal der signature: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing bytes after der signature")
	}
	if sig.R == nil || sig.S == nil || sig.R.Sign() <= 0 || sig.S.Sign() <= 0 {
		return nil, fmt.Errorf("invalid der signature values")
	}
	return &sig, nil
}
