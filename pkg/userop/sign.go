package userop

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignMessage personal-signs data with key. The returned signature uses
// v = 27/28 as wallets do.
func SignMessage(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	signature, err := crypto.Sign(accounts.TextHash(data), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	signature[crypto.RecoveryIDOffset] += 27
	return signature, nil
}

// RecoverSigner returns the address that personal-signed data.
func RecoverSigner(data, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(signature))
	}
	sig := common.CopyBytes(signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(data), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// NormalizeV rewrites a 0/1 recovery id to 27/28.
func NormalizeV(signature []byte) []byte {
	if len(signature) == crypto.SignatureLength && signature[crypto.RecoveryIDOffset] < 27 {
		signature[crypto.RecoveryIDOffset] += 27
	}
	return signature
}
