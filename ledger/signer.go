package ledger

import (
	"context"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"pharmatrace/crypto"
)

// Signer authorises transactions on behalf of a wallet. Implementations that
// prompt a human keyholder return ErrSignatureDeclined when the prompt is
// dismissed; that outcome is terminal for the whole operation.
type Signer interface {
	Address() crypto.Address
	SignTransaction(ctx context.Context, tx *Transaction) error
}

// KeySigner signs with an in-process private key. Used for the service's
// funding account and throughout the tests.
type KeySigner struct {
	key *crypto.PrivateKey
}

// NewKeySigner wraps the provided key.
func NewKeySigner(key *crypto.PrivateKey) (*KeySigner, error) {
	if key == nil {
		return nil, fmt.Errorf("ledger: signer key required")
	}
	return &KeySigner{key: key}, nil
}

// Address returns the wallet address backing the signer.
func (s *KeySigner) Address() crypto.Address {
	return s.key.PubKey().Address()
}

// SignTransaction populates the transaction signature in place.
func (s *KeySigner) SignTransaction(_ context.Context, tx *Transaction) error {
	if tx == nil {
		return fmt.Errorf("ledger: nil transaction")
	}
	tx.Sender = s.Address()
	digest := tx.SigningHash()
	sig, err := ethcrypto.Sign(digest[:], s.key.PrivateKey)
	if err != nil {
		return fmt.Errorf("ledger: sign transaction: %w", err)
	}
	tx.Signature = sig
	return nil
}
