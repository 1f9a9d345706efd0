package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/milligon/localchain/types"
)

// SignatureSize is the length of a recoverable secp256k1 signature.
const SignatureSize = 65

var ErrSignatureVerify = errors.New("signature verification failed")

type (
	// Signer signs pre-hashed data with one account's private key.
	Signer interface {
		// SignHash signs the 32-byte hash, returning a recoverable
		// secp256k1 signature.
		SignHash(hash []byte) ([]byte, error)
		// PublicKey returns the compressed public key, which is also the
		// signer's account id.
		PublicKey() types.AccountID
	}

	// InMemorySecp256k1Signer holds the private key in process memory.
	InMemorySecp256k1Signer struct {
		key *ecdsa.PrivateKey
	}
)

// NewInMemorySecp256k1Signer generates a new random key.
func NewInMemorySecp256k1Signer() (*InMemorySecp256k1Signer, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &InMemorySecp256k1Signer{key: key}, nil
}

// NewInMemorySecp256k1SignerFromKey creates a signer from raw private key
// bytes.
func NewInMemorySecp256k1SignerFromKey(privKey []byte) (*InMemorySecp256k1Signer, error) {
	key, err := ethcrypto.ToECDSA(privKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &InMemorySecp256k1Signer{key: key}, nil
}

func (s *InMemorySecp256k1Signer) SignHash(hash []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("signer is not initialized")
	}
	return ethcrypto.Sign(hash, s.key)
}

func (s *InMemorySecp256k1Signer) PublicKey() types.AccountID {
	return ethcrypto.CompressPubkey(&s.key.PublicKey)
}

// MarshalPrivateKey returns the raw private key bytes.
func (s *InMemorySecp256k1Signer) MarshalPrivateKey() []byte {
	return ethcrypto.FromECDSA(s.key)
}

// VerifyHash checks that sig is the account's signature over the 32-byte
// hash. The public key is recovered from the signature and compared to the
// account id, so no key registry is needed.
func VerifyHash(accountID types.AccountID, hash, sig []byte) error {
	if len(sig) != SignatureSize {
		return fmt.Errorf("%w: invalid signature length %d", ErrSignatureVerify, len(sig))
	}
	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureVerify, err)
	}
	if !accountID.Eq(ethcrypto.CompressPubkey(pub)) {
		return fmt.Errorf("%w: signer does not match account %s", ErrSignatureVerify, accountID)
	}
	return nil
}
