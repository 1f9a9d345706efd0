package account

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	acc "github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/milligon/localchain/crypto"
	"github.com/milligon/localchain/types"
)

type (
	Keys struct {
		Mnemonic  string
		MasterKey *hdkeychain.ExtendedKey
		Key       *Key
	}

	Key struct {
		AccountID      types.AccountID `json:"accountId"` // compressed secp256k1 key 33 bytes
		PrivKey        []byte          `json:"privKey"`
		DerivationPath string          `json:"derivationPath"`
	}
)

const mnemonicEntropyBitSize = 128

// NewKeys generates wallet keys from the given mnemonic seed, or generates
// a mnemonic first if an empty string is provided.
func NewKeys(mnemonic string) (*Keys, error) {
	if mnemonic == "" {
		var err error
		mnemonic, err = generateMnemonic()
		if err != nil {
			return nil, err
		}
	}

	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, err
	}

	// only HDPrivateKeyID is used from chaincfg.MainNetParams,
	// it is used as version flag in extended key, which in turn is used to identify the extended key's type.
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	key, err := NewKey(masterKey, NewDerivationPath(0))
	if err != nil {
		return nil, err
	}
	return &Keys{
		Mnemonic:  mnemonic,
		MasterKey: masterKey,
		Key:       key,
	}, nil
}

// NewKey derives an account key from the master key at the given path.
func NewKey(masterKey *hdkeychain.ExtendedKey, derivationPath string) (*Key, error) {
	path, err := acc.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, err
	}

	privateKey, err := derivePrivateKey(path, masterKey)
	if err != nil {
		return nil, err
	}
	privateKeyBytes := ethcrypto.FromECDSA(privateKey)

	signer, err := crypto.NewInMemorySecp256k1SignerFromKey(privateKeyBytes)
	if err != nil {
		return nil, err
	}
	return &Key{
		AccountID:      signer.PublicKey(),
		PrivKey:        privateKeyBytes,
		DerivationPath: derivationPath,
	}, nil
}

// NewDerivationPath returns the derivation path for the given address
// index. Index 0 is the wallet's default account; higher indexes are used
// for single purpose jump accounts.
func NewDerivationPath(addressIndex uint64) string {
	// m / purpose' / coin_type' / account' / change / address_index
	return fmt.Sprintf("m/44'/2500'/0'/0/%d", addressIndex)
}

// Signer returns a transaction signer backed by this key.
func (k *Key) Signer() (crypto.Signer, error) {
	return crypto.NewInMemorySecp256k1SignerFromKey(k.PrivKey)
}

func generateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBitSize)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// derivePrivateKey derives the private key of the derivation path.
func derivePrivateKey(path acc.DerivationPath, masterKey *hdkeychain.ExtendedKey) (*ecdsa.PrivateKey, error) {
	var err error
	var derivedKey = masterKey
	for _, n := range path {
		derivedKey, err = derivedKey.Derive(n)
		if err != nil {
			return nil, err
		}
	}

	privateKey, err := derivedKey.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return privateKey.ToECDSA(), nil
}
