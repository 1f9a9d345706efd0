package account

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
	bolt "go.etcd.io/bbolt"

	"github.com/milligon/localchain/crypto"
	"github.com/milligon/localchain/types"
)

const keysFileName = "keys.db"

var (
	bucketKeys = []byte("keys")
	bucketMeta = []byte("meta")

	keyMnemonic    = []byte("mnemonic")
	keyMaxKeyIndex = []byte("maxKeyIndex")

	ErrKeyNotFound = errors.New("account key not found")
)

// Manager owns the wallet's HD key material. The default key lives at
// address index 0; jump accounts get the next free index so they can be
// re-derived from the mnemonic alone.
type Manager struct {
	mu        sync.Mutex
	db        *bolt.DB
	masterKey *hdkeychain.ExtendedKey
	mnemonic  string
	keys      map[string]*Key // account id hex -> key
}

// NewManager opens (or creates) the key store under dir. When the store is
// empty a wallet is created from mnemonic; pass an empty mnemonic to
// generate one.
func NewManager(dir, mnemonic string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, keysFileName), 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}
	m := &Manager{db: db, keys: map[string]*Key{}}
	if err := m.load(mnemonic); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) load(mnemonic string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		keysBucket, err := tx.CreateBucketIfNotExists(bucketKeys)
		if err != nil {
			return err
		}
		if stored := meta.Get(keyMnemonic); stored != nil {
			if mnemonic != "" && mnemonic != string(stored) {
				return errors.New("key store already initialized with a different mnemonic")
			}
			mnemonic = string(stored)
			if err := m.initMaster(mnemonic); err != nil {
				return err
			}
			return keysBucket.ForEach(func(_, v []byte) error {
				var key *Key
				if err := json.Unmarshal(v, &key); err != nil {
					return fmt.Errorf("failed to deserialize account key: %w", err)
				}
				m.keys[key.AccountID.String()] = key
				return nil
			})
		}
		// empty store, create the wallet
		keys, err := NewKeys(mnemonic)
		if err != nil {
			return err
		}
		m.mnemonic = keys.Mnemonic
		m.masterKey = keys.MasterKey
		m.keys[keys.Key.AccountID.String()] = keys.Key
		if err := meta.Put(keyMnemonic, []byte(keys.Mnemonic)); err != nil {
			return err
		}
		if err := meta.Put(keyMaxKeyIndex, binary.BigEndian.AppendUint64(nil, 0)); err != nil {
			return err
		}
		return putKey(keysBucket, keys.Key)
	})
}

func (m *Manager) initMaster(mnemonic string) error {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return err
	}
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return err
	}
	m.mnemonic = mnemonic
	m.masterKey = masterKey
	return nil
}

func (m *Manager) Close() error {
	return m.db.Close()
}

// Mnemonic returns the wallet's recovery phrase.
func (m *Manager) Mnemonic() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mnemonic
}

// DefaultKey returns the key at address index 0.
func (m *Manager) DefaultKey() *Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.keys {
		if key.DerivationPath == NewDerivationPath(0) {
			return key
		}
	}
	return nil
}

// GetKey returns the key for the given account id.
func (m *Manager) GetKey(accountID types.AccountID) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[accountID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, accountID)
	}
	return key, nil
}

// Keys returns all derived keys.
func (m *Manager) Keys() []*Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]*Key, 0, len(m.keys))
	for _, key := range m.keys {
		keys = append(keys, key)
	}
	return keys
}

// DeriveJumpKey derives a key at the next free address index and persists
// its path. Jump accounts isolate in flight funds from the default
// account.
func (m *Manager) DeriveJumpKey() (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var key *Key
	err := m.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		maxIndex := binary.BigEndian.Uint64(meta.Get(keyMaxKeyIndex))
		nextIndex := maxIndex + 1
		var err error
		key, err = NewKey(m.masterKey, NewDerivationPath(nextIndex))
		if err != nil {
			return err
		}
		if err := meta.Put(keyMaxKeyIndex, binary.BigEndian.AppendUint64(nil, nextIndex)); err != nil {
			return err
		}
		return putKey(tx.Bucket(bucketKeys), key)
	})
	if err != nil {
		return nil, err
	}
	m.keys[key.AccountID.String()] = key
	return key, nil
}

// SignHash signs the 32-byte hash with the account's key.
func (m *Manager) SignHash(accountID types.AccountID, hash []byte) ([]byte, error) {
	key, err := m.GetKey(accountID)
	if err != nil {
		return nil, err
	}
	signer, err := key.Signer()
	if err != nil {
		return nil, err
	}
	return signer.SignHash(hash)
}

// Signer returns a signer for the account's key.
func (m *Manager) Signer(accountID types.AccountID) (crypto.Signer, error) {
	key, err := m.GetKey(accountID)
	if err != nil {
		return nil, err
	}
	return key.Signer()
}

func putKey(bucket *bolt.Bucket, key *Key) error {
	data, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return bucket.Put(key.AccountID, data)
}
