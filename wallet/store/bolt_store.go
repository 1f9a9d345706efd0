package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/milligon/localchain/types"
)

var (
	bucketAccounts           = []byte("accounts")
	bucketBalanceChanges     = []byte("balanceChanges")
	bucketAccountTips        = []byte("accountTips")
	bucketNotarizations      = []byte("notarizations")
	bucketChannelHolds       = []byte("channelHolds")
	bucketMainchainTransfers = []byte("mainchainTransfers")

	ErrAccountNotFound       = errors.New("account not found")
	ErrBalanceChangeNotFound = errors.New("balance change not found")
	ErrChannelHoldNotFound   = errors.New("channel hold not found")
)

type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(dbFile string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbFile), 0700); err != nil { // ensure dirs exist
		return nil, err
	}
	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: 3 * time.Second}) // -rw-------
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt DB %s: %w", dbFile, err)
	}
	s := &BoltStore{db: db}
	if err := createBuckets(db.Update,
		bucketAccounts,
		bucketBalanceChanges,
		bucketAccountTips,
		bucketNotarizations,
		bucketChannelHolds,
		bucketMainchainTransfers,
	); err != nil {
		return nil, fmt.Errorf("failed to create db buckets: %w", err)
	}
	return s, nil
}

func createBuckets(update func(fn func(*bolt.Tx) error) error, buckets ...[]byte) error {
	return update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func accountKey(accountID types.AccountID, accountType types.AccountType) []byte {
	key := make([]byte, 0, len(accountID)+1)
	key = append(key, accountID...)
	return append(key, byte(accountType))
}

func transferKey(accountID types.AccountID, transferNonce uint32) []byte {
	key := make([]byte, 0, len(accountID)+4)
	key = append(key, accountID...)
	return binary.BigEndian.AppendUint32(key, transferNonce)
}

func u64Key(id uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, id)
}

func (s *BoltStore) AddAccount(account *Account) error {
	if account == nil {
		return errors.New("account is nil")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAccounts), accountKey(account.AccountID, account.AccountType), account)
	})
}

func (s *BoltStore) GetAccount(accountID types.AccountID, accountType types.AccountType) (*Account, error) {
	var account *Account
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get(accountKey(accountID, accountType))
		if data == nil {
			return ErrAccountNotFound
		}
		return json.Unmarshal(data, &account)
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *BoltStore) GetAccounts() ([]*Account, error) {
	var accounts []*Account
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(_, v []byte) error {
			var account *Account
			if err := json.Unmarshal(v, &account); err != nil {
				return fmt.Errorf("failed to deserialize account: %w", err)
			}
			accounts = append(accounts, account)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// SaveBalanceChange persists the row, assigning an id if it has none, and
// repoints the account tip at it.
func (s *BoltStore) SaveBalanceChange(row *BalanceChangeRow) error {
	if row == nil {
		return errors.New("balance change row is nil")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return saveBalanceChangeTx(tx, row)
	})
}

func saveBalanceChangeTx(tx *bolt.Tx, row *BalanceChangeRow) error {
	bucket := tx.Bucket(bucketBalanceChanges)
	if row.ID == 0 {
		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		row.ID = id
	}
	row.UpdatedAt = time.Now()
	if err := putJSON(bucket, u64Key(row.ID), row); err != nil {
		return err
	}
	return tx.Bucket(bucketAccountTips).Put(accountKey(row.AccountID, row.AccountType), u64Key(row.ID))
}

// UpdateBalanceChange persists an already assigned row without moving the
// account tip.
func (s *BoltStore) UpdateBalanceChange(row *BalanceChangeRow) error {
	if row == nil || row.ID == 0 {
		return errors.New("balance change row has no id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		row.UpdatedAt = time.Now()
		return putJSON(tx.Bucket(bucketBalanceChanges), u64Key(row.ID), row)
	})
}

func (s *BoltStore) GetBalanceChange(id uint64) (*BalanceChangeRow, error) {
	var row *BalanceChangeRow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBalanceChanges).Get(u64Key(id))
		if data == nil {
			return ErrBalanceChangeNotFound
		}
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// GetLatestBalanceChange returns the most recent change for the account or
// nil when the account has no changes yet.
func (s *BoltStore) GetLatestBalanceChange(accountID types.AccountID, accountType types.AccountType) (*BalanceChangeRow, error) {
	var row *BalanceChangeRow
	err := s.db.View(func(tx *bolt.Tx) error {
		idKey := tx.Bucket(bucketAccountTips).Get(accountKey(accountID, accountType))
		if idKey == nil {
			return nil
		}
		data := tx.Bucket(bucketBalanceChanges).Get(idKey)
		if data == nil {
			return ErrBalanceChangeNotFound
		}
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// GetPendingBalanceChanges returns all changes still moving through the
// pipeline, in insertion order.
func (s *BoltStore) GetPendingBalanceChanges() ([]*BalanceChangeRow, error) {
	var rows []*BalanceChangeRow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBalanceChanges).ForEach(func(_, v []byte) error {
			var row *BalanceChangeRow
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("failed to deserialize balance change: %w", err)
			}
			if !row.Status.IsFinal() {
				rows = append(rows, row)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SaveNotarization persists the accepted notarization together with its
// balance change rows and any channel hold updates in one transaction.
// Row ids are assigned in place.
func (s *BoltStore) SaveNotarization(notarization *NotarizationRow, changes []*BalanceChangeRow, holds []*ChannelHoldRow) error {
	if notarization == nil {
		return errors.New("notarization row is nil")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNotarizations)
		if notarization.ID == 0 {
			id, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			notarization.ID = id
		}
		notarization.CreatedAt = time.Now()
		if err := putJSON(bucket, u64Key(notarization.ID), notarization); err != nil {
			return err
		}
		for _, row := range changes {
			row.NotarizationID = notarization.ID
			if err := saveBalanceChangeTx(tx, row); err != nil {
				return err
			}
		}
		for _, hold := range holds {
			hold.UpdatedAt = time.Now()
			if err := putJSON(tx.Bucket(bucketChannelHolds), []byte(hold.ID), hold); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetNotarization(id uint64) (*NotarizationRow, error) {
	var row *NotarizationRow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNotarizations).Get(u64Key(id))
		if data == nil {
			return fmt.Errorf("notarization %d not found", id)
		}
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *BoltStore) UpsertChannelHold(row *ChannelHoldRow) error {
	if row == nil || row.ID == "" {
		return errors.New("channel hold row has no id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		row.UpdatedAt = time.Now()
		return putJSON(tx.Bucket(bucketChannelHolds), []byte(row.ID), row)
	})
}

func (s *BoltStore) GetChannelHold(id string) (*ChannelHoldRow, error) {
	var row *ChannelHoldRow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketChannelHolds).Get([]byte(id))
		if data == nil {
			return ErrChannelHoldNotFound
		}
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// GetOpenChannelHolds returns holds that have not yet been claimed or
// canceled.
func (s *BoltStore) GetOpenChannelHolds() ([]*ChannelHoldRow, error) {
	var rows []*ChannelHoldRow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChannelHolds).ForEach(func(_, v []byte) error {
			var row *ChannelHoldRow
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("failed to deserialize channel hold: %w", err)
			}
			if row.Status == HoldOpen || row.Status == HoldPendingClaim {
				rows = append(rows, row)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *BoltStore) SaveMainchainTransfer(row *MainchainTransferRow) error {
	if row == nil {
		return errors.New("mainchain transfer row is nil")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		key := transferKey(row.AccountID, row.TransferNonce)
		bucket := tx.Bucket(bucketMainchainTransfers)
		if existing := bucket.Get(key); existing == nil {
			row.FirstSeenAt = time.Now()
		}
		return putJSON(bucket, key, row)
	})
}

func (s *BoltStore) GetUnclaimedMainchainTransfers() ([]*MainchainTransferRow, error) {
	var rows []*MainchainTransferRow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMainchainTransfers).ForEach(func(_, v []byte) error {
			var row *MainchainTransferRow
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("failed to deserialize mainchain transfer: %w", err)
			}
			if !row.Claimed {
				rows = append(rows, row)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *BoltStore) MarkTransferClaimed(accountID types.AccountID, transferNonce uint32, changeID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMainchainTransfers)
		key := transferKey(accountID, transferNonce)
		data := bucket.Get(key)
		if data == nil {
			return fmt.Errorf("mainchain transfer for nonce %d not found", transferNonce)
		}
		var row *MainchainTransferRow
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("failed to deserialize mainchain transfer: %w", err)
		}
		row.Claimed = true
		row.ClaimedChangeID = changeID
		return putJSON(bucket, key, row)
	})
}

func putJSON(bucket *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put(key, data)
}
