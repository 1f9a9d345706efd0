package types

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

type (
	// AccountID is the compressed secp256k1 public key of an account,
	// 33 bytes. It doubles as the account's on-ledger identity.
	AccountID []byte

	// AccountType separates the spendable deposit ledger from the tax
	// ledger. Every (AccountID, AccountType) pair is an independent
	// account with its own change chain.
	AccountType uint8

	// AccountOrigin is the stable long-term identity assigned the first
	// time an account transacts in a notary. It survives address reuse
	// across notebooks and keys the merkle change lookups.
	AccountOrigin struct {
		_              struct{} `cbor:",toarray"`
		NotebookNumber uint32   `json:"notebookNumber"`
		AccountUID     uint32   `json:"accountUid"`
	}
)

const (
	AccountTypeDeposit AccountType = 1
	AccountTypeTax     AccountType = 2
)

const CompressedPubKeySize = 33

func (a AccountID) String() string {
	return hexutil.Encode(a)
}

func (a AccountID) Eq(other AccountID) bool {
	return bytes.Equal(a, other)
}

func (a AccountID) IsValid() error {
	if len(a) != CompressedPubKeySize {
		return fmt.Errorf("invalid account id length %d", len(a))
	}
	return nil
}

func (t AccountType) String() string {
	switch t {
	case AccountTypeDeposit:
		return "deposit"
	case AccountTypeTax:
		return "tax"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

func (t AccountType) IsValid() error {
	if t != AccountTypeDeposit && t != AccountTypeTax {
		return fmt.Errorf("invalid account type %d", uint8(t))
	}
	return nil
}

func (o AccountOrigin) Eq(other AccountOrigin) bool {
	return o.NotebookNumber == other.NotebookNumber && o.AccountUID == other.AccountUID
}

func (o AccountOrigin) String() string {
	return fmt.Sprintf("%d-%d", o.NotebookNumber, o.AccountUID)
}

// AccountKey identifies one ledger account within maps keyed by account.
type AccountKey struct {
	AccountID   string
	AccountType AccountType
}

func NewAccountKey(id AccountID, accountType AccountType) AccountKey {
	return AccountKey{AccountID: string(id), AccountType: accountType}
}
