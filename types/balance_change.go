package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/milligon/localchain/internal/hash"
)

// BalanceChange is one account's proposed mutation within a notarization.
// It is immutable once included in a submitted notarization.
type BalanceChange struct {
	_                    struct{}      `cbor:",toarray"`
	AccountID            AccountID     `json:"accountId"`
	AccountType          AccountType   `json:"accountType"`
	ChangeNumber         uint32        `json:"changeNumber"`
	Balance              uint64        `json:"balance"`
	PreviousBalanceProof *BalanceProof `json:"previousBalanceProof,omitempty"`
	Notes                []Note        `json:"notes"`
	ChannelHoldNote      *Note         `json:"channelHoldNote,omitempty"`
	Signature            []byte        `json:"signature"`
}

// SigBytes returns the canonical bytes that are signed: the change encoded
// with an empty signature field.
func (c *BalanceChange) SigBytes() ([]byte, error) {
	unsigned := *c
	unsigned.Signature = nil
	b, err := Cbor(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("encoding balance change: %w", err)
	}
	return b, nil
}

// Hash returns the blake2b-256 hash of the change's signing bytes.
func (c *BalanceChange) Hash() ([]byte, error) {
	b, err := c.SigBytes()
	if err != nil {
		return nil, err
	}
	return hash.Sum256(b), nil
}

// PreviousBalance returns the balance this change starts from: zero for a
// first change, otherwise the proof's committed balance.
func (c *BalanceChange) PreviousBalance() uint64 {
	if c.PreviousBalanceProof == nil {
		return 0
	}
	return c.PreviousBalanceProof.Balance
}

// Tip returns the balance tip resulting from this change, given the
// account's origin.
func (c *BalanceChange) Tip(origin AccountOrigin) *BalanceTip {
	return &BalanceTip{
		AccountID:       c.AccountID,
		AccountType:     c.AccountType,
		ChangeNumber:    c.ChangeNumber,
		Balance:         c.Balance,
		AccountOrigin:   origin,
		ChannelHoldNote: c.ChannelHoldNote,
	}
}

func (c *BalanceChange) IsValid() error {
	if err := c.AccountID.IsValid(); err != nil {
		return err
	}
	if err := c.AccountType.IsValid(); err != nil {
		return err
	}
	if c.ChangeNumber == 0 {
		return errors.New("change number must start at 1")
	}
	if c.ChangeNumber == 1 && c.PreviousBalanceProof != nil {
		return errors.New("first balance change cannot carry a previous balance proof")
	}
	return nil
}

// MarshalBalanceChanges encodes signed balance changes as the JSON array
// wire format used to hand a send to its claimant.
func MarshalBalanceChanges(changes []*BalanceChange) ([]byte, error) {
	return json.Marshal(changes)
}

// UnmarshalBalanceChanges parses the JSON array wire format.
func UnmarshalBalanceChanges(data []byte) ([]*BalanceChange, error) {
	var changes []*BalanceChange
	if err := json.Unmarshal(data, &changes); err != nil {
		return nil, fmt.Errorf("parsing balance changes json: %w", err)
	}
	return changes, nil
}
