package channelhold

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/milligon/localchain/types"
)

// holdIDPrefix is the bech32 human readable part of a channel hold id.
const holdIDPrefix = "chan"

var (
	ErrNoHoldNote       = errors.New("balance change carries no channel hold note")
	ErrNoSettleNote     = errors.New("balance change carries no channel hold settle note")
	ErrSettlementTooLow = errors.New("settlement cannot ratchet downward")
)

// ChannelHoldID derives the hold's stable identifier from its opening
// balance change. The settlement amount is pinned to the protocol minimum
// before hashing, so both parties compute the same id from the opening
// data regardless of how far the settlement has ratcheted since.
func ChannelHoldID(change *types.BalanceChange) (string, error) {
	if change.ChannelHoldNote == nil {
		return "", ErrNoHoldNote
	}
	pinned, err := withSettlement(change, types.MinimumChannelHoldSettlement)
	if err != nil {
		return "", err
	}
	hash, err := pinned.Hash()
	if err != nil {
		return "", err
	}
	converted, err := bech32.ConvertBits(hash, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("encoding channel hold id: %w", err)
	}
	id, err := bech32.Encode(holdIDPrefix, converted)
	if err != nil {
		return "", fmt.Errorf("encoding channel hold id: %w", err)
	}
	return id, nil
}

// settledAmount returns the change's current settlement.
func settledAmount(change *types.BalanceChange) (uint64, error) {
	for i := range change.Notes {
		if change.Notes[i].NoteType.Kind == types.NoteKindChannelHoldSettle {
			return change.Notes[i].Milligons, nil
		}
	}
	return 0, ErrNoSettleNote
}

// withSettlement rebuilds the hold change with the settle note set to
// milligons: the note id is recomputed, the running balance replayed, and
// any stale signature dropped.
func withSettlement(change *types.BalanceChange, milligons uint64) (*types.BalanceChange, error) {
	updated := *change
	updated.Notes = append([]types.Note(nil), change.Notes...)
	updated.Signature = nil

	settleIdx := -1
	for i := range updated.Notes {
		if updated.Notes[i].NoteType.Kind == types.NoteKindChannelHoldSettle {
			settleIdx = i
			break
		}
	}
	if settleIdx < 0 {
		return nil, ErrNoSettleNote
	}
	updated.Notes[settleIdx].Milligons = milligons
	id, err := types.ComputeNoteID(updated.AccountID, updated.AccountType, updated.ChangeNumber, settleIdx, milligons, updated.Notes[settleIdx].NoteType)
	if err != nil {
		return nil, err
	}
	updated.Notes[settleIdx].ID = id

	balance := updated.PreviousBalance()
	for i := range updated.Notes {
		note := &updated.Notes[i]
		switch note.NoteType.Kind.BalanceEffect() {
		case -1:
			if balance < note.Milligons {
				return nil, fmt.Errorf("settlement of %d exceeds the held balance", milligons)
			}
			balance -= note.Milligons
		case +1:
			balance += note.Milligons
		}
		if note.NoteType.Kind == types.NoteKindChannelHold {
			noteCopy := *note
			updated.ChannelHoldNote = &noteCopy
		}
	}
	updated.Balance = balance
	return &updated, nil
}
