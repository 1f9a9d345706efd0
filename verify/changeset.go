package verify

import (
	"bytes"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/milligon/localchain/crypto"
	"github.com/milligon/localchain/types"
)

var maxBalance = uint256.NewInt(0).SetUint64(^uint64(0))

// VerifyChangesetAllocation checks a changeset's conservation law without
// touching storage or cryptography: every change's declared balance must
// equal its previous balance adjusted by its notes, and the changeset-wide
// transfer accumulator must net to zero. Structurally invalid input is
// rejected here, before any proof verification cost is paid.
func VerifyChangesetAllocation(changes []*types.BalanceChange) error {
	sent := uint256.NewInt(0)
	claimed := uint256.NewInt(0)

	for i, change := range changes {
		if err := change.IsValid(); err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
		if change.ChangeNumber > 1 && change.PreviousBalanceProof == nil {
			return fmt.Errorf("change %d: %w", i, ErrMissingBalanceProof)
		}

		balance := uint256.NewInt(0).SetUint64(change.PreviousBalance())
		amount := uint256.NewInt(0)
		for j := range change.Notes {
			note := &change.Notes[j]
			amount.SetUint64(note.Milligons)

			switch note.NoteType.Kind.BalanceEffect() {
			case -1:
				if balance.Lt(amount) {
					return &InsufficientBalanceError{ChangeIndex: i, NoteIndex: j}
				}
				balance.Sub(balance, amount)
			case +1:
				balance.Add(balance, amount)
				if balance.Gt(maxBalance) {
					return fmt.Errorf("change %d note %d: %w", i, j, ErrExceededMaxBalance)
				}
			}

			switch note.NoteType.Kind.TransferEffect() {
			case +1:
				sent.Add(sent, amount)
			case -1:
				claimed.Add(claimed, amount)
			}

			if note.NoteType.Kind == types.NoteKindChannelHold {
				if err := checkChannelHoldNote(change, note); err != nil {
					return fmt.Errorf("change %d note %d: %w", i, j, err)
				}
			}
		}

		if balance.Uint64() != change.Balance {
			return &BalanceChangeMismatchError{
				ChangeIndex:       i,
				ProvidedBalance:   change.Balance,
				CalculatedBalance: balance.Uint64(),
			}
		}
	}

	if !sent.Eq(claimed) {
		unaccounted := uint256.NewInt(0)
		deficit := sent.Lt(claimed)
		if deficit {
			unaccounted.Sub(claimed, sent)
		} else {
			unaccounted.Sub(sent, claimed)
		}
		return &NotNetZeroError{Unaccounted: unaccounted, Deficit: deficit}
	}
	return nil
}

func checkChannelHoldNote(change *types.BalanceChange, note *types.Note) error {
	if change.AccountType != types.AccountTypeDeposit {
		return fmt.Errorf("%w: channel hold on %s account", ErrInvalidChannelHoldNote, change.AccountType)
	}
	if len(note.NoteType.Recipient) == 0 {
		return fmt.Errorf("%w: missing recipient", ErrInvalidChannelHoldNote)
	}
	if change.ChannelHoldNote == nil || !bytes.Equal(change.ChannelHoldNote.ID, note.ID) {
		return fmt.Errorf("%w: hold note not recorded on the change", ErrInvalidChannelHoldNote)
	}
	return nil
}

// ChangeSigner returns the preferred signing key for the change: the
// hold's delegated signer when a channel hold note names one, otherwise
// the owner. Verification accepts any of ChangeSigners; this picks which
// key a wallet should sign settlement updates with.
func ChangeSigner(change *types.BalanceChange) types.AccountID {
	if change.ChannelHoldNote != nil && len(change.ChannelHoldNote.NoteType.DelegatedSigner) > 0 {
		return change.ChannelHoldNote.NoteType.DelegatedSigner
	}
	return change.AccountID
}

// ChangeSigners returns every key whose signature authorizes the change:
// always the owning account, plus the delegated signer when the change
// carries a channel hold note naming one. The delegate is an additional
// authorized signer, never a replacement for the owner.
func ChangeSigners(change *types.BalanceChange) []types.AccountID {
	signers := []types.AccountID{change.AccountID}
	if change.ChannelHoldNote != nil && len(change.ChannelHoldNote.NoteType.DelegatedSigner) > 0 {
		delegate := change.ChannelHoldNote.NoteType.DelegatedSigner
		if !delegate.Eq(change.AccountID) {
			signers = append(signers, delegate)
		}
	}
	return signers
}

// VerifyChangeSignature checks signature over hash against the change's
// authorized signers, returning the last verification error when none
// matches.
func VerifyChangeSignature(change *types.BalanceChange, hash, signature []byte) error {
	var err error
	for _, signer := range ChangeSigners(change) {
		if err = crypto.VerifyHash(signer, hash, signature); err == nil {
			return nil
		}
	}
	return err
}

// VerifyChangesetSignatures runs the cryptographic second pass: recompute
// every note's content-derived id and verify every change's signature over
// its canonical hash. Kept separate from the allocation math so the
// conservation check stays cheap.
func VerifyChangesetSignatures(changes []*types.BalanceChange) error {
	for i, change := range changes {
		for j := range change.Notes {
			note := &change.Notes[j]
			id, err := types.ComputeNoteID(change.AccountID, change.AccountType, change.ChangeNumber, j, note.Milligons, note.NoteType)
			if err != nil {
				return fmt.Errorf("change %d note %d: %w", i, j, err)
			}
			if !bytes.Equal(id, note.ID) {
				return fmt.Errorf("change %d note %d: %w", i, j, ErrInvalidNoteID)
			}
		}
		hash, err := change.Hash()
		if err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
		if err := VerifyChangeSignature(change, hash, change.Signature); err != nil {
			return fmt.Errorf("change %d: %w: %v", i, ErrInvalidBalanceChangeSignature, err)
		}
	}
	return nil
}
