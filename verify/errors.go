package verify

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Every check of the audit has its own error variant so each failure mode
// is independently testable. Structural failures are fatal to the audited
// notarization or notebook and are never retried.
var (
	ErrMissingBalanceProof                  = errors.New("balance change number > 1 requires a previous balance proof")
	ErrInvalidPreviousBalanceProof          = errors.New("previous balance proof does not verify")
	ErrInvalidPreviousBalanceChangeNotebook = errors.New("previous balance proof cites the wrong notebook")
	ErrExceededMaxBalance                   = errors.New("balance change arithmetic exceeded the maximum balance")
	ErrMissingAccountOrigin                 = errors.New("new account is missing an assigned account origin")
	ErrDuplicatedAccountOriginUid           = errors.New("duplicated account origin uid")
	ErrInvalidNoteID                        = errors.New("note id does not match note content")
	ErrInvalidBalanceChangeSignature        = errors.New("balance change signature does not verify")
	ErrInvalidChannelHoldNote               = errors.New("invalid channel hold note")
	ErrDuplicateChainTransfer               = errors.New("duplicate chain transfer to localchain")
	ErrInvalidTransferToLocalchain          = errors.New("transfer to localchain is not recorded on the mainchain")
	ErrInvalidChainTransfersList            = errors.New("notebook chain transfers list does not match header")
	ErrInvalidAccountChangelist             = errors.New("notebook changed account origins do not match header")
	ErrInvalidBalanceChangeRoot             = errors.New("changed accounts root does not match header")
	ErrInvalidNotebookHash                  = errors.New("notebook header hash does not match claimed hash")
	ErrInsufficientBlockVoteMinimum         = errors.New("block vote power is below the block's vote minimum")
	ErrBlockVoteDataDomainMismatch          = errors.New("block vote data domain account does not match registered payment account")
	ErrInvalidBlockVoteSignature            = errors.New("block vote signature does not verify")
	ErrInvalidBlockVoteRoot                 = errors.New("block votes root does not match header")
	ErrInvalidBlockVotesCount               = errors.New("block votes count does not match header")
	ErrInvalidBlockVotingPower              = errors.New("block voting power does not match header")
	ErrInvalidBlocksWithVotes               = errors.New("blocks with votes do not match header")

	// ErrBalanceChangeMismatch matches any BalanceChangeMismatchError.
	ErrBalanceChangeMismatch = errors.New("calculated balance does not match provided balance")
	// ErrBalanceChangeNotNetZero matches any NotNetZeroError.
	ErrBalanceChangeNotNetZero = errors.New("balance changeset does not net to zero")
	// ErrInsufficientBalance matches any InsufficientBalanceError.
	ErrInsufficientBalance = errors.New("insufficient balance for note")
)

type (
	// BalanceChangeMismatchError reports a change whose declared balance
	// differs from the balance recomputed from its notes.
	BalanceChangeMismatchError struct {
		ChangeIndex       int
		ProvidedBalance   uint64
		CalculatedBalance uint64
	}

	// InsufficientBalanceError reports a note that would take a balance
	// below zero.
	InsufficientBalanceError struct {
		ChangeIndex int
		NoteIndex   int
	}

	// NotNetZeroError reports the unaccounted amount left after summing a
	// changeset's transfers. Deficit means claims exceeded sends.
	NotNetZeroError struct {
		Unaccounted *uint256.Int
		Deficit     bool
	}
)

func (e *BalanceChangeMismatchError) Error() string {
	return fmt.Sprintf("change %d: provided balance %d, calculated balance %d",
		e.ChangeIndex, e.ProvidedBalance, e.CalculatedBalance)
}

func (e *BalanceChangeMismatchError) Is(target error) bool {
	return target == ErrBalanceChangeMismatch
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("change %d note %d: insufficient balance", e.ChangeIndex, e.NoteIndex)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

func (e *NotNetZeroError) Error() string {
	sign := ""
	if e.Deficit {
		sign = "-"
	}
	return fmt.Sprintf("changeset is not net zero, unaccounted %s%s milligons", sign, e.Unaccounted.ToBig().String())
}

func (e *NotNetZeroError) Is(target error) bool {
	return target == ErrBalanceChangeNotNetZero
}
