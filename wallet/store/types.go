package store

import (
	"time"

	"github.com/milligon/localchain/types"
)

// BalanceChangeStatus tracks a locally created balance change through the
// notary and mainchain finalization pipeline.
type BalanceChangeStatus uint8

const (
	// StatusWaitingForSendClaim marks a sent change whose recipient has not
	// yet claimed the funds. No notarization exists for it yet.
	StatusWaitingForSendClaim BalanceChangeStatus = iota + 1
	// StatusNotarized means the notary accepted the change into a pending
	// notebook.
	StatusNotarized
	// StatusNotebookPublished means the notebook closed and its header was
	// published to the mainchain.
	StatusNotebookPublished
	// StatusInNotebook means the merkle proof of inclusion has been fetched
	// and verified against the notebook's changed accounts root.
	StatusInNotebook
	// StatusImmortalized means the mainchain finalized the notebook; the
	// change can no longer be reverted.
	StatusImmortalized
	// StatusSuperseded marks a change replaced by a later change for the
	// same account before it finalized. Superseded changes are skipped by
	// reconciliation.
	StatusSuperseded
)

func (s BalanceChangeStatus) String() string {
	switch s {
	case StatusWaitingForSendClaim:
		return "waitingForSendClaim"
	case StatusNotarized:
		return "notarized"
	case StatusNotebookPublished:
		return "notebookPublished"
	case StatusInNotebook:
		return "inNotebook"
	case StatusImmortalized:
		return "immortalized"
	case StatusSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// IsFinal reports whether reconciliation is done with this change.
func (s BalanceChangeStatus) IsFinal() bool {
	return s == StatusImmortalized || s == StatusSuperseded
}

// Account is a locally tracked localchain account.
type Account struct {
	AccountID   types.AccountID      `json:"accountId"`
	AccountType types.AccountType    `json:"accountType"`
	NotaryID    uint32               `json:"notaryId"`
	Origin      *types.AccountOrigin `json:"origin,omitempty"`
	HDPath      string               `json:"hdPath,omitempty"`
	JumpAccount bool                 `json:"jumpAccount,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
}

// BalanceChangeRow is a persisted balance change plus its pipeline state.
type BalanceChangeRow struct {
	ID             uint64               `json:"id"`
	AccountID      types.AccountID      `json:"accountId"`
	AccountType    types.AccountType    `json:"accountType"`
	ChangeNumber   uint32               `json:"changeNumber"`
	Balance        uint64               `json:"balance"`
	NotaryID       uint32               `json:"notaryId"`
	NotarizationID uint64               `json:"notarizationId,omitempty"`
	NotebookNumber uint32               `json:"notebookNumber,omitempty"`
	Tick           uint64               `json:"tick,omitempty"`
	// FinalizedBlockNumber is the mainchain block that finalized the
	// notebook, recorded when the change is immortalized.
	FinalizedBlockNumber uint32               `json:"finalizedBlockNumber,omitempty"`
	Status               BalanceChangeStatus  `json:"status"`
	Change               *types.BalanceChange `json:"change"`
	Proof                *types.NotebookProof `json:"proof,omitempty"`
	UpdatedAt            time.Time            `json:"updatedAt"`
}

// NotarizationRow is a persisted accepted notarization.
type NotarizationRow struct {
	ID             uint64              `json:"id"`
	NotaryID       uint32              `json:"notaryId"`
	NotebookNumber uint32              `json:"notebookNumber"`
	Tick           uint64              `json:"tick"`
	Notarization   *types.Notarization `json:"notarization"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// ChannelHoldStatus tracks an open channel hold through settlement.
type ChannelHoldStatus uint8

const (
	HoldOpen ChannelHoldStatus = iota + 1
	HoldPendingClaim
	HoldClaimed
	HoldCanceled
)

func (s ChannelHoldStatus) String() string {
	switch s {
	case HoldOpen:
		return "open"
	case HoldPendingClaim:
		return "pendingClaim"
	case HoldClaimed:
		return "claimed"
	case HoldCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ChannelHoldRow is a persisted channel hold from either side of the
// channel.
type ChannelHoldRow struct {
	ID                string               `json:"id"`
	IsClient          bool                 `json:"isClient"`
	FromAccountID     types.AccountID      `json:"fromAccountId"`
	Recipient         types.AccountID      `json:"recipient"`
	DelegatedSigner   types.AccountID      `json:"delegatedSigner,omitempty"`
	DomainHash        []byte               `json:"domainHash,omitempty"`
	NotaryID          uint32               `json:"notaryId"`
	ExpirationTick    uint64               `json:"expirationTick"`
	SettledAmount     uint64               `json:"settledAmount"`
	SettledSignature  []byte               `json:"settledSignature,omitempty"`
	HoldChange        *types.BalanceChange `json:"holdChange"`
	Status            ChannelHoldStatus    `json:"status"`
	MissedClaimWindow bool                 `json:"missedClaimWindow,omitempty"`
	ClaimAttempts     int                  `json:"claimAttempts,omitempty"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

// MainchainTransferRow tracks a mainchain-to-localchain transfer until it
// has been claimed by a local balance change.
type MainchainTransferRow struct {
	AccountID       types.AccountID `json:"accountId"`
	TransferNonce   uint32          `json:"transferNonce"`
	Amount          uint64          `json:"amount"`
	Claimed         bool            `json:"claimed"`
	ClaimedChangeID uint64          `json:"claimedChangeId,omitempty"`
	FirstSeenAt     time.Time       `json:"firstSeenAt"`
}
