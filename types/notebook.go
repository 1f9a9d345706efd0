package types

import (
	"fmt"

	"github.com/milligon/localchain/internal/hash"
)

// Capacity bounds of a single notarization. A builder rejects additions
// past these synchronously; the caller should start a new notarization.
const (
	MaxBalanceChangesPerNotarization = 25
	MaxBlockVotesPerNotarization     = 100
	MaxDomainsPerNotarization        = 100
)

// Protocol constants.
const (
	// TaxPercent is the protocol tax rate applied to claimed sends.
	TaxPercent = 20

	// MinimumChannelHoldSettlement is the smallest settlement a channel
	// hold may be opened or ratcheted to, in milligons.
	MinimumChannelHoldSettlement = 5

	// ChannelHoldClawbackTicks is the grace window after a hold's
	// expiration tick during which the payee may still claim; past it the
	// payer may cancel.
	ChannelHoldClawbackTicks = 2

	// DefaultChannelHoldExpirationTicks is the hold lifetime granted on
	// import, measured from the notary tip's tick.
	DefaultChannelHoldExpirationTicks = 60
)

type (
	ChainTransferKind uint8

	// ChainTransfer records one crossing of the chain boundary inside a
	// notebook, in submission order.
	ChainTransfer struct {
		_             struct{}          `cbor:",toarray"`
		Kind          ChainTransferKind `json:"kind"`
		AccountID     AccountID         `json:"accountId"`
		Amount        uint64            `json:"amount"`
		TransferNonce uint32            `json:"transferNonce,omitempty"`
	}

	// BlockVote is one tax-funded vote for a mainchain block.
	BlockVote struct {
		_             struct{}  `cbor:",toarray"`
		AccountID     AccountID `json:"accountId"`
		BlockHash     []byte    `json:"blockHash"`
		Index         uint32    `json:"index"`
		Power         uint64    `json:"power"`
		DomainHash    []byte    `json:"domainHash"`
		DomainAccount AccountID `json:"domainAccount"`
		Tick          uint64    `json:"tick"`
		Signature     []byte    `json:"signature"`
	}

	// DomainLease registers a data domain to a payment account.
	DomainLease struct {
		_          struct{}  `cbor:",toarray"`
		DomainHash []byte    `json:"domainHash"`
		AccountID  AccountID `json:"accountId"`
	}

	// Notarization is the atomic unit submitted to one notary.
	Notarization struct {
		BalanceChanges []*BalanceChange `json:"balanceChanges"`
		BlockVotes     []*BlockVote     `json:"blockVotes"`
		DomainLeases   []*DomainLease   `json:"domainLeases"`
	}

	// NotebookHeader is the notary-published commitment for one notebook,
	// immutable after finalization. It is the audited artifact.
	NotebookHeader struct {
		_                     struct{}        `cbor:",toarray"`
		NotaryID              uint32          `json:"notaryId"`
		NotebookNumber        uint32          `json:"notebookNumber"`
		Tick                  uint64          `json:"tick"`
		ChangedAccountsRoot   []byte          `json:"changedAccountsRoot"`
		ChangedAccountOrigins []AccountOrigin `json:"changedAccountOrigins"`
		ChainTransfers        []ChainTransfer `json:"chainTransfers"`
		BlockVotesRoot        []byte          `json:"blockVotesRoot"`
		BlockVotingPower      uint64          `json:"blockVotingPower"`
		BlockVotesCount       uint32          `json:"blockVotesCount"`
		BlocksWithVotes       [][]byte        `json:"blocksWithVotes"`
		Tax                   uint64          `json:"tax"`
	}
)

const (
	ChainTransferToMainchain ChainTransferKind = 1 + iota
	ChainTransferToLocalchain
)

func (k ChainTransferKind) String() string {
	switch k {
	case ChainTransferToMainchain:
		return "toMainchain"
	case ChainTransferToLocalchain:
		return "toLocalchain"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

func (t ChainTransfer) Eq(other ChainTransfer) bool {
	return t.Kind == other.Kind &&
		t.AccountID.Eq(other.AccountID) &&
		t.Amount == other.Amount &&
		t.TransferNonce == other.TransferNonce
}

// SigBytes returns the canonical bytes signed by the vote's account.
func (v *BlockVote) SigBytes() ([]byte, error) {
	unsigned := *v
	unsigned.Signature = nil
	b, err := Cbor(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("encoding block vote: %w", err)
	}
	return b, nil
}

// Hash returns the vote's canonical leaf hash for the block votes root.
func (v *BlockVote) Hash() ([]byte, error) {
	b, err := Cbor(v)
	if err != nil {
		return nil, fmt.Errorf("encoding block vote: %w", err)
	}
	return hash.Sum256(b), nil
}

// Hash recomputes the header's own canonical hash.
func (h *NotebookHeader) Hash() ([]byte, error) {
	b, err := Cbor(h)
	if err != nil {
		return nil, fmt.Errorf("encoding notebook header: %w", err)
	}
	return hash.Sum256(b), nil
}

func (n *Notarization) IsEmpty() bool {
	return len(n.BalanceChanges) == 0 && len(n.BlockVotes) == 0 && len(n.DomainLeases) == 0
}
