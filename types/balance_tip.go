package types

import (
	"fmt"

	"github.com/milligon/localchain/internal/hash"
	"github.com/milligon/localchain/internal/mt"
)

type (
	// BalanceTip is the canonical current-state commitment for one
	// (account, account type) pair at a point in notary history. Its hash
	// is the merkle leaf authenticated by a notebook's changed accounts
	// root. Exactly one valid tip exists per account at any notebook
	// height; the next change must chain from it.
	BalanceTip struct {
		_               struct{}      `cbor:",toarray"`
		AccountID       AccountID     `json:"accountId"`
		AccountType     AccountType   `json:"accountType"`
		ChangeNumber    uint32        `json:"changeNumber"`
		Balance         uint64        `json:"balance"`
		AccountOrigin   AccountOrigin `json:"accountOrigin"`
		ChannelHoldNote *Note         `json:"channelHoldNote,omitempty"`
	}

	// NotebookProof is a merkle inclusion proof of a balance tip against a
	// notebook's changed accounts root.
	NotebookProof struct {
		NotebookNumber uint32         `json:"notebookNumber"`
		Path           []*mt.PathItem `json:"path"`
		LeafIndex      int            `json:"leafIndex"`
		NumberOfLeaves int            `json:"numberOfLeaves"`
	}

	// BalanceProof ties a balance change to the previous tip it chains
	// from: the notebook where the account last changed plus the prior
	// tip's fields needed to reconstruct its leaf hash. NotebookProof may
	// be nil while the cited notebook is still pending finalization.
	BalanceProof struct {
		NotaryID        uint32         `json:"notaryId"`
		NotebookNumber  uint32         `json:"notebookNumber"`
		Tick            uint64         `json:"tick"`
		Balance         uint64         `json:"balance"`
		AccountOrigin   AccountOrigin  `json:"accountOrigin"`
		ChannelHoldNote *Note          `json:"channelHoldNote,omitempty"`
		NotebookProof   *NotebookProof `json:"notebookProof,omitempty"`
	}
)

// Hash returns the tip's canonical leaf hash. Byte-for-byte identical
// between client and notary.
func (t *BalanceTip) Hash() ([]byte, error) {
	b, err := Cbor(t)
	if err != nil {
		return nil, fmt.Errorf("encoding balance tip: %w", err)
	}
	return hash.Sum256(b), nil
}

// PreviousTip reconstructs the tip this proof commits to for the given
// account coordinates. ChangeNumber is the change before the one carrying
// the proof.
func (p *BalanceProof) PreviousTip(accountID AccountID, accountType AccountType, changeNumber uint32) *BalanceTip {
	return &BalanceTip{
		AccountID:       accountID,
		AccountType:     accountType,
		ChangeNumber:    changeNumber,
		Balance:         p.Balance,
		AccountOrigin:   p.AccountOrigin,
		ChannelHoldNote: p.ChannelHoldNote,
	}
}

// Verify checks the inclusion proof of the given leaf hash against root.
func (p *NotebookProof) Verify(root, leaf []byte) bool {
	if p == nil {
		return false
	}
	calculated := mt.EvalMerklePath(p.Path, leaf)
	return len(root) > 0 && string(calculated) == string(root)
}
