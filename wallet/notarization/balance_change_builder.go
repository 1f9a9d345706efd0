package notarization

import (
	"errors"
	"fmt"
	"sync"

	"github.com/milligon/localchain/crypto"
	"github.com/milligon/localchain/types"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// BalanceChangeBuilder accumulates notes for one account's in-progress
// balance change. Every mutation happens under the builder's own lock so
// callers assembling a multi-party notarization can attach notes to
// different accounts concurrently.
type BalanceChangeBuilder struct {
	mu     sync.Mutex
	change *types.BalanceChange
}

// NewBalanceChangeBuilder starts a change chaining from previousProof
// (nil for a brand new account, in which case changeNumber must be 1).
func NewBalanceChangeBuilder(accountID types.AccountID, accountType types.AccountType, changeNumber uint32, previousProof *types.BalanceProof) *BalanceChangeBuilder {
	change := &types.BalanceChange{
		AccountID:            accountID,
		AccountType:          accountType,
		ChangeNumber:         changeNumber,
		PreviousBalanceProof: previousProof,
	}
	change.Balance = change.PreviousBalance()
	return &BalanceChangeBuilder{change: change}
}

func (b *BalanceChangeBuilder) AccountID() types.AccountID {
	return b.change.AccountID
}

func (b *BalanceChangeBuilder) AccountType() types.AccountType {
	return b.change.AccountType
}

// Balance returns the running balance after all notes attached so far.
func (b *BalanceChangeBuilder) Balance() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.change.Balance
}

// Change returns a snapshot of the accumulated change.
func (b *BalanceChangeBuilder) Change() *types.BalanceChange {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := *b.change
	snapshot.Notes = append([]types.Note(nil), b.change.Notes...)
	return &snapshot
}

// Send attaches an outgoing transfer. A non-empty to list restricts which
// accounts may claim it.
func (b *BalanceChangeBuilder) Send(milligons uint64, to []types.AccountID) error {
	return b.addNote(milligons, types.NoteType{Kind: types.NoteKindSend, To: to})
}

// Claim attaches an incoming transfer matching another party's Send.
func (b *BalanceChangeBuilder) Claim(milligons uint64) error {
	return b.addNote(milligons, types.NoteType{Kind: types.NoteKindClaim})
}

// ClaimFromMainchain claims a mainchain-to-localchain transfer by nonce.
func (b *BalanceChangeBuilder) ClaimFromMainchain(milligons uint64, transferNonce uint32) error {
	return b.addNote(milligons, types.NoteType{Kind: types.NoteKindClaimFromMainchain, TransferNonce: transferNonce})
}

// SendToMainchain moves funds back across the chain boundary.
func (b *BalanceChangeBuilder) SendToMainchain(milligons uint64) error {
	return b.addNote(milligons, types.NoteType{Kind: types.NoteKindSendToMainchain})
}

// Tax attaches the protocol tax outflow.
func (b *BalanceChangeBuilder) Tax(milligons uint64) error {
	return b.addNote(milligons, types.NoteType{Kind: types.NoteKindTax})
}

// SendToVote moves accumulated tax into block vote funding.
func (b *BalanceChangeBuilder) SendToVote(milligons uint64) error {
	return b.addNote(milligons, types.NoteType{Kind: types.NoteKindSendToVote})
}

// LeaseDomain pays for a data domain registration.
func (b *BalanceChangeBuilder) LeaseDomain(milligons uint64) error {
	return b.addNote(milligons, types.NoteType{Kind: types.NoteKindLeaseDomain})
}

// AddChannelHoldNote locks the account's balance behind a channel hold.
// The note carries no amount; the hold covers whatever the settlement
// eventually claims, bounded by the account balance.
func (b *BalanceChangeBuilder) AddChannelHoldNote(recipient, delegatedSigner types.AccountID, domainHash []byte) error {
	return b.addNote(0, types.NoteType{
		Kind:            types.NoteKindChannelHold,
		Recipient:       recipient,
		DelegatedSigner: delegatedSigner,
		DomainHash:      domainHash,
	})
}

// ChannelHoldSettle attaches the payer's settlement outflow.
func (b *BalanceChangeBuilder) ChannelHoldSettle(milligons uint64) error {
	return b.addNote(milligons, types.NoteType{Kind: types.NoteKindChannelHoldSettle})
}

// ChannelHoldClaim attaches the payee's claim of a settled hold.
func (b *BalanceChangeBuilder) ChannelHoldClaim(milligons uint64) error {
	return b.addNote(milligons, types.NoteType{Kind: types.NoteKindChannelHoldClaim})
}

// SignWith attaches a keystore signature to the change if it still lacks
// one. The returned signature is verified before acceptance to fail fast
// on a malfunctioning signer.
func (b *BalanceChangeBuilder) SignWith(keystore Keystore) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	change := b.change
	if len(change.Notes) == 0 || len(change.Signature) > 0 {
		return nil
	}
	hash, err := change.Hash()
	if err != nil {
		return err
	}
	sig, err := keystore.SignHash(change.AccountID, hash)
	if err != nil {
		return fmt.Errorf("signing balance change for %s: %w", change.AccountID, err)
	}
	if err := crypto.VerifyHash(change.AccountID, hash, sig); err != nil {
		return fmt.Errorf("keystore returned an invalid signature for %s: %w", change.AccountID, err)
	}
	change.Signature = sig
	return nil
}

func (b *BalanceChangeBuilder) addNote(milligons uint64, noteType types.NoteType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	change := b.change
	if noteType.Kind.BalanceEffect() < 0 && change.Balance < milligons {
		return fmt.Errorf("%w: balance %d, needed %d", ErrInsufficientFunds, change.Balance, milligons)
	}
	id, err := types.ComputeNoteID(change.AccountID, change.AccountType, change.ChangeNumber, len(change.Notes), milligons, noteType)
	if err != nil {
		return err
	}
	note := types.Note{ID: id, Milligons: milligons, NoteType: noteType}
	change.Notes = append(change.Notes, note)
	switch noteType.Kind.BalanceEffect() {
	case -1:
		change.Balance -= milligons
	case +1:
		change.Balance += milligons
	}
	if noteType.Kind == types.NoteKindChannelHold {
		change.ChannelHoldNote = &note
	}
	// any mutation invalidates a previously attached signature
	change.Signature = nil
	return nil
}
