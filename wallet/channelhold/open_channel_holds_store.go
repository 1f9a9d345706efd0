package channelhold

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/milligon/localchain/client"
	"github.com/milligon/localchain/crypto"
	"github.com/milligon/localchain/types"
	"github.com/milligon/localchain/verify"
	"github.com/milligon/localchain/wallet/notarization"
	"github.com/milligon/localchain/wallet/store"
)

var (
	ErrUnconfirmedChange  = errors.New("latest balance change is still waiting for its claim")
	ErrRecipientMismatch  = errors.New("channel hold recipient does not match this wallet's deposit account")
	ErrHoldTipMismatch    = errors.New("account tip at the notary does not match the imported hold")
	ErrMissedClaimWindow  = errors.New("channel hold claim window has passed")
	ErrWrongSideOfChannel = errors.New("operation belongs to the other side of the channel")
)

// OpenChannelHoldsStore creates, imports and resolves channel holds for
// one wallet. It is the factory for OpenChannelHold handles; handles keep
// no live state and reload their row from storage on demand.
type OpenChannelHoldsStore struct {
	store          *store.BoltStore
	notaryClients  client.NotaryClients
	keystore       notarization.Keystore
	notaryID       uint32
	depositAccount types.AccountID
	taxAccount     types.AccountID
	log            *slog.Logger

	// sleep is the retry delay hook, replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func NewOpenChannelHoldsStore(
	s *store.BoltStore,
	notaryClients client.NotaryClients,
	keystore notarization.Keystore,
	notaryID uint32,
	depositAccount, taxAccount types.AccountID,
	log *slog.Logger,
) *OpenChannelHoldsStore {
	return &OpenChannelHoldsStore{
		store:          s,
		notaryClients:  notaryClients,
		keystore:       keystore,
		notaryID:       notaryID,
		depositAccount: depositAccount,
		taxAccount:     taxAccount,
		log:            log,
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenChannelHold is the handle for one hold. Mutations are serialized per
// handle; the backing row is reloaded from storage on every operation.
type OpenChannelHold struct {
	mu    sync.Mutex
	holds *OpenChannelHoldsStore
	id    string
}

func (h *OpenChannelHold) ID() string {
	return h.id
}

// Row loads the hold's current persisted state.
func (h *OpenChannelHold) Row() (*store.ChannelHoldRow, error) {
	return h.holds.store.GetChannelHold(h.id)
}

// Get returns a handle for an already persisted hold.
func (s *OpenChannelHoldsStore) Get(id string) (*OpenChannelHold, error) {
	if _, err := s.store.GetChannelHold(id); err != nil {
		return nil, err
	}
	return &OpenChannelHold{holds: s, id: id}, nil
}

// OpenClientChannelHold opens a hold on the payer's side: the account's
// next balance change locks its balance behind a hold note and carries the
// minimum settlement. The account's latest change must be confirmed first;
// stacking a hold on an unclaimed send would race two unconfirmed
// mutations.
func (s *OpenChannelHoldsStore) OpenClientChannelHold(ctx context.Context, accountID, recipient, delegatedSigner types.AccountID, domainHash []byte) (*OpenChannelHold, error) {
	latest, err := s.store.GetLatestBalanceChange(accountID, types.AccountTypeDeposit)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, errors.New("account has no balance to hold")
	}
	if latest.Status == store.StatusWaitingForSendClaim {
		return nil, ErrUnconfirmedChange
	}
	account, err := s.store.GetAccount(accountID, types.AccountTypeDeposit)
	if err != nil {
		return nil, err
	}

	proof := &types.BalanceProof{
		NotaryID:       latest.NotaryID,
		NotebookNumber: latest.NotebookNumber,
		Tick:           latest.Tick,
		Balance:        latest.Balance,
		NotebookProof:  latest.Proof,
	}
	if account.Origin != nil {
		proof.AccountOrigin = *account.Origin
	}
	builder := notarization.NewBalanceChangeBuilder(accountID, types.AccountTypeDeposit, latest.ChangeNumber+1, proof)
	if err := builder.AddChannelHoldNote(recipient, delegatedSigner, domainHash); err != nil {
		return nil, err
	}
	if err := builder.ChannelHoldSettle(types.MinimumChannelHoldSettlement); err != nil {
		return nil, err
	}
	if err := builder.SignWith(s.keystore); err != nil {
		return nil, err
	}
	change := builder.Change()

	notaryClient, err := s.notaryClients.Get(s.notaryID)
	if err != nil {
		return nil, err
	}
	tip, err := notaryClient.GetBalanceTip(ctx, accountID, types.AccountTypeDeposit)
	if err != nil {
		return nil, fmt.Errorf("fetching balance tip: %w", err)
	}

	id, err := ChannelHoldID(change)
	if err != nil {
		return nil, err
	}
	row := &store.ChannelHoldRow{
		ID:               id,
		IsClient:         true,
		FromAccountID:    accountID,
		Recipient:        recipient,
		DelegatedSigner:  delegatedSigner,
		DomainHash:       domainHash,
		NotaryID:         s.notaryID,
		ExpirationTick:   tip.Tick + types.DefaultChannelHoldExpirationTicks,
		SettledAmount:    types.MinimumChannelHoldSettlement,
		SettledSignature: change.Signature,
		HoldChange:       change,
		Status:           store.HoldOpen,
	}
	if err := s.store.UpsertChannelHold(row); err != nil {
		return nil, err
	}
	return &OpenChannelHold{holds: s, id: id}, nil
}

// ImportChannelHold accepts a hold exported by a payer. The signed change
// is verified, the declared recipient must be this wallet's deposit
// account, and the change must chain from the payer's live tip at the
// notary so a stale or replayed hold is rejected at import time.
func (s *OpenChannelHoldsStore) ImportChannelHold(ctx context.Context, changeJSON []byte) (*OpenChannelHold, error) {
	var change *types.BalanceChange
	if err := json.Unmarshal(changeJSON, &change); err != nil {
		return nil, fmt.Errorf("parsing channel hold json: %w", err)
	}
	hash, err := change.Hash()
	if err != nil {
		return nil, err
	}
	if err := verify.VerifyChangeSignature(change, hash, change.Signature); err != nil {
		return nil, err
	}
	holdNote := change.ChannelHoldNote
	if holdNote == nil {
		return nil, ErrNoHoldNote
	}
	if !holdNote.NoteType.Recipient.Eq(s.depositAccount) {
		return nil, fmt.Errorf("%w: hold is for %s", ErrRecipientMismatch, holdNote.NoteType.Recipient)
	}
	if change.PreviousBalanceProof == nil || change.ChangeNumber < 2 {
		return nil, errors.New("channel hold must chain from a funded account")
	}

	notaryClient, err := s.notaryClients.Get(s.notaryID)
	if err != nil {
		return nil, err
	}
	tip, err := notaryClient.GetBalanceTip(ctx, change.AccountID, types.AccountTypeDeposit)
	if err != nil {
		return nil, fmt.Errorf("fetching balance tip: %w", err)
	}
	expected := change.PreviousBalanceProof.PreviousTip(change.AccountID, types.AccountTypeDeposit, change.ChangeNumber-1)
	expectedHash, err := expected.Hash()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(expectedHash, tip.TipHash) {
		return nil, ErrHoldTipMismatch
	}

	settled, err := settledAmount(change)
	if err != nil {
		return nil, err
	}
	id, err := ChannelHoldID(change)
	if err != nil {
		return nil, err
	}
	row := &store.ChannelHoldRow{
		ID:               id,
		IsClient:         false,
		FromAccountID:    change.AccountID,
		Recipient:        holdNote.NoteType.Recipient,
		DelegatedSigner:  holdNote.NoteType.DelegatedSigner,
		DomainHash:       holdNote.NoteType.DomainHash,
		NotaryID:         s.notaryID,
		ExpirationTick:   tip.Tick + types.DefaultChannelHoldExpirationTicks,
		SettledAmount:    settled,
		SettledSignature: change.Signature,
		HoldChange:       change,
		Status:           store.HoldOpen,
	}
	if err := s.store.UpsertChannelHold(row); err != nil {
		return nil, err
	}
	return &OpenChannelHold{holds: s, id: id}, nil
}

// GetClaimable returns holds whose expiration has arrived and which no
// notarization has resolved yet. This is the reconciliation queue for
// both sides of the channel.
func (s *OpenChannelHoldsStore) GetClaimable(currentTick uint64) ([]*OpenChannelHold, error) {
	rows, err := s.store.GetOpenChannelHolds()
	if err != nil {
		return nil, err
	}
	var claimable []*OpenChannelHold
	for _, row := range rows {
		open := row.Status == store.HoldOpen || row.Status == store.HoldPendingClaim
		if open && !row.MissedClaimWindow && row.ExpirationTick <= currentTick {
			claimable = append(claimable, &OpenChannelHold{holds: s, id: row.ID})
		}
	}
	return claimable, nil
}

// Export returns the hold's current signed balance change as the JSON
// wire format handed to the counterparty.
func (h *OpenChannelHold) Export() ([]byte, error) {
	row, err := h.Row()
	if err != nil {
		return nil, err
	}
	return json.Marshal(row.HoldChange)
}

// Sign ratchets the settlement up to milligons and signs the updated
// change. The settlement can never move downward and never below the
// protocol minimum.
func (h *OpenChannelHold) Sign(milligons uint64) (*types.BalanceChange, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	row, err := h.Row()
	if err != nil {
		return nil, err
	}
	if milligons < types.MinimumChannelHoldSettlement || milligons < row.SettledAmount {
		return nil, fmt.Errorf("%w: %d is below current settlement %d", ErrSettlementTooLow, milligons, row.SettledAmount)
	}
	updated, err := withSettlement(row.HoldChange, milligons)
	if err != nil {
		return nil, err
	}
	hash, err := updated.Hash()
	if err != nil {
		return nil, err
	}
	// prefer the delegated key; the owner stays authorized when the
	// keystore does not hold the delegate
	signer := verify.ChangeSigner(updated)
	sig, err := h.holds.keystore.SignHash(signer, hash)
	if err != nil && !signer.Eq(updated.AccountID) {
		signer = updated.AccountID
		sig, err = h.holds.keystore.SignHash(signer, hash)
	}
	if err != nil {
		return nil, err
	}
	if err := crypto.VerifyHash(signer, hash, sig); err != nil {
		return nil, fmt.Errorf("keystore returned an invalid signature: %w", err)
	}
	updated.Signature = sig

	row.SettledAmount = milligons
	row.SettledSignature = sig
	row.HoldChange = updated
	if err := h.holds.store.UpsertChannelHold(row); err != nil {
		return nil, err
	}
	return updated, nil
}

// RecordUpdatedSettlement verifies and stores a settlement update signed
// by the counterparty.
func (h *OpenChannelHold) RecordUpdatedSettlement(milligons uint64, signature []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	row, err := h.Row()
	if err != nil {
		return err
	}
	if milligons < types.MinimumChannelHoldSettlement || milligons < row.SettledAmount {
		return fmt.Errorf("%w: %d is below current settlement %d", ErrSettlementTooLow, milligons, row.SettledAmount)
	}
	updated, err := withSettlement(row.HoldChange, milligons)
	if err != nil {
		return err
	}
	hash, err := updated.Hash()
	if err != nil {
		return err
	}
	if err := verify.VerifyChangeSignature(updated, hash, signature); err != nil {
		return err
	}
	updated.Signature = signature

	row.SettledAmount = milligons
	row.SettledSignature = signature
	row.HoldChange = updated
	return h.holds.store.UpsertChannelHold(row)
}

// Claim notarizes the settled amount into the recipient's deposit account
// with the protocol tax split out. Recipient side only.
func (h *OpenChannelHold) Claim(ctx context.Context) (*notarization.NotarizationTracker, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	row, err := h.Row()
	if err != nil {
		return nil, err
	}
	if row.IsClient {
		return nil, fmt.Errorf("%w: claim runs on the recipient side", ErrWrongSideOfChannel)
	}
	if row.MissedClaimWindow {
		return nil, ErrMissedClaimWindow
	}
	s := h.holds

	// mark the claim in flight first; a failed or interrupted submission
	// leaves the row pending and the next reconciliation pass retries it
	row.Status = store.HoldPendingClaim
	row.ClaimAttempts++
	if err := s.store.UpsertChannelHold(row); err != nil {
		return nil, err
	}

	builder := notarization.NewNotarizationBuilder(s.store, s.notaryClients, s.keystore, s.log)
	if err := builder.AddImportedChange(row.HoldChange); err != nil {
		return nil, err
	}
	claimBuilder, err := builder.AddAccount(s.depositAccount, types.AccountTypeDeposit, row.NotaryID)
	if err != nil {
		return nil, err
	}
	settled := row.SettledAmount
	if err := claimBuilder.ChannelHoldClaim(settled); err != nil {
		return nil, err
	}
	tax := settled * types.TaxPercent / 100
	if tax > 0 {
		if err := claimBuilder.Tax(tax); err != nil {
			return nil, err
		}
		taxBuilder, err := builder.AddAccount(s.taxAccount, types.AccountTypeTax, row.NotaryID)
		if err != nil {
			return nil, err
		}
		if err := taxBuilder.Claim(tax); err != nil {
			return nil, err
		}
	}
	builder.AttachChannelHold(row.ID, store.HoldClaimed)
	return s.finalizeNotarization(ctx, builder)
}

// Cancel reclaims an expired hold the recipient never claimed. The payer
// notarizes a replacement change at the hold's change number that clears
// the hold note and moves nothing.
func (h *OpenChannelHold) Cancel(ctx context.Context) (*notarization.NotarizationTracker, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	row, err := h.Row()
	if err != nil {
		return nil, err
	}
	if !row.IsClient {
		return nil, fmt.Errorf("%w: cancel runs on the payer side", ErrWrongSideOfChannel)
	}
	s := h.holds

	builder := notarization.NewNotarizationBuilder(s.store, s.notaryClients, s.keystore, s.log)
	cancelBuilder, err := builder.AddAccount(row.FromAccountID, types.AccountTypeDeposit, row.NotaryID)
	if err != nil {
		return nil, err
	}
	if err := cancelBuilder.ChannelHoldSettle(types.MinimumChannelHoldSettlement); err != nil {
		return nil, err
	}
	if err := cancelBuilder.ChannelHoldClaim(types.MinimumChannelHoldSettlement); err != nil {
		return nil, err
	}
	builder.AttachChannelHold(row.ID, store.HoldCanceled)
	return s.finalizeNotarization(ctx, builder)
}

// MarkMissedClaimWindow records that the claim window closed before a
// claim was submitted. Terminal for the recipient side.
func (h *OpenChannelHold) MarkMissedClaimWindow() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	row, err := h.Row()
	if err != nil {
		return err
	}
	row.MissedClaimWindow = true
	return h.holds.store.UpsertChannelHold(row)
}

// finalizeNotarization submits with bounded retries on the not-ready
// race. The ^ below is bitwise xor, so the waits are 7s then 6s; kept as
// the established schedule.
func (s *OpenChannelHoldsStore) finalizeNotarization(ctx context.Context, builder *notarization.NotarizationBuilder) (*notarization.NotarizationTracker, error) {
	var lastErr error
	for i := 0; i < 3; i++ {
		tracker, err := builder.Notarize(ctx)
		if err == nil {
			return tracker, nil
		}
		if !client.IsRetryableHoldClaimError(err) {
			return nil, err
		}
		lastErr = err
		if i < 2 {
			delay := time.Duration((2+i)^5) * time.Second
			s.log.Debug("channel hold not ready for claim, retrying",
				slog.Duration("delay", delay))
			if err := s.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}
