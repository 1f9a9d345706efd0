package notarization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/milligon/localchain/client"
	"github.com/milligon/localchain/types"
	"github.com/milligon/localchain/verify"
	"github.com/milligon/localchain/wallet/store"
)

var (
	ErrBuilderFinalized  = errors.New("notarization is already finalized")
	ErrCrossNotary       = errors.New("all accounts in a notarization must use the same notary")
	ErrMaxBalanceChanges = errors.New("notarization cannot hold more balance changes")
	ErrMaxBlockVotes     = errors.New("notarization cannot hold more block votes")
	ErrMaxDomains        = errors.New("notarization cannot hold more domain leases")
	ErrAccountRestricted = errors.New("claim account is not an allowed recipient of the send")
	ErrNothingToNotarize = errors.New("notarization is empty")

	// ErrInconsistentState means the notary accepted the notarization but
	// the local write failed. The local ledger is behind a remote
	// commitment; retrying the submission would double-spend.
	ErrInconsistentState = errors.New("notarization was accepted remotely but local persistence failed")
)

// State is the builder's lifecycle phase. Transitions are monotonic.
type State uint8

const (
	StateBuilding State = iota + 1
	StateVerified
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateVerified:
		return "verified"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Keystore signs balance change hashes for locally held accounts.
type Keystore interface {
	SignHash(accountID types.AccountID, hash []byte) ([]byte, error)
}

// NotarizationBuilder assembles one atomic notarization: balance changes
// for any number of local accounts, imported externally signed changes,
// block votes and domain leases, all bound to a single notary.
type NotarizationBuilder struct {
	mu            sync.Mutex
	state         State
	notaryID      uint32
	store         *store.BoltStore
	notaryClients client.NotaryClients
	keystore      Keystore
	log           *slog.Logger

	builders map[types.AccountKey]*accountBuilder
	imported []*types.BalanceChange
	votes    []*types.BlockVote
	leases   []*types.DomainLease
	holds    map[string]store.ChannelHoldStatus
}

type accountBuilder struct {
	account *store.Account
	builder *BalanceChangeBuilder
}

func NewNotarizationBuilder(s *store.BoltStore, notaryClients client.NotaryClients, keystore Keystore, log *slog.Logger) *NotarizationBuilder {
	return &NotarizationBuilder{
		state:         StateBuilding,
		store:         s,
		notaryClients: notaryClients,
		keystore:      keystore,
		log:           log,
		builders:      map[types.AccountKey]*accountBuilder{},
		holds:         map[string]store.ChannelHoldStatus{},
	}
}

// State returns the builder's current lifecycle phase.
func (n *NotarizationBuilder) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// NotaryID returns the notary this notarization is bound to, or 0 when no
// account has been added yet.
func (n *NotarizationBuilder) NotaryID() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.notaryID
}

// AddAccount loads (or registers) the local account and returns its
// in-progress balance change builder. All accounts of one notarization
// must share a notary, and the total number of balance changes is capped.
func (n *NotarizationBuilder) AddAccount(accountID types.AccountID, accountType types.AccountType, notaryID uint32) (*BalanceChangeBuilder, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateFinalized {
		return nil, ErrBuilderFinalized
	}
	key := types.NewAccountKey(accountID, accountType)
	if existing, ok := n.builders[key]; ok {
		if existing.account.NotaryID != notaryID {
			return nil, fmt.Errorf("%w: account %s uses notary %d, requested %d", ErrCrossNotary, accountID, existing.account.NotaryID, notaryID)
		}
		return existing.builder, nil
	}
	if n.notaryID != 0 && n.notaryID != notaryID {
		return nil, fmt.Errorf("%w: notarization uses notary %d, account requested %d", ErrCrossNotary, n.notaryID, notaryID)
	}
	if len(n.builders)+len(n.imported)+1 > types.MaxBalanceChangesPerNotarization {
		return nil, fmt.Errorf("%w (max %d); start a new notarization", ErrMaxBalanceChanges, types.MaxBalanceChangesPerNotarization)
	}

	account, err := n.store.GetAccount(accountID, accountType)
	if errors.Is(err, store.ErrAccountNotFound) {
		account = &store.Account{AccountID: accountID, AccountType: accountType, NotaryID: notaryID}
		if err := n.store.AddAccount(account); err != nil {
			return nil, fmt.Errorf("registering account: %w", err)
		}
	} else if err != nil {
		return nil, err
	} else if account.NotaryID != notaryID {
		return nil, fmt.Errorf("%w: account %s is registered with notary %d, requested %d", ErrCrossNotary, accountID, account.NotaryID, notaryID)
	}

	latest, err := n.store.GetLatestBalanceChange(accountID, accountType)
	if err != nil {
		return nil, err
	}
	changeNumber := uint32(1)
	var proof *types.BalanceProof
	if latest != nil {
		changeNumber = latest.ChangeNumber + 1
		proof = balanceProofFromRow(latest, account.Origin)
	}
	builder := NewBalanceChangeBuilder(accountID, accountType, changeNumber, proof)
	n.builders[key] = &accountBuilder{account: account, builder: builder}
	n.notaryID = notaryID
	return builder, nil
}

func balanceProofFromRow(row *store.BalanceChangeRow, origin *types.AccountOrigin) *types.BalanceProof {
	proof := &types.BalanceProof{
		NotaryID:       row.NotaryID,
		NotebookNumber: row.NotebookNumber,
		Tick:           row.Tick,
		Balance:        row.Balance,
		NotebookProof:  row.Proof,
	}
	if origin != nil {
		proof.AccountOrigin = *origin
	}
	if row.Change != nil {
		proof.ChannelHoldNote = row.Change.ChannelHoldNote
	}
	return proof
}

// AddImportedChange attaches an externally signed balance change, counting
// it against the balance change capacity. The signature is checked before
// acceptance.
func (n *NotarizationBuilder) AddImportedChange(change *types.BalanceChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addImportedChangeLocked(change)
}

func (n *NotarizationBuilder) addImportedChangeLocked(change *types.BalanceChange) error {
	if n.state == StateFinalized {
		return ErrBuilderFinalized
	}
	if len(n.builders)+len(n.imported)+1 > types.MaxBalanceChangesPerNotarization {
		return fmt.Errorf("%w (max %d); start a new notarization", ErrMaxBalanceChanges, types.MaxBalanceChangesPerNotarization)
	}
	hash, err := change.Hash()
	if err != nil {
		return err
	}
	if err := verify.VerifyChangeSignature(change, hash, change.Signature); err != nil {
		return fmt.Errorf("imported balance change: %w", err)
	}
	n.imported = append(n.imported, change)
	return nil
}

// ClaimReceivedBalance imports another party's signed send (the JSON
// produced by ExportForSend), verifies that this wallet is allowed to
// claim it, and folds the funds into the claim account with the protocol
// tax routed to the tax account. Returns the claimed and taxed amounts.
func (n *NotarizationBuilder) ClaimReceivedBalance(changesJSON []byte, claimAccountID, taxAccountID types.AccountID, notaryID uint32) (claimed, tax uint64, err error) {
	changes, err := types.UnmarshalBalanceChanges(changesJSON)
	if err != nil {
		return 0, 0, err
	}
	if err := verify.VerifyChangesetSignatures(changes); err != nil {
		return 0, 0, err
	}

	var total uint64
	for _, change := range changes {
		for i := range change.Notes {
			note := &change.Notes[i]
			if note.NoteType.Kind != types.NoteKindSend {
				continue
			}
			if len(note.NoteType.To) > 0 && !containsAccount(note.NoteType.To, claimAccountID) {
				return 0, 0, fmt.Errorf("%w: send from %s restricts recipients", ErrAccountRestricted, change.AccountID)
			}
			total += note.Milligons
		}
	}
	if total == 0 {
		return 0, 0, errors.New("balance changes contain nothing to claim")
	}

	n.mu.Lock()
	importBase := len(n.imported)
	for _, change := range changes {
		if err := n.addImportedChangeLocked(change); err != nil {
			n.imported = n.imported[:importBase]
			n.mu.Unlock()
			return 0, 0, err
		}
	}
	n.mu.Unlock()

	// a rejected claim or tax account must not leave the sender's changes
	// attached to the notarization
	unwind := func() {
		n.mu.Lock()
		n.imported = n.imported[:importBase]
		n.mu.Unlock()
	}

	tax = total * types.TaxPercent / 100
	claimBuilder, err := n.AddAccount(claimAccountID, types.AccountTypeDeposit, notaryID)
	if err != nil {
		unwind()
		return 0, 0, err
	}
	if err := claimBuilder.Claim(total); err != nil {
		unwind()
		return 0, 0, err
	}
	if tax > 0 {
		if err := claimBuilder.Tax(tax); err != nil {
			unwind()
			return 0, 0, err
		}
		taxBuilder, err := n.AddAccount(taxAccountID, types.AccountTypeTax, notaryID)
		if err != nil {
			unwind()
			return 0, 0, err
		}
		if err := taxBuilder.Claim(tax); err != nil {
			unwind()
			return 0, 0, err
		}
	}
	return total, tax, nil
}

func containsAccount(list []types.AccountID, accountID types.AccountID) bool {
	for _, a := range list {
		if a.Eq(accountID) {
			return true
		}
	}
	return false
}

// AddVote attaches a signed block vote.
func (n *NotarizationBuilder) AddVote(vote *types.BlockVote) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateFinalized {
		return ErrBuilderFinalized
	}
	if len(n.votes)+1 > types.MaxBlockVotesPerNotarization {
		return fmt.Errorf("%w (max %d); start a new notarization", ErrMaxBlockVotes, types.MaxBlockVotesPerNotarization)
	}
	n.votes = append(n.votes, vote)
	return nil
}

// LeaseDomain registers a data domain to paymentAccountID, funding the
// lease from the payer's deposit account.
func (n *NotarizationBuilder) LeaseDomain(payerAccountID types.AccountID, notaryID uint32, domainHash []byte, milligons uint64, paymentAccountID types.AccountID) error {
	n.mu.Lock()
	if n.state == StateFinalized {
		n.mu.Unlock()
		return ErrBuilderFinalized
	}
	if len(n.leases)+1 > types.MaxDomainsPerNotarization {
		n.mu.Unlock()
		return fmt.Errorf("%w (max %d); start a new notarization", ErrMaxDomains, types.MaxDomainsPerNotarization)
	}
	n.mu.Unlock()

	builder, err := n.AddAccount(payerAccountID, types.AccountTypeDeposit, notaryID)
	if err != nil {
		return err
	}
	if err := builder.LeaseDomain(milligons); err != nil {
		return err
	}
	n.mu.Lock()
	n.leases = append(n.leases, &types.DomainLease{DomainHash: domainHash, AccountID: paymentAccountID})
	n.mu.Unlock()
	return nil
}

// AttachChannelHold records that this notarization resolves the given
// hold; on successful submission the hold row is moved to terminalStatus
// in the same write transaction.
func (n *NotarizationBuilder) AttachChannelHold(holdID string, terminalStatus store.ChannelHoldStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.holds[holdID] = terminalStatus
}

// toNotarization assembles the submission view: imported changes first in
// arrival order, then local changes in account order.
func (n *NotarizationBuilder) toNotarization() *types.Notarization {
	changes := append([]*types.BalanceChange(nil), n.imported...)
	locals := n.localBuilders()
	for _, ab := range locals {
		change := ab.builder.Change()
		if len(change.Notes) == 0 {
			continue
		}
		changes = append(changes, change)
	}
	return &types.Notarization{
		BalanceChanges: changes,
		BlockVotes:     append([]*types.BlockVote(nil), n.votes...),
		DomainLeases:   append([]*types.DomainLease(nil), n.leases...),
	}
}

func (n *NotarizationBuilder) localBuilders() []*accountBuilder {
	locals := make([]*accountBuilder, 0, len(n.builders))
	for _, ab := range n.builders {
		locals = append(locals, ab)
	}
	sort.Slice(locals, func(i, j int) bool {
		a, b := locals[i].account, locals[j].account
		if c := string(a.AccountID); c != string(b.AccountID) {
			return c < string(b.AccountID)
		}
		return a.AccountType < b.AccountType
	})
	return locals
}

// Verify runs the conservation check over the accumulated changeset and
// validates every signature already attached. On success the builder
// transitions to Verified.
func (n *NotarizationBuilder) Verify() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.verifyLocked()
}

func (n *NotarizationBuilder) verifyLocked() error {
	if n.state == StateFinalized {
		return ErrBuilderFinalized
	}
	notarization := n.toNotarization()
	if err := verify.VerifyChangesetAllocation(notarization.BalanceChanges); err != nil {
		return err
	}
	var signed []*types.BalanceChange
	for _, change := range notarization.BalanceChanges {
		if len(change.Signature) > 0 {
			signed = append(signed, change)
		}
	}
	if err := verify.VerifyChangesetSignatures(signed); err != nil {
		return err
	}
	n.state = StateVerified
	return nil
}

// Sign requests a signature from the keystore for every local balance
// change still missing one, re-verifying each returned signature before
// accepting it.
func (n *NotarizationBuilder) Sign() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.signLocked()
}

func (n *NotarizationBuilder) signLocked() error {
	if n.state == StateFinalized {
		return ErrBuilderFinalized
	}
	for _, ab := range n.builders {
		if err := ab.builder.SignWith(n.keystore); err != nil {
			return err
		}
	}
	return nil
}

// Notarize signs and verifies the accumulated notarization, submits it to
// the notary, and persists the acceptance transactionally. A submission
// failure leaves the builder Verified so the caller may retry; a local
// write failure after remote acceptance is surfaced as
// ErrInconsistentState and must not be retried.
func (n *NotarizationBuilder) Notarize(ctx context.Context) (*NotarizationTracker, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateFinalized {
		return nil, ErrBuilderFinalized
	}
	if err := n.signLocked(); err != nil {
		return nil, err
	}
	if err := n.verifyLocked(); err != nil {
		return nil, err
	}
	notarization := n.toNotarization()
	if notarization.IsEmpty() {
		return nil, ErrNothingToNotarize
	}

	notaryClient, err := n.notaryClients.Get(n.notaryID)
	if err != nil {
		return nil, err
	}
	result, err := notaryClient.Notarize(ctx, notarization)
	if err != nil {
		return nil, fmt.Errorf("submitting notarization to notary %d: %w", n.notaryID, err)
	}
	n.log.Info("notarization accepted",
		slog.Any("notaryID", n.notaryID),
		slog.Any("notebookNumber", result.NotebookNumber),
		slog.Any("tick", result.Tick))

	tracker, err := n.persistResult(notarization, result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistentState, err)
	}
	n.state = StateFinalized
	return tracker, nil
}

func (n *NotarizationBuilder) persistResult(notarization *types.Notarization, result *client.NotarizeResult) (*NotarizationTracker, error) {
	// bind newly assigned origins to their accounts
	for key, ab := range n.builders {
		if ab.account.Origin != nil {
			continue
		}
		if origin, ok := result.NewAccountOrigins[key]; ok {
			originCopy := origin
			ab.account.Origin = &originCopy
			if err := n.store.AddAccount(ab.account); err != nil {
				return nil, err
			}
		}
	}

	var rows []*store.BalanceChangeRow
	for _, ab := range n.localBuilders() {
		change := ab.builder.Change()
		if len(change.Notes) == 0 {
			continue
		}
		rows = append(rows, &store.BalanceChangeRow{
			AccountID:      change.AccountID,
			AccountType:    change.AccountType,
			ChangeNumber:   change.ChangeNumber,
			Balance:        change.Balance,
			NotaryID:       n.notaryID,
			NotebookNumber: result.NotebookNumber,
			Tick:           result.Tick,
			Status:         store.StatusNotarized,
			Change:         change,
		})
	}

	var holds []*store.ChannelHoldRow
	for id, status := range n.holds {
		row, err := n.store.GetChannelHold(id)
		if err != nil {
			return nil, err
		}
		row.Status = status
		holds = append(holds, row)
	}

	notarizationRow := &store.NotarizationRow{
		NotaryID:       n.notaryID,
		NotebookNumber: result.NotebookNumber,
		Tick:           result.Tick,
		Notarization:   notarization,
	}
	if err := n.store.SaveNotarization(notarizationRow, rows, holds); err != nil {
		return nil, err
	}
	return &NotarizationTracker{
		NotarizationID:    notarizationRow.ID,
		NotaryID:          n.notaryID,
		NotebookNumber:    result.NotebookNumber,
		Tick:              result.Tick,
		Changes:           rows,
		NewAccountOrigins: result.NewAccountOrigins,
	}, nil
}

// ExportForSend signs the accumulated local changes and returns the JSON
// wire format handed to the claiming party. The changes are persisted as
// waiting for the recipient's claim; the notarization is submitted by the
// claimant, not the sender.
func (n *NotarizationBuilder) ExportForSend() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateFinalized {
		return nil, ErrBuilderFinalized
	}
	if err := n.signLocked(); err != nil {
		return nil, err
	}

	var changes []*types.BalanceChange
	var rows []*store.BalanceChangeRow
	for _, ab := range n.localBuilders() {
		change := ab.builder.Change()
		if len(change.Notes) == 0 {
			continue
		}
		changes = append(changes, change)
		rows = append(rows, &store.BalanceChangeRow{
			AccountID:    change.AccountID,
			AccountType:  change.AccountType,
			ChangeNumber: change.ChangeNumber,
			Balance:      change.Balance,
			NotaryID:     n.notaryID,
			Status:       store.StatusWaitingForSendClaim,
			Change:       change,
		})
	}
	if len(changes) == 0 {
		return nil, ErrNothingToNotarize
	}
	for _, row := range rows {
		if err := n.store.SaveBalanceChange(row); err != nil {
			return nil, err
		}
	}
	n.state = StateFinalized
	return types.MarshalBalanceChanges(changes)
}
