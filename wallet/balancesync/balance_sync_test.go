package balancesync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/milligon/localchain/client"
	"github.com/milligon/localchain/crypto"
	"github.com/milligon/localchain/internal/hash"
	"github.com/milligon/localchain/types"
	"github.com/milligon/localchain/wallet/channelhold"
	"github.com/milligon/localchain/wallet/store"
)

type fakeKeystore struct {
	signers map[string]crypto.Signer
}

func newFakeKeystore() *fakeKeystore {
	return &fakeKeystore{signers: map[string]crypto.Signer{}}
}

func (k *fakeKeystore) newAccount(t *testing.T) types.AccountID {
	t.Helper()
	signer, err := crypto.NewInMemorySecp256k1Signer()
	require.NoError(t, err)
	accountID := signer.PublicKey()
	k.signers[accountID.String()] = signer
	return accountID
}

func (k *fakeKeystore) SignHash(accountID types.AccountID, hash []byte) ([]byte, error) {
	signer, ok := k.signers[accountID.String()]
	if !ok {
		return nil, errors.New("unknown account")
	}
	return signer.SignHash(hash)
}

type fakeNotary struct {
	tick         uint64
	notebook     uint32
	tips         map[string][]byte
	notarization *types.Notarization
	proof        *types.NotebookProof
	proofErr     error
	voteBlock    *client.VoteBlockHash
	submitted    []*types.Notarization
	notarizeFn   func(*types.Notarization) (*client.NotarizeResult, error)
}

func (f *fakeNotary) NotaryID() uint32 { return 1 }

func (f *fakeNotary) GetBalanceTip(_ context.Context, accountID types.AccountID, accountType types.AccountType) (*client.BalanceTipResult, error) {
	return &client.BalanceTipResult{
		TipHash:        f.tips[types.NewAccountKey(accountID, accountType).AccountID],
		NotebookNumber: f.notebook,
		Tick:           f.tick,
	}, nil
}

func (f *fakeNotary) GetAccountOrigin(context.Context, types.AccountID, types.AccountType) (types.AccountOrigin, error) {
	return types.AccountOrigin{}, errors.New("not implemented")
}

func (f *fakeNotary) GetNotarization(context.Context, types.AccountID, types.AccountType, uint32, uint32) (*types.Notarization, error) {
	if f.notarization == nil {
		return nil, errors.New("no notarization recorded")
	}
	return f.notarization, nil
}

func (f *fakeNotary) GetBalanceProof(context.Context, uint32, *types.BalanceTip) (*types.NotebookProof, error) {
	if f.proofErr != nil {
		return nil, f.proofErr
	}
	return f.proof, nil
}

func (f *fakeNotary) Notarize(_ context.Context, notarization *types.Notarization) (*client.NotarizeResult, error) {
	if f.notarizeFn != nil {
		result, err := f.notarizeFn(notarization)
		if err != nil {
			return nil, err
		}
		f.submitted = append(f.submitted, notarization)
		return result, nil
	}
	f.submitted = append(f.submitted, notarization)
	origins := map[types.AccountKey]types.AccountOrigin{}
	for i, change := range notarization.BalanceChanges {
		if change.ChangeNumber == 1 {
			origins[types.NewAccountKey(change.AccountID, change.AccountType)] = types.AccountOrigin{
				NotebookNumber: f.notebook,
				AccountUID:     uint32(i + 1),
			}
		}
	}
	return &client.NotarizeResult{
		NotarizationID:    uint64(len(f.submitted)),
		NotebookNumber:    f.notebook,
		Tick:              f.tick,
		NewAccountOrigins: origins,
	}, nil
}

func (f *fakeNotary) GetVoteBlockHash(context.Context, uint64) (*client.VoteBlockHash, error) {
	return f.voteBlock, nil
}

type fakeNotaryClients struct {
	notary *fakeNotary
}

func (f *fakeNotaryClients) Get(uint32) (client.NotaryClient, error) {
	return f.notary, nil
}

type fakeMainchain struct {
	latestNotebook uint32
	finalized      uint32
	roots          map[uint32][]byte
	transfers      map[uint32]*client.TransferToLocalchain
}

func (f *fakeMainchain) GetLatestNotebook(context.Context, uint32) (uint32, error) {
	return f.latestNotebook, nil
}

func (f *fakeMainchain) LatestFinalizedNumber(context.Context) (uint32, error) {
	return f.finalized, nil
}

func (f *fakeMainchain) GetAccountChangesRoot(_ context.Context, _ uint32, notebookNumber uint32) ([]byte, error) {
	return f.roots[notebookNumber], nil
}

func (f *fakeMainchain) GetTransferToLocalchain(_ context.Context, _ types.AccountID, transferNonce uint32) (*client.TransferToLocalchain, error) {
	transfer, ok := f.transfers[transferNonce]
	if !ok {
		return nil, errors.New("transfer not found")
	}
	return transfer, nil
}

func (f *fakeMainchain) GetVoteBlockHash(context.Context, uint64) (*client.VoteBlockHash, error) {
	return nil, errors.New("not implemented")
}

type testWallet struct {
	store     *store.BoltStore
	keystore  *fakeKeystore
	notary    *fakeNotary
	mainchain *fakeMainchain
	deposit   types.AccountID
	tax       types.AccountID
}

func newTestWallet(t *testing.T, notary *fakeNotary, mainchain *fakeMainchain) *testWallet {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	keystore := newFakeKeystore()
	return &testWallet{
		store:     s,
		keystore:  keystore,
		notary:    notary,
		mainchain: mainchain,
		deposit:   keystore.newAccount(t),
		tax:       keystore.newAccount(t),
	}
}

func (w *testWallet) sync(options Options) *BalanceSync {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clients := &fakeNotaryClients{notary: w.notary}
	holds := channelhold.NewOpenChannelHoldsStore(w.store, clients, w.keystore, 1, w.deposit, w.tax, log)
	return New(w.store, clients, w.mainchain, w.keystore, holds, 1, w.deposit, w.tax, options, log)
}

func (w *testWallet) holds() *channelhold.OpenChannelHoldsStore {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clients := &fakeNotaryClients{notary: w.notary}
	return channelhold.NewOpenChannelHoldsStore(w.store, clients, w.keystore, 1, w.deposit, w.tax, log)
}

// seedAccount registers an account with a known origin and a persisted
// balance change in the given pipeline state.
func seedAccount(t *testing.T, w *testWallet, accountID types.AccountID, accountType types.AccountType, balance uint64, status store.BalanceChangeStatus, jump bool) *store.BalanceChangeRow {
	t.Helper()
	origin := types.AccountOrigin{NotebookNumber: 1, AccountUID: 1}
	require.NoError(t, w.store.AddAccount(&store.Account{
		AccountID:   accountID,
		AccountType: accountType,
		NotaryID:    1,
		Origin:      &origin,
		JumpAccount: jump,
	}))
	change := &types.BalanceChange{
		AccountID:    accountID,
		AccountType:  accountType,
		ChangeNumber: 1,
		Balance:      balance,
	}
	row := &store.BalanceChangeRow{
		AccountID:      accountID,
		AccountType:    accountType,
		ChangeNumber:   1,
		Balance:        balance,
		NotaryID:       1,
		NotebookNumber: 1,
		Tick:           5,
		Status:         status,
		Change:         change,
	}
	require.NoError(t, w.store.SaveBalanceChange(row))
	tipHash, err := change.Tip(origin).Hash()
	require.NoError(t, err)
	w.notary.tips[types.NewAccountKey(accountID, accountType).AccountID] = tipHash
	return row
}

func TestSyncPromotesSentChangeToImmortalized(t *testing.T) {
	notary := &fakeNotary{tick: 30, notebook: 3, tips: map[string][]byte{}}
	mainchain := &fakeMainchain{roots: map[uint32][]byte{}}
	w := newTestWallet(t, notary, mainchain)

	row := seedAccount(t, w, w.deposit, types.AccountTypeDeposit, 400, store.StatusWaitingForSendClaim, false)
	notary.notarization = &types.Notarization{BalanceChanges: []*types.BalanceChange{row.Change}}
	notary.proof = &types.NotebookProof{NotebookNumber: 3, NumberOfLeaves: 1}

	result, err := w.sync(Options{}).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.BalanceChangesSynced)

	row, err = w.store.GetBalanceChange(row.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusInNotebook, row.Status)
	require.EqualValues(t, 3, row.NotebookNumber)
	require.EqualValues(t, 30, row.Tick)
	require.NotNil(t, row.Proof)
	require.NotZero(t, row.NotarizationID)

	// the mainchain finalizes the notebook: a single-leaf proof means the
	// changed accounts root is the tip hash itself
	origin := types.AccountOrigin{NotebookNumber: 1, AccountUID: 1}
	tipHash, err := row.Change.Tip(origin).Hash()
	require.NoError(t, err)
	mainchain.latestNotebook = 3
	mainchain.finalized = 10
	mainchain.roots[3] = tipHash

	result, err = w.sync(Options{}).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.BalanceChangesSynced)

	row, err = w.store.GetBalanceChange(row.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusImmortalized, row.Status)
	require.EqualValues(t, 10, row.FinalizedBlockNumber)
}

func TestSyncWaitsOutUnfinalizedNotebook(t *testing.T) {
	notary := &fakeNotary{tick: 30, notebook: 2, tips: map[string][]byte{}}
	mainchain := &fakeMainchain{roots: map[uint32][]byte{}}
	w := newTestWallet(t, notary, mainchain)

	row := seedAccount(t, w, w.deposit, types.AccountTypeDeposit, 400, store.StatusNotarized, false)
	notary.proofErr = client.ErrNotebookNotFinalized

	result, err := w.sync(Options{}).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.BalanceChangesSynced)

	row, err = w.store.GetBalanceChange(row.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusNotarized, row.Status)
}

func TestSyncMarksSupersededChange(t *testing.T) {
	notary := &fakeNotary{tick: 30, notebook: 2, tips: map[string][]byte{}}
	mainchain := &fakeMainchain{roots: map[uint32][]byte{}}
	w := newTestWallet(t, notary, mainchain)

	stale := seedAccount(t, w, w.deposit, types.AccountTypeDeposit, 400, store.StatusNotarized, false)
	replacement := &store.BalanceChangeRow{
		AccountID:    w.deposit,
		AccountType:  types.AccountTypeDeposit,
		ChangeNumber: 2,
		Balance:      300,
		NotaryID:     1,
		Status:       store.StatusNotarized,
		Change: &types.BalanceChange{
			AccountID:    w.deposit,
			AccountType:  types.AccountTypeDeposit,
			ChangeNumber: 2,
			Balance:      300,
		},
	}
	require.NoError(t, w.store.SaveBalanceChange(replacement))
	notary.proofErr = client.ErrNotebookNotFinalized

	_, err := w.sync(Options{}).Sync(context.Background())
	require.NoError(t, err)

	stale, err = w.store.GetBalanceChange(stale.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusSuperseded, stale.Status)
}

func TestConsolidateJumpAccounts(t *testing.T) {
	notary := &fakeNotary{tick: 30, notebook: 2, tips: map[string][]byte{}}
	mainchain := &fakeMainchain{roots: map[uint32][]byte{}}
	w := newTestWallet(t, notary, mainchain)

	jump := w.keystore.newAccount(t)
	seedAccount(t, w, jump, types.AccountTypeDeposit, 100, store.StatusImmortalized, true)

	// a jump account with an open hold is left alone
	held := w.keystore.newAccount(t)
	heldRow := seedAccount(t, w, held, types.AccountTypeDeposit, 50, store.StatusImmortalized, true)
	require.NoError(t, w.store.UpsertChannelHold(&store.ChannelHoldRow{
		ID:             "chan1heldtest",
		IsClient:       true,
		FromAccountID:  held,
		Recipient:      w.deposit,
		NotaryID:       1,
		ExpirationTick: 1000,
		SettledAmount:  types.MinimumChannelHoldSettlement,
		HoldChange:     heldRow.Change,
		Status:         store.HoldOpen,
	}))

	result, err := w.sync(Options{}).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.JumpAccountsSwept)
	require.Len(t, notary.submitted, 1)
	require.Len(t, notary.submitted[0].BalanceChanges, 3)

	latest, err := w.store.GetLatestBalanceChange(jump, types.AccountTypeDeposit)
	require.NoError(t, err)
	require.EqualValues(t, 2, latest.ChangeNumber)
	require.EqualValues(t, 0, latest.Balance)

	deposit, err := w.store.GetLatestBalanceChange(w.deposit, types.AccountTypeDeposit)
	require.NoError(t, err)
	require.EqualValues(t, 80, deposit.Balance)

	tax, err := w.store.GetLatestBalanceChange(w.tax, types.AccountTypeTax)
	require.NoError(t, err)
	require.EqualValues(t, 20, tax.Balance)

	untouched, err := w.store.GetLatestBalanceChange(held, types.AccountTypeDeposit)
	require.NoError(t, err)
	require.EqualValues(t, 50, untouched.Balance)
}

func TestSyncClaimsReadyMainchainTransfers(t *testing.T) {
	notary := &fakeNotary{tick: 30, notebook: 2, tips: map[string][]byte{}}
	mainchain := &fakeMainchain{
		roots:     map[uint32][]byte{},
		transfers: map[uint32]*client.TransferToLocalchain{},
	}
	w := newTestWallet(t, notary, mainchain)

	require.NoError(t, w.store.SaveMainchainTransfer(&store.MainchainTransferRow{
		AccountID:     w.deposit,
		TransferNonce: 7,
		Amount:        250,
	}))
	require.NoError(t, w.store.SaveMainchainTransfer(&store.MainchainTransferRow{
		AccountID:     w.deposit,
		TransferNonce: 8,
		Amount:        90,
	}))
	mainchain.transfers[7] = &client.TransferToLocalchain{AccountID: w.deposit, Amount: 250, TransferNonce: 7, Ready: true}
	mainchain.transfers[8] = &client.TransferToLocalchain{AccountID: w.deposit, Amount: 90, TransferNonce: 8}

	result, err := w.sync(Options{}).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.TransfersClaimed)

	latest, err := w.store.GetLatestBalanceChange(w.deposit, types.AccountTypeDeposit)
	require.NoError(t, err)
	require.EqualValues(t, 250, latest.Balance)

	unclaimed, err := w.store.GetUnclaimedMainchainTransfers()
	require.NoError(t, err)
	require.Len(t, unclaimed, 1)
	require.EqualValues(t, 8, unclaimed[0].TransferNonce)
}

func TestConvertTaxToVotes(t *testing.T) {
	notary := &fakeNotary{tick: 30, notebook: 2, tips: map[string][]byte{}}
	mainchain := &fakeMainchain{roots: map[uint32][]byte{}}
	w := newTestWallet(t, notary, mainchain)

	seedAccount(t, w, w.tax, types.AccountTypeTax, 100, store.StatusImmortalized, false)
	blockHash := hash.Sum256([]byte("block"))
	notary.voteBlock = &client.VoteBlockHash{BlockHash: blockHash, VoteMinimum: 10}
	votesAddress := w.keystore.newAccount(t)

	result, err := w.sync(Options{VotesAddress: votesAddress, MaxVotesPerTick: 3}).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, result.BlockVotesSubmitted)

	require.Len(t, notary.submitted, 1)
	submitted := notary.submitted[0]
	require.Len(t, submitted.BlockVotes, 3)
	for i, vote := range submitted.BlockVotes {
		require.EqualValues(t, i, vote.Index)
		require.EqualValues(t, 10, vote.Power)
		require.EqualValues(t, 30, vote.Tick)
		require.Equal(t, blockHash, vote.BlockHash)
		sigBytes, err := vote.SigBytes()
		require.NoError(t, err)
		require.NoError(t, crypto.VerifyHash(w.tax, hash.Sum256(sigBytes), vote.Signature))
	}

	latest, err := w.store.GetLatestBalanceChange(w.tax, types.AccountTypeTax)
	require.NoError(t, err)
	require.EqualValues(t, 70, latest.Balance)
}

func TestConvertTaxToVotesRetriesStaleTickOnce(t *testing.T) {
	notary := &fakeNotary{tick: 30, notebook: 2, tips: map[string][]byte{}}
	mainchain := &fakeMainchain{roots: map[uint32][]byte{}}
	w := newTestWallet(t, notary, mainchain)

	seedAccount(t, w, w.tax, types.AccountTypeTax, 50, store.StatusImmortalized, false)
	notary.voteBlock = &client.VoteBlockHash{BlockHash: hash.Sum256([]byte("block")), VoteMinimum: 10}

	attempts := 0
	notary.notarizeFn = func(*types.Notarization) (*client.NotarizeResult, error) {
		attempts++
		if attempts == 1 {
			return nil, client.ErrInvalidBlockVoteTick
		}
		return &client.NotarizeResult{NotarizationID: 1, NotebookNumber: 2, Tick: notary.tick}, nil
	}

	result, err := w.sync(Options{VotesAddress: w.keystore.newAccount(t), MaxVotesPerTick: 100}).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, 5, result.BlockVotesSubmitted)
}

func TestConvertTaxToVotesDoesNotRetryOtherFailures(t *testing.T) {
	notary := &fakeNotary{tick: 30, notebook: 2, tips: map[string][]byte{}}
	mainchain := &fakeMainchain{roots: map[uint32][]byte{}}
	w := newTestWallet(t, notary, mainchain)

	seedAccount(t, w, w.tax, types.AccountTypeTax, 50, store.StatusImmortalized, false)
	notary.voteBlock = &client.VoteBlockHash{BlockHash: hash.Sum256([]byte("block")), VoteMinimum: 10}

	attempts := 0
	notary.notarizeFn = func(*types.Notarization) (*client.NotarizeResult, error) {
		attempts++
		return nil, errors.New("notary unavailable")
	}

	result, err := w.sync(Options{VotesAddress: w.keystore.newAccount(t), MaxVotesPerTick: 100}).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
	require.Equal(t, 0, result.BlockVotesSubmitted)
}

func TestExpiredClientHoldResyncsWhenClaimed(t *testing.T) {
	notary := &fakeNotary{tick: 40, notebook: 2, tips: map[string][]byte{}}
	mainchain := &fakeMainchain{roots: map[uint32][]byte{}}
	w := newTestWallet(t, notary, mainchain)

	seedAccount(t, w, w.deposit, types.AccountTypeDeposit, 1000, store.StatusImmortalized, false)
	hold, err := w.holds().OpenClientChannelHold(context.Background(), w.deposit, w.keystore.newAccount(t), nil, nil)
	require.NoError(t, err)
	row, err := hold.Row()
	require.NoError(t, err)

	// the recipient claimed: the notary's tip for the account moved to the
	// hold change itself
	notary.tick = row.ExpirationTick + types.ChannelHoldClawbackTicks + 1
	origin := types.AccountOrigin{NotebookNumber: 1, AccountUID: 1}
	holdTip, err := row.HoldChange.Tip(origin).Hash()
	require.NoError(t, err)
	notary.tips[types.NewAccountKey(w.deposit, types.AccountTypeDeposit).AccountID] = holdTip
	notary.notarization = &types.Notarization{BalanceChanges: []*types.BalanceChange{row.HoldChange}}
	notary.proofErr = client.ErrNotebookNotFinalized

	result, err := w.sync(Options{}).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.ChannelHoldsResolved)
	require.Empty(t, notary.submitted)

	row, err = hold.Row()
	require.NoError(t, err)
	require.Equal(t, store.HoldClaimed, row.Status)

	latest, err := w.store.GetLatestBalanceChange(w.deposit, types.AccountTypeDeposit)
	require.NoError(t, err)
	require.EqualValues(t, 2, latest.ChangeNumber)
	require.Equal(t, store.StatusNotarized, latest.Status)
}

func TestExpiredClientHoldCancelsWhenUnclaimed(t *testing.T) {
	notary := &fakeNotary{tick: 40, notebook: 2, tips: map[string][]byte{}}
	mainchain := &fakeMainchain{roots: map[uint32][]byte{}}
	w := newTestWallet(t, notary, mainchain)

	seedAccount(t, w, w.deposit, types.AccountTypeDeposit, 1000, store.StatusImmortalized, false)
	hold, err := w.holds().OpenClientChannelHold(context.Background(), w.deposit, w.keystore.newAccount(t), nil, nil)
	require.NoError(t, err)
	row, err := hold.Row()
	require.NoError(t, err)

	notary.tick = row.ExpirationTick + types.ChannelHoldClawbackTicks + 1

	result, err := w.sync(Options{}).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.ChannelHoldsResolved)
	require.Len(t, notary.submitted, 1)

	row, err = hold.Row()
	require.NoError(t, err)
	require.Equal(t, store.HoldCanceled, row.Status)

	latest, err := w.store.GetLatestBalanceChange(w.deposit, types.AccountTypeDeposit)
	require.NoError(t, err)
	require.EqualValues(t, 2, latest.ChangeNumber)
	require.EqualValues(t, 1000, latest.Balance)
}

func TestExpiredServerHoldClaimsBeforeClawback(t *testing.T) {
	notary := &fakeNotary{tick: 40, notebook: 2, tips: map[string][]byte{}}
	mainchain := &fakeMainchain{roots: map[uint32][]byte{}}
	payer := newTestWallet(t, notary, mainchain)
	payee := newTestWallet(t, notary, mainchain)

	seedAccount(t, payer, payer.deposit, types.AccountTypeDeposit, 1000, store.StatusImmortalized, false)
	clientHold, err := payer.holds().OpenClientChannelHold(context.Background(), payer.deposit, payee.deposit, nil, nil)
	require.NoError(t, err)
	exported, err := clientHold.Export()
	require.NoError(t, err)
	serverHold, err := payee.holds().ImportChannelHold(context.Background(), exported)
	require.NoError(t, err)

	row, err := serverHold.Row()
	require.NoError(t, err)
	notary.tick = row.ExpirationTick

	result, err := payee.sync(Options{}).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.ChannelHoldsResolved)

	row, err = serverHold.Row()
	require.NoError(t, err)
	require.Equal(t, store.HoldClaimed, row.Status)

	deposit, err := payee.store.GetLatestBalanceChange(payee.deposit, types.AccountTypeDeposit)
	require.NoError(t, err)
	require.EqualValues(t, 4, deposit.Balance)
	tax, err := payee.store.GetLatestBalanceChange(payee.tax, types.AccountTypeTax)
	require.NoError(t, err)
	require.EqualValues(t, 1, tax.Balance)
}

func TestExpiredServerHoldMarksMissedWindow(t *testing.T) {
	notary := &fakeNotary{tick: 40, notebook: 2, tips: map[string][]byte{}}
	mainchain := &fakeMainchain{roots: map[uint32][]byte{}}
	payer := newTestWallet(t, notary, mainchain)
	payee := newTestWallet(t, notary, mainchain)

	seedAccount(t, payer, payer.deposit, types.AccountTypeDeposit, 1000, store.StatusImmortalized, false)
	clientHold, err := payer.holds().OpenClientChannelHold(context.Background(), payer.deposit, payee.deposit, nil, nil)
	require.NoError(t, err)
	exported, err := clientHold.Export()
	require.NoError(t, err)
	serverHold, err := payee.holds().ImportChannelHold(context.Background(), exported)
	require.NoError(t, err)

	row, err := serverHold.Row()
	require.NoError(t, err)
	notary.tick = row.ExpirationTick + types.ChannelHoldClawbackTicks + 1

	result, err := payee.sync(Options{}).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.ChannelHoldsResolved)
	require.Empty(t, notary.submitted)

	row, err = serverHold.Row()
	require.NoError(t, err)
	require.True(t, row.MissedClaimWindow)
}
