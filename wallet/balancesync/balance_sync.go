package balancesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/milligon/localchain/client"
	"github.com/milligon/localchain/internal/hash"
	"github.com/milligon/localchain/logger"
	"github.com/milligon/localchain/types"
	"github.com/milligon/localchain/wallet/channelhold"
	"github.com/milligon/localchain/wallet/notarization"
	"github.com/milligon/localchain/wallet/store"
)

var ErrMissingAccountOrigin = errors.New("account origin is unknown at the notary")

// Options tunes optional reconciliation behavior.
type Options struct {
	// VotesAddress enables tax-to-votes conversion when set.
	VotesAddress types.AccountID
	// MaxVotesPerTick bounds how many block votes one pass creates per
	// tax account.
	MaxVotesPerTick uint64
}

// BalanceSync drives the wallet's reconciliation against the notary and
// the mainchain. All passes run under one process-wide mutex: only one
// reconciliation runs at a time per wallet, which removes races between
// concurrent syncs resolving the same change or hold.
type BalanceSync struct {
	mu sync.Mutex

	store          *store.BoltStore
	notaryClients  client.NotaryClients
	mainchain      client.MainchainClient
	keystore       notarization.Keystore
	holds          *channelhold.OpenChannelHoldsStore
	notaryID       uint32
	depositAccount types.AccountID
	taxAccount     types.AccountID
	options        Options
	log            *slog.Logger
}

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	BalanceChangesSynced int
	ChannelHoldsResolved int
	JumpAccountsSwept    int
	TransfersClaimed     int
	BlockVotesSubmitted  int
}

func New(
	s *store.BoltStore,
	notaryClients client.NotaryClients,
	mainchain client.MainchainClient,
	keystore notarization.Keystore,
	holds *channelhold.OpenChannelHoldsStore,
	notaryID uint32,
	depositAccount, taxAccount types.AccountID,
	options Options,
	log *slog.Logger,
) *BalanceSync {
	return &BalanceSync{
		store:          s,
		notaryClients:  notaryClients,
		mainchain:      mainchain,
		keystore:       keystore,
		holds:          holds,
		notaryID:       notaryID,
		depositAccount: depositAccount,
		taxAccount:     taxAccount,
		options:        options,
		log:            log,
	}
}

// Sync runs one full reconciliation pass. Errors on individual changes,
// holds or transfers are logged and skipped; one bad item never blocks
// the rest of the pass.
func (s *BalanceSync) Sync(ctx context.Context) (*SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &SyncResult{}
	if err := s.syncUnsettledBalances(ctx, result); err != nil {
		return result, err
	}
	if err := s.processPendingChannelHolds(ctx, result); err != nil {
		return result, err
	}
	if err := s.consolidateJumpAccounts(ctx, result); err != nil {
		return result, err
	}
	if err := s.syncMainchainTransfers(ctx, result); err != nil {
		return result, err
	}
	if len(s.options.VotesAddress) > 0 {
		if err := s.convertTaxToVotes(ctx, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// StartSyncJob schedules Sync on the given cron spec (e.g. "@every 1m")
// and returns a stop function.
func (s *BalanceSync) StartSyncJob(ctx context.Context, schedule string) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := s.Sync(ctx); err != nil {
			s.log.Error("scheduled sync failed", logger.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func (s *BalanceSync) syncUnsettledBalances(ctx context.Context, result *SyncResult) error {
	rows, err := s.store.GetPendingBalanceChanges()
	if err != nil {
		return err
	}
	for _, row := range rows {
		err := s.syncBalanceChange(ctx, row)
		switch {
		case err == nil:
			result.BalanceChangesSynced++
		case client.IsNotebookFinalizationError(err):
			// expected polling miss, the next pass retries
			s.log.Debug("notebook not finalized yet",
				logger.Account(row.AccountID), logger.Notebook(row.NotebookNumber))
		default:
			s.log.Warn("failed to sync balance change",
				logger.Account(row.AccountID), logger.Error(err))
		}
	}
	return nil
}

// syncBalanceChange advances one pending change through the pipeline as
// far as the notary and mainchain state allow. It never regresses a
// status; "not yet" conditions leave the row untouched.
func (s *BalanceSync) syncBalanceChange(ctx context.Context, row *store.BalanceChangeRow) error {
	superseded, err := s.checkIfSuperseded(row)
	if err != nil || superseded {
		return err
	}

	switch row.Status {
	case store.StatusWaitingForSendClaim:
		return s.checkNotary(ctx, row)
	case store.StatusNotarized:
		return s.syncNotebookProof(ctx, row)
	case store.StatusNotebookPublished, store.StatusInNotebook:
		return s.checkImmortalized(ctx, row)
	}
	return nil
}

// checkIfSuperseded marks a change replaced by a later notarized change
// for the same account; the later change's sync subsumes it.
func (s *BalanceSync) checkIfSuperseded(row *store.BalanceChangeRow) (bool, error) {
	latest, err := s.store.GetLatestBalanceChange(row.AccountID, row.AccountType)
	if err != nil {
		return false, err
	}
	if latest == nil || latest.ID == row.ID || latest.ChangeNumber <= row.ChangeNumber {
		return false, nil
	}
	row.Status = store.StatusSuperseded
	return true, s.store.UpdateBalanceChange(row)
}

func (s *BalanceSync) accountOrigin(ctx context.Context, row *store.BalanceChangeRow) (*types.AccountOrigin, error) {
	account, err := s.store.GetAccount(row.AccountID, row.AccountType)
	if err != nil {
		return nil, err
	}
	if account.Origin != nil {
		return account.Origin, nil
	}
	notaryClient, err := s.notaryClients.Get(row.NotaryID)
	if err != nil {
		return nil, err
	}
	origin, err := notaryClient.GetAccountOrigin(ctx, row.AccountID, row.AccountType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingAccountOrigin, err)
	}
	account.Origin = &origin
	if err := s.store.AddAccount(account); err != nil {
		return nil, err
	}
	return account.Origin, nil
}

// checkNotary polls the notary for a sent change the recipient was
// expected to claim. A tip mismatch means not yet visible, not an error.
func (s *BalanceSync) checkNotary(ctx context.Context, row *store.BalanceChangeRow) error {
	origin, err := s.accountOrigin(ctx, row)
	if err != nil {
		return err
	}
	notaryClient, err := s.notaryClients.Get(row.NotaryID)
	if err != nil {
		return err
	}
	tip, err := notaryClient.GetBalanceTip(ctx, row.AccountID, row.AccountType)
	if err != nil {
		return err
	}
	expected, err := row.Change.Tip(*origin).Hash()
	if err != nil {
		return err
	}
	if !bytes.Equal(expected, tip.TipHash) {
		s.log.Debug("balance change not yet visible at the notary",
			logger.Account(row.AccountID), logger.Tick(tip.Tick))
		return nil
	}

	notarized, err := notaryClient.GetNotarization(ctx, row.AccountID, row.AccountType, tip.NotebookNumber, row.ChangeNumber)
	if err != nil {
		return err
	}
	notarizationRow := &store.NotarizationRow{
		NotaryID:       row.NotaryID,
		NotebookNumber: tip.NotebookNumber,
		Tick:           tip.Tick,
		Notarization:   notarized,
	}
	row.NotebookNumber = tip.NotebookNumber
	row.Tick = tip.Tick
	row.Status = store.StatusNotebookPublished
	if err := s.store.SaveNotarization(notarizationRow, []*store.BalanceChangeRow{row}, nil); err != nil {
		return err
	}
	return s.syncNotebookProof(ctx, row)
}

// syncNotebookProof fetches the merkle proof of the change's tip in its
// notebook. NotebookNotFinalized propagates to the caller, which treats
// it as a polling miss.
func (s *BalanceSync) syncNotebookProof(ctx context.Context, row *store.BalanceChangeRow) error {
	origin, err := s.accountOrigin(ctx, row)
	if err != nil {
		return err
	}
	notaryClient, err := s.notaryClients.Get(row.NotaryID)
	if err != nil {
		return err
	}
	proof, err := notaryClient.GetBalanceProof(ctx, row.NotebookNumber, row.Change.Tip(*origin))
	if err != nil {
		return err
	}
	row.Proof = proof
	row.Status = store.StatusInNotebook
	return s.store.UpdateBalanceChange(row)
}

// checkImmortalized promotes a change once the mainchain has finalized
// its notebook and the inclusion proof checks out against the mainchain's
// own record of the changed accounts root.
func (s *BalanceSync) checkImmortalized(ctx context.Context, row *store.BalanceChangeRow) error {
	latestNotebook, err := s.mainchain.GetLatestNotebook(ctx, row.NotaryID)
	if err != nil {
		return err
	}
	if latestNotebook < row.NotebookNumber {
		return nil
	}
	finalized, err := s.mainchain.LatestFinalizedNumber(ctx)
	if err != nil {
		return err
	}
	root, err := s.mainchain.GetAccountChangesRoot(ctx, row.NotaryID, row.NotebookNumber)
	if err != nil {
		return err
	}
	if root == nil {
		return nil
	}
	if row.Status == store.StatusNotebookPublished {
		// proof was not fetched yet, pick it up first
		if err := s.syncNotebookProof(ctx, row); err != nil {
			return err
		}
	}
	origin, err := s.accountOrigin(ctx, row)
	if err != nil {
		return err
	}
	tipHash, err := row.Change.Tip(*origin).Hash()
	if err != nil {
		return err
	}
	if !row.Proof.Verify(root, tipHash) {
		return fmt.Errorf("notebook %d inclusion proof does not verify against the mainchain root", row.NotebookNumber)
	}
	row.Status = store.StatusImmortalized
	row.FinalizedBlockNumber = finalized
	if err := s.store.UpdateBalanceChange(row); err != nil {
		return err
	}
	s.log.Info("balance change immortalized",
		logger.Account(row.AccountID), logger.Notebook(row.NotebookNumber),
		logger.FinalizedBlock(finalized))
	return nil
}

func (s *BalanceSync) processPendingChannelHolds(ctx context.Context, result *SyncResult) error {
	open, err := s.store.GetOpenChannelHolds()
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}
	notaryClient, err := s.notaryClients.Get(s.notaryID)
	if err != nil {
		return err
	}
	tip, err := notaryClient.GetBalanceTip(ctx, s.depositAccount, types.AccountTypeDeposit)
	if err != nil {
		return err
	}
	currentTick := tip.Tick

	claimable, err := s.holds.GetClaimable(currentTick)
	if err != nil {
		return err
	}
	for _, hold := range claimable {
		resolved, err := s.resolveChannelHold(ctx, hold, currentTick)
		if err != nil {
			s.log.Warn("failed to resolve channel hold", logger.Hold(hold.ID()), logger.Error(err))
			continue
		}
		if resolved {
			result.ChannelHoldsResolved++
		}
	}
	return nil
}

func (s *BalanceSync) resolveChannelHold(ctx context.Context, hold *channelhold.OpenChannelHold, currentTick uint64) (bool, error) {
	row, err := hold.Row()
	if err != nil {
		return false, err
	}
	pastClawback := currentTick > row.ExpirationTick+types.ChannelHoldClawbackTicks

	if !row.IsClient {
		if pastClawback {
			s.log.Warn("channel hold claim window missed", logger.Hold(row.ID))
			return true, hold.MarkMissedClaimWindow()
		}
		_, err := hold.Claim(ctx)
		return err == nil, err
	}

	if !pastClawback {
		// the recipient still has time to claim
		return false, nil
	}
	claimed, err := s.resyncClaimedHold(ctx, row)
	if err != nil || claimed {
		return claimed, err
	}
	_, err = hold.Cancel(ctx)
	return err == nil, err
}

// resyncClaimedHold detects that the recipient already claimed the hold:
// the payer account's tip at the notary has moved to the hold's change.
// In that case the claim notarization is pulled down instead of issuing a
// cancellation.
func (s *BalanceSync) resyncClaimedHold(ctx context.Context, row *store.ChannelHoldRow) (bool, error) {
	notaryClient, err := s.notaryClients.Get(row.NotaryID)
	if err != nil {
		return false, err
	}
	tip, err := notaryClient.GetBalanceTip(ctx, row.FromAccountID, types.AccountTypeDeposit)
	if err != nil {
		return false, err
	}
	account, err := s.store.GetAccount(row.FromAccountID, types.AccountTypeDeposit)
	if err != nil {
		return false, err
	}
	var origin types.AccountOrigin
	if account.Origin != nil {
		origin = *account.Origin
	}
	holdTipHash, err := row.HoldChange.Tip(origin).Hash()
	if err != nil {
		return false, err
	}
	if !bytes.Equal(holdTipHash, tip.TipHash) {
		return false, nil
	}

	notarized, err := notaryClient.GetNotarization(ctx, row.FromAccountID, types.AccountTypeDeposit, tip.NotebookNumber, row.HoldChange.ChangeNumber)
	if err != nil {
		return false, err
	}
	changeRow := &store.BalanceChangeRow{
		AccountID:      row.FromAccountID,
		AccountType:    types.AccountTypeDeposit,
		ChangeNumber:   row.HoldChange.ChangeNumber,
		Balance:        row.HoldChange.Balance,
		NotaryID:       row.NotaryID,
		NotebookNumber: tip.NotebookNumber,
		Tick:           tip.Tick,
		Status:         store.StatusNotarized,
		Change:         row.HoldChange,
	}
	notarizationRow := &store.NotarizationRow{
		NotaryID:       row.NotaryID,
		NotebookNumber: tip.NotebookNumber,
		Tick:           tip.Tick,
		Notarization:   notarized,
	}
	row.Status = store.HoldClaimed
	if err := s.store.SaveNotarization(notarizationRow, []*store.BalanceChangeRow{changeRow}, []*store.ChannelHoldRow{row}); err != nil {
		return false, err
	}
	s.log.Info("channel hold was claimed by the recipient", logger.Hold(row.ID))
	return true, nil
}

// consolidateJumpAccounts sweeps every jump account with a balance and no
// open hold back into the canonical deposit account, taking tax on the
// way. Accounts are swept in parallel; a failed sweep is retried on the
// next pass.
func (s *BalanceSync) consolidateJumpAccounts(ctx context.Context, result *SyncResult) error {
	accounts, err := s.store.GetAccounts()
	if err != nil {
		return err
	}
	openHolds, err := s.store.GetOpenChannelHolds()
	if err != nil {
		return err
	}
	hasOpenHold := func(accountID types.AccountID) bool {
		for _, hold := range openHolds {
			if hold.FromAccountID.Eq(accountID) {
				return true
			}
		}
		return false
	}

	var swept atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, account := range accounts {
		if !account.JumpAccount || account.AccountType != types.AccountTypeDeposit {
			continue
		}
		if hasOpenHold(account.AccountID) {
			continue
		}
		account := account
		g.Go(func() error {
			latest, err := s.store.GetLatestBalanceChange(account.AccountID, account.AccountType)
			if err != nil || latest == nil || latest.Balance == 0 {
				return err
			}
			if err := s.sweepJumpAccount(gctx, account, latest.Balance); err != nil {
				s.log.Warn("failed to consolidate jump account",
					logger.Account(account.AccountID), logger.Error(err))
				return nil
			}
			swept.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	result.JumpAccountsSwept += int(swept.Load())
	return nil
}

func (s *BalanceSync) sweepJumpAccount(ctx context.Context, account *store.Account, balance uint64) error {
	builder := notarization.NewNotarizationBuilder(s.store, s.notaryClients, s.keystore, s.log)
	jump, err := builder.AddAccount(account.AccountID, account.AccountType, account.NotaryID)
	if err != nil {
		return err
	}
	if err := jump.Send(balance, []types.AccountID{s.depositAccount}); err != nil {
		return err
	}
	deposit, err := builder.AddAccount(s.depositAccount, types.AccountTypeDeposit, account.NotaryID)
	if err != nil {
		return err
	}
	if err := deposit.Claim(balance); err != nil {
		return err
	}
	tax := balance * types.TaxPercent / 100
	if tax > 0 {
		if err := deposit.Tax(tax); err != nil {
			return err
		}
		taxBuilder, err := builder.AddAccount(s.taxAccount, types.AccountTypeTax, account.NotaryID)
		if err != nil {
			return err
		}
		if err := taxBuilder.Claim(tax); err != nil {
			return err
		}
	}
	_, err = builder.Notarize(ctx)
	return err
}

// syncMainchainTransfers claims every mainchain-to-localchain transfer
// the mainchain reports ready, correlating the resulting balance change
// with the transfer record.
func (s *BalanceSync) syncMainchainTransfers(ctx context.Context, result *SyncResult) error {
	rows, err := s.store.GetUnclaimedMainchainTransfers()
	if err != nil {
		return err
	}
	for _, row := range rows {
		transfer, err := s.mainchain.GetTransferToLocalchain(ctx, row.AccountID, row.TransferNonce)
		if err != nil {
			s.log.Warn("failed to query mainchain transfer",
				logger.Account(row.AccountID), logger.Error(err))
			continue
		}
		if !transfer.Ready {
			continue
		}
		if err := s.claimMainchainTransfer(ctx, row, transfer.Amount); err != nil {
			s.log.Warn("failed to claim mainchain transfer",
				logger.Account(row.AccountID), logger.Error(err))
			continue
		}
		result.TransfersClaimed++
	}
	return nil
}

func (s *BalanceSync) claimMainchainTransfer(ctx context.Context, row *store.MainchainTransferRow, amount uint64) error {
	builder := notarization.NewNotarizationBuilder(s.store, s.notaryClients, s.keystore, s.log)
	deposit, err := builder.AddAccount(row.AccountID, types.AccountTypeDeposit, s.notaryID)
	if err != nil {
		return err
	}
	if err := deposit.ClaimFromMainchain(amount, row.TransferNonce); err != nil {
		return err
	}
	tracker, err := builder.Notarize(ctx)
	if err != nil {
		return err
	}
	change := tracker.ChangeFor(row.AccountID, types.AccountTypeDeposit)
	return s.store.MarkTransferClaimed(row.AccountID, row.TransferNonce, change.ID)
}

// voteOutcome is the typed result of one vote submission attempt, so the
// single-retry policy on a stale tick is testable on its own.
type voteOutcome uint8

const (
	voteSubmitted voteOutcome = iota + 1
	voteStaleTick
	voteFailed
)

// convertTaxToVotes funds block votes from accumulated tax. A stale vote
// tick gets exactly one retry with refreshed block data; any other
// failure is left for the operator, not retried, so a persistent fault
// cannot repeatedly burn funds.
func (s *BalanceSync) convertTaxToVotes(ctx context.Context, result *SyncResult) error {
	accounts, err := s.store.GetAccounts()
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if account.AccountType != types.AccountTypeTax {
			continue
		}
		latest, err := s.store.GetLatestBalanceChange(account.AccountID, account.AccountType)
		if err != nil {
			return err
		}
		if latest == nil || latest.Balance == 0 {
			continue
		}

		submitted := 0
		for attempt := 0; attempt < 2; attempt++ {
			var outcome voteOutcome
			outcome, submitted, err = s.submitVotes(ctx, account, latest.Balance)
			if outcome != voteStaleTick {
				break
			}
			s.log.Debug("vote tick went stale, retrying once", logger.Account(account.AccountID))
		}
		if err != nil {
			s.log.Warn("failed to convert tax to votes",
				logger.Account(account.AccountID), logger.Error(err))
			continue
		}
		result.BlockVotesSubmitted += submitted
	}
	return nil
}

func (s *BalanceSync) submitVotes(ctx context.Context, account *store.Account, available uint64) (voteOutcome, int, error) {
	notaryClient, err := s.notaryClients.Get(account.NotaryID)
	if err != nil {
		return voteFailed, 0, err
	}
	tip, err := notaryClient.GetBalanceTip(ctx, account.AccountID, account.AccountType)
	if err != nil {
		return voteFailed, 0, err
	}
	block, err := notaryClient.GetVoteBlockHash(ctx, tip.Tick)
	if err != nil {
		return voteFailed, 0, err
	}
	if block == nil || block.VoteMinimum == 0 {
		return voteSubmitted, 0, nil
	}
	voteCount := available / block.VoteMinimum
	if s.options.MaxVotesPerTick > 0 && voteCount > s.options.MaxVotesPerTick {
		voteCount = s.options.MaxVotesPerTick
	}
	if voteCount == 0 {
		return voteSubmitted, 0, nil
	}
	amount := voteCount * block.VoteMinimum

	builder := notarization.NewNotarizationBuilder(s.store, s.notaryClients, s.keystore, s.log)
	taxBuilder, err := builder.AddAccount(account.AccountID, account.AccountType, account.NotaryID)
	if err != nil {
		return voteFailed, 0, err
	}
	if err := taxBuilder.SendToVote(amount); err != nil {
		return voteFailed, 0, err
	}
	for i := uint64(0); i < voteCount; i++ {
		vote := &types.BlockVote{
			AccountID:     account.AccountID,
			BlockHash:     block.BlockHash,
			Index:         uint32(i),
			Power:         block.VoteMinimum,
			DomainAccount: s.options.VotesAddress,
			Tick:          tip.Tick,
		}
		sigBytes, err := vote.SigBytes()
		if err != nil {
			return voteFailed, 0, err
		}
		sig, err := s.keystore.SignHash(account.AccountID, hash.Sum256(sigBytes))
		if err != nil {
			return voteFailed, 0, err
		}
		vote.Signature = sig
		if err := builder.AddVote(vote); err != nil {
			return voteFailed, 0, err
		}
	}
	if _, err := builder.Notarize(ctx); err != nil {
		if client.IsStaleVoteTickError(err) {
			return voteStaleTick, 0, err
		}
		return voteFailed, 0, err
	}
	return voteSubmitted, int(voteCount), nil
}
