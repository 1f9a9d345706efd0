// Package wallet ties the pieces of a localchain wallet together: the
// HD key manager, the bolt-backed ledger store, the open channel hold
// registry and the balance sync driver, all bound to one notary.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/milligon/localchain/client"
	"github.com/milligon/localchain/types"
	"github.com/milligon/localchain/wallet/account"
	"github.com/milligon/localchain/wallet/balancesync"
	"github.com/milligon/localchain/wallet/channelhold"
	"github.com/milligon/localchain/wallet/notarization"
	"github.com/milligon/localchain/wallet/store"
)

const storeFileName = "wallet.db"

// Config carries everything needed to open a wallet. Dir must exist;
// Mnemonic may be empty to generate a fresh one on first open.
type Config struct {
	Dir      string
	Mnemonic string
	NotaryID uint32

	// VotesAddress enables the tax-to-votes conversion during sync when
	// set. MaxVotesPerTick caps how many votes one pass submits.
	VotesAddress    types.AccountID
	MaxVotesPerTick uint64

	Log *slog.Logger
}

func (c *Config) isValid() error {
	if c.Dir == "" {
		return errors.New("wallet directory is required")
	}
	if c.NotaryID == 0 {
		return errors.New("notary id is required")
	}
	return nil
}

// Wallet is the top level handle over one wallet directory. The default
// key backs both the deposit and the tax ledger; jump accounts are
// derived on demand and swept back during sync.
type Wallet struct {
	accounts      *account.Manager
	store         *store.BoltStore
	holds         *channelhold.OpenChannelHoldsStore
	sync          *balancesync.BalanceSync
	notaryClients client.NotaryClients
	notaryID      uint32
	defaultID     types.AccountID
	log           *slog.Logger
}

func New(cfg Config, notaryClients client.NotaryClients, mainchain client.MainchainClient) (*Wallet, error) {
	if err := cfg.isValid(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	accounts, err := account.NewManager(cfg.Dir, cfg.Mnemonic)
	if err != nil {
		return nil, fmt.Errorf("opening key manager: %w", err)
	}
	boltStore, err := store.NewBoltStore(filepath.Join(cfg.Dir, storeFileName))
	if err != nil {
		_ = accounts.Close()
		return nil, fmt.Errorf("opening wallet store: %w", err)
	}

	defaultKey := accounts.DefaultKey()
	w := &Wallet{
		accounts:      accounts,
		store:         boltStore,
		notaryClients: notaryClients,
		notaryID:      cfg.NotaryID,
		defaultID:     defaultKey.AccountID,
		log:           log,
	}
	if err := w.registerDefaultAccounts(defaultKey); err != nil {
		_ = w.Close()
		return nil, err
	}

	w.holds = channelhold.NewOpenChannelHoldsStore(boltStore, notaryClients, accounts, cfg.NotaryID, w.defaultID, w.defaultID, log)
	w.sync = balancesync.New(boltStore, notaryClients, mainchain, accounts, w.holds, cfg.NotaryID, w.defaultID, w.defaultID,
		balancesync.Options{VotesAddress: cfg.VotesAddress, MaxVotesPerTick: cfg.MaxVotesPerTick}, log)
	return w, nil
}

// registerDefaultAccounts makes sure the default key's deposit and tax
// ledgers exist in the store so sync can see them before first use.
func (w *Wallet) registerDefaultAccounts(key *account.Key) error {
	for _, accountType := range []types.AccountType{types.AccountTypeDeposit, types.AccountTypeTax} {
		_, err := w.store.GetAccount(key.AccountID, accountType)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrAccountNotFound) {
			return err
		}
		err = w.store.AddAccount(&store.Account{
			AccountID:   key.AccountID,
			AccountType: accountType,
			NotaryID:    w.notaryID,
			HDPath:      key.DerivationPath,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Wallet) Close() error {
	return errors.Join(w.store.Close(), w.accounts.Close())
}

// AccountID returns the wallet's default account id.
func (w *Wallet) AccountID() types.AccountID {
	return w.defaultID
}

// Mnemonic returns the recovery phrase backing every derived key.
func (w *Wallet) Mnemonic() string {
	return w.accounts.Mnemonic()
}

// Balance returns the latest deposit balance of the default account, or
// zero when no balance change has landed yet.
func (w *Wallet) Balance() (uint64, error) {
	return w.latestBalance(types.AccountTypeDeposit)
}

// TaxBalance returns the accumulated tax not yet converted to votes.
func (w *Wallet) TaxBalance() (uint64, error) {
	return w.latestBalance(types.AccountTypeTax)
}

func (w *Wallet) latestBalance(accountType types.AccountType) (uint64, error) {
	latest, err := w.store.GetLatestBalanceChange(w.defaultID, accountType)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 0, nil
	}
	return latest.Balance, nil
}

// NewNotarizationBuilder starts an empty notarization against this
// wallet's store and keystore, for flows the convenience methods below
// do not cover.
func (w *Wallet) NewNotarizationBuilder() *notarization.NotarizationBuilder {
	return notarization.NewNotarizationBuilder(w.store, w.notaryClients, w.accounts, w.log)
}

// Send debits the default account and returns the signed JSON the
// recipient hands to Claim. The funds stay in limbo until the recipient
// notarizes the claim; sync tracks the change until then.
func (w *Wallet) Send(milligons uint64, to []types.AccountID) ([]byte, error) {
	builder := w.NewNotarizationBuilder()
	change, err := builder.AddAccount(w.defaultID, types.AccountTypeDeposit, w.notaryID)
	if err != nil {
		return nil, err
	}
	if err := change.Send(milligons, to); err != nil {
		return nil, err
	}
	return builder.ExportForSend()
}

// Claim imports a counterparty's signed send, routes the protocol tax
// into the wallet's tax ledger and notarizes the whole set atomically.
func (w *Wallet) Claim(ctx context.Context, changesJSON []byte) (claimed, tax uint64, err error) {
	builder := w.NewNotarizationBuilder()
	claimed, tax, err = builder.ClaimReceivedBalance(changesJSON, w.defaultID, w.defaultID, w.notaryID)
	if err != nil {
		return 0, 0, err
	}
	if _, err := builder.Notarize(ctx); err != nil {
		return 0, 0, err
	}
	return claimed, tax, nil
}

// SendToMainchain moves funds from the deposit ledger back across the
// chain boundary.
func (w *Wallet) SendToMainchain(ctx context.Context, milligons uint64) (*notarization.NotarizationTracker, error) {
	builder := w.NewNotarizationBuilder()
	change, err := builder.AddAccount(w.defaultID, types.AccountTypeDeposit, w.notaryID)
	if err != nil {
		return nil, err
	}
	if err := change.SendToMainchain(milligons); err != nil {
		return nil, err
	}
	return builder.Notarize(ctx)
}

// LeaseDomain registers a data domain to paymentAccountID, paying the
// lease from this wallet's deposit account.
func (w *Wallet) LeaseDomain(ctx context.Context, domainHash []byte, milligons uint64, paymentAccountID types.AccountID) (*notarization.NotarizationTracker, error) {
	builder := w.NewNotarizationBuilder()
	if err := builder.LeaseDomain(w.defaultID, w.notaryID, domainHash, milligons, paymentAccountID); err != nil {
		return nil, err
	}
	return builder.Notarize(ctx)
}

// DeriveJumpAccount derives the next HD key and registers it as a jump
// account. Sync sweeps jump balances back to the default account.
func (w *Wallet) DeriveJumpAccount() (types.AccountID, error) {
	key, err := w.accounts.DeriveJumpKey()
	if err != nil {
		return nil, err
	}
	err = w.store.AddAccount(&store.Account{
		AccountID:   key.AccountID,
		AccountType: types.AccountTypeDeposit,
		NotaryID:    w.notaryID,
		HDPath:      key.DerivationPath,
		JumpAccount: true,
	})
	if err != nil {
		return nil, err
	}
	return key.AccountID, nil
}

// RegisterMainchainTransfer records an expected transfer-to-localchain
// so the next sync pass can claim it once the mainchain reports it
// ready.
func (w *Wallet) RegisterMainchainTransfer(transferNonce uint32, amount uint64) error {
	return w.store.SaveMainchainTransfer(&store.MainchainTransferRow{
		AccountID:     w.defaultID,
		TransferNonce: transferNonce,
		Amount:        amount,
	})
}

// OpenChannelHolds exposes the hold registry for channel flows.
func (w *Wallet) OpenChannelHolds() *channelhold.OpenChannelHoldsStore {
	return w.holds
}

// Sync runs one reconciliation pass over the wallet's pending state.
func (w *Wallet) Sync(ctx context.Context) (*balancesync.SyncResult, error) {
	return w.sync.Sync(ctx)
}

// StartSyncJob schedules Sync on the given cron schedule and returns a
// stop function that blocks until any in-flight pass finishes.
func (w *Wallet) StartSyncJob(ctx context.Context, schedule string) (func(), error) {
	return w.sync.StartSyncJob(ctx, schedule)
}
