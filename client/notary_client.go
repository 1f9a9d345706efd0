package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/milligon/localchain/types"
)

// Notary error kinds. Transport implementations must map their wire errors
// onto these so the reconciliation loop can classify them.
var (
	// ErrNotebookNotFinalized is a "not yet" condition, not a failure: the
	// queried notebook has not been finalized by the notary.
	ErrNotebookNotFinalized = errors.New("notebook is not finalized")

	// ErrInvalidBlockVoteTick means the vote's tick went stale in flight.
	// Retried once by the caller.
	ErrInvalidBlockVoteTick = errors.New("block vote tick is no longer current")

	// ErrChannelHoldNotReadyForClaim is a timing race on the notary side;
	// the claim should be retried after a short wait.
	ErrChannelHoldNotReadyForClaim = errors.New("channel hold is not ready for claim")
)

type (
	// BalanceChangeVerifyError wraps the verify-layer error a notary
	// returned when rejecting a notarization.
	BalanceChangeVerifyError struct {
		Err error
	}

	// BalanceTipResult is the notary's published tip for one account.
	BalanceTipResult struct {
		TipHash        []byte
		NotebookNumber uint32
		Tick           uint64
	}

	// NotarizeResult is the notary's acceptance of a notarization.
	NotarizeResult struct {
		NotarizationID    uint64
		NotebookNumber    uint32
		Tick              uint64
		NewAccountOrigins map[types.AccountKey]types.AccountOrigin
	}

	// VoteBlockHash names the block open for votes at a tick and the
	// minimum power a vote must carry.
	VoteBlockHash struct {
		BlockHash   []byte
		VoteMinimum uint64
	}

	// NotaryClient is one notary's API surface consumed by this library.
	NotaryClient interface {
		NotaryID() uint32
		GetBalanceTip(ctx context.Context, accountID types.AccountID, accountType types.AccountType) (*BalanceTipResult, error)
		GetAccountOrigin(ctx context.Context, accountID types.AccountID, accountType types.AccountType) (types.AccountOrigin, error)
		GetNotarization(ctx context.Context, accountID types.AccountID, accountType types.AccountType, notebookNumber, changeNumber uint32) (*types.Notarization, error)
		GetBalanceProof(ctx context.Context, notebookNumber uint32, tip *types.BalanceTip) (*types.NotebookProof, error)
		Notarize(ctx context.Context, notarization *types.Notarization) (*NotarizeResult, error)
		GetVoteBlockHash(ctx context.Context, tick uint64) (*VoteBlockHash, error)
	}

	// NotaryClients resolves notary ids to clients.
	NotaryClients interface {
		Get(notaryID uint32) (NotaryClient, error)
	}

	// TransferToLocalchain is a mainchain-side transfer waiting to be
	// claimed on the localchain.
	TransferToLocalchain struct {
		AccountID     types.AccountID
		Amount        uint64
		TransferNonce uint32
		Ready         bool
	}

	// MainchainClient is the mainchain's API surface consumed by this
	// library.
	MainchainClient interface {
		GetLatestNotebook(ctx context.Context, notaryID uint32) (uint32, error)
		LatestFinalizedNumber(ctx context.Context) (uint32, error)
		// GetAccountChangesRoot returns nil while the notebook is not yet
		// finalized on the mainchain.
		GetAccountChangesRoot(ctx context.Context, notaryID, notebookNumber uint32) ([]byte, error)
		GetTransferToLocalchain(ctx context.Context, accountID types.AccountID, transferNonce uint32) (*TransferToLocalchain, error)
		GetVoteBlockHash(ctx context.Context, tick uint64) (*VoteBlockHash, error)
	}
)

func (e *BalanceChangeVerifyError) Error() string {
	return fmt.Sprintf("notary rejected balance changeset: %v", e.Err)
}

func (e *BalanceChangeVerifyError) Unwrap() error {
	return e.Err
}

// IsNotebookFinalizationError classifies "not yet" conditions the sync
// loop should wait out rather than surface.
func IsNotebookFinalizationError(err error) bool {
	return errors.Is(err, ErrNotebookNotFinalized)
}

// IsRetryableHoldClaimError classifies the bounded in-pass retry case for
// channel hold claims.
func IsRetryableHoldClaimError(err error) bool {
	return errors.Is(err, ErrChannelHoldNotReadyForClaim)
}

// IsStaleVoteTickError classifies the single-retry case for block votes.
func IsStaleVoteTickError(err error) bool {
	return errors.Is(err, ErrInvalidBlockVoteTick)
}
