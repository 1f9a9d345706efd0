package verify

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/milligon/localchain/crypto"
	"github.com/milligon/localchain/internal/hash"
	"github.com/milligon/localchain/internal/mt"
	"github.com/milligon/localchain/types"
)

type (
	// NotebookHistoryLookup supplies the historical notary state the audit
	// chains against. Implementations read previously finalized notebooks
	// and the mainchain transfer registry.
	NotebookHistoryLookup interface {
		// GetAccountChangesRoot returns the changed accounts root of a
		// finalized notebook.
		GetAccountChangesRoot(notaryID, notebookNumber uint32) ([]byte, error)
		// GetLastChangedNotebook returns the notebook number the account
		// last changed in before the audited notebook.
		GetLastChangedNotebook(notaryID uint32, origin types.AccountOrigin) (uint32, error)
		// IsValidTransferToLocalchain reports whether the mainchain holds
		// an unclaimed transfer matching the claim note.
		IsValidTransferToLocalchain(notaryID uint32, accountID types.AccountID, nonce uint32, amount uint64) (bool, error)
	}

	// NotebookAudit bundles everything a notary submitted for one
	// notebook: the header it published, the claimed header hash, every
	// changeset grouped by notarization, newly assigned account origins,
	// and the notebook's block votes with their verification context.
	NotebookAudit struct {
		HeaderHash            []byte
		Header                *types.NotebookHeader
		Changesets            [][]*types.BalanceChange
		NewAccountOrigins     map[types.AccountKey]types.AccountOrigin
		BlockVotes            []*types.BlockVote
		VoteMinimums          map[string]uint64          // keyed by block hash
		DomainPaymentAccounts map[string]types.AccountID // keyed by domain hash
	}

	chainTransferKey struct {
		accountID string
		nonce     uint32
	}
)

// VerifyPreviousBalanceProof checks that a change chains correctly from
// its previous tip. If the account already changed earlier in the batch
// being verified (seenTips), the proof must equal that in-batch tip
// exactly and no merkle lookup happens. Otherwise the cited notebook must
// be the account's last change and the reconstructed old tip must
// merkle-verify against that notebook's changed accounts root.
func VerifyPreviousBalanceProof(lookup NotebookHistoryLookup, seenTips map[types.AccountKey]*types.BalanceTip, change *types.BalanceChange) error {
	proof := change.PreviousBalanceProof
	if proof == nil {
		return ErrMissingBalanceProof
	}
	key := types.NewAccountKey(change.AccountID, change.AccountType)

	if tip, ok := seenTips[key]; ok {
		if tip.ChangeNumber != change.ChangeNumber-1 ||
			tip.Balance != proof.Balance ||
			!tip.AccountOrigin.Eq(proof.AccountOrigin) ||
			!equalHoldNotes(tip.ChannelHoldNote, proof.ChannelHoldNote) {
			return ErrInvalidPreviousBalanceProof
		}
		return nil
	}

	lastNotebook, err := lookup.GetLastChangedNotebook(proof.NotaryID, proof.AccountOrigin)
	if err != nil {
		return fmt.Errorf("looking up last changed notebook: %w", err)
	}
	if lastNotebook != proof.NotebookNumber {
		return ErrInvalidPreviousBalanceChangeNotebook
	}

	root, err := lookup.GetAccountChangesRoot(proof.NotaryID, proof.NotebookNumber)
	if err != nil {
		return fmt.Errorf("looking up account changes root: %w", err)
	}
	prevTip := proof.PreviousTip(change.AccountID, change.AccountType, change.ChangeNumber-1)
	leaf, err := prevTip.Hash()
	if err != nil {
		return err
	}
	if !proof.NotebookProof.Verify(root, leaf) {
		return ErrInvalidPreviousBalanceProof
	}
	return nil
}

// VerifyNotebook audits everything a notary committed to in one notebook
// header. Returns (true, nil) only if every check passes; otherwise the
// first failing check's error variant.
func VerifyNotebook(audit *NotebookAudit, lookup NotebookHistoryLookup) (bool, error) {
	header := audit.Header

	originUids := map[uint32]bool{}
	for _, origin := range audit.NewAccountOrigins {
		if origin.NotebookNumber == header.NotebookNumber && originUids[origin.AccountUID] {
			return false, ErrDuplicatedAccountOriginUid
		}
		originUids[origin.AccountUID] = true
	}

	finalTips := map[types.AccountKey]*types.BalanceTip{}
	var tipOrder []types.AccountKey
	touchedOrigins := map[types.AccountOrigin]bool{}
	seenTransfers := map[chainTransferKey]bool{}
	var chainTransfers []types.ChainTransfer

	for _, changeset := range audit.Changesets {
		if err := VerifyChangesetAllocation(changeset); err != nil {
			return false, err
		}
		if err := VerifyChangesetSignatures(changeset); err != nil {
			return false, err
		}

		for _, change := range changeset {
			for i := range change.Notes {
				note := &change.Notes[i]
				switch note.NoteType.Kind {
				case types.NoteKindClaimFromMainchain:
					key := chainTransferKey{accountID: string(change.AccountID), nonce: note.NoteType.TransferNonce}
					if seenTransfers[key] {
						return false, ErrDuplicateChainTransfer
					}
					seenTransfers[key] = true
					ok, err := lookup.IsValidTransferToLocalchain(header.NotaryID, change.AccountID, note.NoteType.TransferNonce, note.Milligons)
					if err != nil {
						return false, fmt.Errorf("checking transfer to localchain: %w", err)
					}
					if !ok {
						return false, ErrInvalidTransferToLocalchain
					}
					chainTransfers = append(chainTransfers, types.ChainTransfer{
						Kind:          types.ChainTransferToLocalchain,
						AccountID:     change.AccountID,
						Amount:        note.Milligons,
						TransferNonce: note.NoteType.TransferNonce,
					})
				case types.NoteKindSendToMainchain:
					chainTransfers = append(chainTransfers, types.ChainTransfer{
						Kind:      types.ChainTransferToMainchain,
						AccountID: change.AccountID,
						Amount:    note.Milligons,
					})
				}
			}

			key := types.NewAccountKey(change.AccountID, change.AccountType)
			var origin types.AccountOrigin
			if change.ChangeNumber == 1 {
				newOrigin, ok := audit.NewAccountOrigins[key]
				if _, seen := finalTips[key]; !ok && !seen {
					return false, ErrMissingAccountOrigin
				}
				if ok {
					origin = newOrigin
				} else {
					origin = finalTips[key].AccountOrigin
				}
			} else {
				if err := VerifyPreviousBalanceProof(lookup, finalTips, change); err != nil {
					return false, err
				}
				origin = change.PreviousBalanceProof.AccountOrigin
			}

			// last-writer-wins within the notebook: changes arrive in
			// submission order and each chained from the previous
			if _, seen := finalTips[key]; !seen {
				tipOrder = append(tipOrder, key)
			}
			finalTips[key] = change.Tip(origin)
			touchedOrigins[origin] = true
		}
	}

	if err := checkChainTransfers(chainTransfers, header.ChainTransfers); err != nil {
		return false, err
	}
	if err := checkAccountChangelist(touchedOrigins, header.ChangedAccountOrigins); err != nil {
		return false, err
	}
	if err := checkChangedAccountsRoot(finalTips, header.ChangedAccountsRoot); err != nil {
		return false, err
	}

	headerHash, err := header.Hash()
	if err != nil {
		return false, err
	}
	if !bytes.Equal(headerHash, audit.HeaderHash) {
		return false, ErrInvalidNotebookHash
	}

	if err := verifyBlockVotes(audit); err != nil {
		return false, err
	}
	return true, nil
}

func checkChainTransfers(calculated, declared []types.ChainTransfer) error {
	if len(calculated) != len(declared) {
		return ErrInvalidChainTransfersList
	}
	for i, transfer := range calculated {
		if !transfer.Eq(declared[i]) {
			return ErrInvalidChainTransfersList
		}
	}
	return nil
}

func checkAccountChangelist(touched map[types.AccountOrigin]bool, declared []types.AccountOrigin) error {
	matched := map[types.AccountOrigin]bool{}
	for _, origin := range declared {
		// a duplicated declaration must not hide a missing account
		if !touched[origin] || matched[origin] {
			return ErrInvalidAccountChangelist
		}
		matched[origin] = true
	}
	if len(matched) != len(touched) {
		return ErrInvalidAccountChangelist
	}
	return nil
}

func checkChangedAccountsRoot(finalTips map[types.AccountKey]*types.BalanceTip, declaredRoot []byte) error {
	keys := make([]types.AccountKey, 0, len(finalTips))
	for key := range finalTips {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].AccountID != keys[j].AccountID {
			return keys[i].AccountID < keys[j].AccountID
		}
		return keys[i].AccountType < keys[j].AccountType
	})

	leaves := make([][]byte, 0, len(keys))
	for _, key := range keys {
		leaf, err := finalTips[key].Hash()
		if err != nil {
			return err
		}
		leaves = append(leaves, leaf)
	}
	tree, err := mt.New(leaves)
	if err != nil {
		return err
	}
	if !bytes.Equal(tree.GetRootHash(), declaredRoot) {
		return ErrInvalidBalanceChangeRoot
	}
	return nil
}

func verifyBlockVotes(audit *NotebookAudit) error {
	header := audit.Header

	var votingPower uint64
	blocksWithVotes := map[string]bool{}
	leaves := make([][]byte, 0, len(audit.BlockVotes))

	for _, vote := range audit.BlockVotes {
		minimum, ok := audit.VoteMinimums[string(vote.BlockHash)]
		if !ok || vote.Power < minimum {
			return ErrInsufficientBlockVoteMinimum
		}
		if len(vote.DomainHash) > 0 {
			registered, ok := audit.DomainPaymentAccounts[string(vote.DomainHash)]
			if !ok || !registered.Eq(vote.DomainAccount) {
				return ErrBlockVoteDataDomainMismatch
			}
		}
		sigBytes, err := vote.SigBytes()
		if err != nil {
			return err
		}
		if err := crypto.VerifyHash(vote.AccountID, hashOf(sigBytes), vote.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlockVoteSignature, err)
		}

		votingPower += vote.Power
		blocksWithVotes[string(vote.BlockHash)] = true
		leaf, err := vote.Hash()
		if err != nil {
			return err
		}
		leaves = append(leaves, leaf)
	}

	tree, err := mt.New(leaves)
	if err != nil {
		return err
	}
	if !bytes.Equal(tree.GetRootHash(), header.BlockVotesRoot) {
		return ErrInvalidBlockVoteRoot
	}
	if uint32(len(audit.BlockVotes)) != header.BlockVotesCount {
		return ErrInvalidBlockVotesCount
	}
	if votingPower != header.BlockVotingPower {
		return ErrInvalidBlockVotingPower
	}
	matched := map[string]bool{}
	for _, blockHash := range header.BlocksWithVotes {
		if !blocksWithVotes[string(blockHash)] || matched[string(blockHash)] {
			return ErrInvalidBlocksWithVotes
		}
		matched[string(blockHash)] = true
	}
	if len(matched) != len(blocksWithVotes) {
		return ErrInvalidBlocksWithVotes
	}
	return nil
}

func hashOf(b []byte) []byte {
	return hash.Sum256(b)
}

func equalHoldNotes(a, b *types.Note) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return bytes.Equal(a.ID, b.ID)
}
