package verify

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/milligon/localchain/crypto"
	"github.com/milligon/localchain/internal/hash"
	"github.com/milligon/localchain/internal/mt"
	"github.com/milligon/localchain/types"
)

type fakeHistory struct {
	roots       map[uint32][]byte
	lastChanged map[types.AccountOrigin]uint32
	transfers   map[string]uint64
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		roots:       map[uint32][]byte{},
		lastChanged: map[types.AccountOrigin]uint32{},
		transfers:   map[string]uint64{},
	}
}

func (f *fakeHistory) GetAccountChangesRoot(_, notebookNumber uint32) ([]byte, error) {
	root, ok := f.roots[notebookNumber]
	if !ok {
		return nil, errors.New("unknown notebook")
	}
	return root, nil
}

func (f *fakeHistory) GetLastChangedNotebook(_ uint32, origin types.AccountOrigin) (uint32, error) {
	notebookNumber, ok := f.lastChanged[origin]
	if !ok {
		return 0, errors.New("unknown account origin")
	}
	return notebookNumber, nil
}

func (f *fakeHistory) IsValidTransferToLocalchain(_ uint32, accountID types.AccountID, nonce uint32, amount uint64) (bool, error) {
	return f.transfers[transferKey(accountID, nonce)] == amount && amount != 0, nil
}

func transferKey(accountID types.AccountID, nonce uint32) string {
	return fmt.Sprintf("%s-%d", accountID, nonce)
}

// finalizeHeader fills the header commitments an honest notary would
// publish for the audit's changesets and votes, then records the header
// hash as the claimed hash.
func finalizeHeader(t *testing.T, audit *NotebookAudit) {
	t.Helper()
	header := audit.Header

	finalTips := map[types.AccountKey]*types.BalanceTip{}
	touched := map[types.AccountOrigin]bool{}
	var declaredOrigins []types.AccountOrigin
	var transfers []types.ChainTransfer

	for _, changeset := range audit.Changesets {
		for _, change := range changeset {
			key := types.NewAccountKey(change.AccountID, change.AccountType)
			var origin types.AccountOrigin
			if change.ChangeNumber == 1 {
				if newOrigin, ok := audit.NewAccountOrigins[key]; ok {
					origin = newOrigin
				} else {
					origin = finalTips[key].AccountOrigin
				}
			} else {
				origin = change.PreviousBalanceProof.AccountOrigin
			}
			for i := range change.Notes {
				note := &change.Notes[i]
				switch note.NoteType.Kind {
				case types.NoteKindClaimFromMainchain:
					transfers = append(transfers, types.ChainTransfer{
						Kind:          types.ChainTransferToLocalchain,
						AccountID:     change.AccountID,
						Amount:        note.Milligons,
						TransferNonce: note.NoteType.TransferNonce,
					})
				case types.NoteKindSendToMainchain:
					transfers = append(transfers, types.ChainTransfer{
						Kind:      types.ChainTransferToMainchain,
						AccountID: change.AccountID,
						Amount:    note.Milligons,
					})
				}
			}
			if !touched[origin] {
				declaredOrigins = append(declaredOrigins, origin)
			}
			touched[origin] = true
			finalTips[key] = change.Tip(origin)
		}
	}

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
		require.NoError(t, err)
		leaves = append(leaves, leaf)
	}
	tipTree, err := mt.New(leaves)
	require.NoError(t, err)
	header.ChangedAccountsRoot = tipTree.GetRootHash()
	header.ChangedAccountOrigins = declaredOrigins
	header.ChainTransfers = transfers

	var votingPower uint64
	voteLeaves := make([][]byte, 0, len(audit.BlockVotes))
	seenBlocks := map[string]bool{}
	var blocksWithVotes [][]byte
	for _, vote := range audit.BlockVotes {
		votingPower += vote.Power
		leaf, err := vote.Hash()
		require.NoError(t, err)
		voteLeaves = append(voteLeaves, leaf)
		if !seenBlocks[string(vote.BlockHash)] {
			seenBlocks[string(vote.BlockHash)] = true
			blocksWithVotes = append(blocksWithVotes, vote.BlockHash)
		}
	}
	voteTree, err := mt.New(voteLeaves)
	require.NoError(t, err)
	header.BlockVotesRoot = voteTree.GetRootHash()
	header.BlockVotesCount = uint32(len(audit.BlockVotes))
	header.BlockVotingPower = votingPower
	header.BlocksWithVotes = blocksWithVotes

	headerHash, err := header.Hash()
	require.NoError(t, err)
	audit.HeaderHash = headerHash
}

func signVote(t *testing.T, vote *types.BlockVote, signer *crypto.InMemorySecp256k1Signer) {
	t.Helper()
	sigBytes, err := vote.SigBytes()
	require.NoError(t, err)
	sig, err := signer.SignHash(hash.Sum256(sigBytes))
	require.NoError(t, err)
	vote.Signature = sig
}

// fundingAudit is a minimal notebook 1: one new account claiming one
// mainchain transfer.
func fundingAudit(t *testing.T) (*NotebookAudit, *fakeHistory, *types.BalanceChange) {
	t.Helper()
	signer, alice := newAccount(t)
	change := firstChange(alice, types.AccountTypeDeposit)
	addNote(t, change, 1000, types.NoteType{Kind: types.NoteKindClaimFromMainchain, TransferNonce: 1})
	signChange(t, change, signer)

	audit := &NotebookAudit{
		Header:     &types.NotebookHeader{NotaryID: 1, NotebookNumber: 1, Tick: 1},
		Changesets: [][]*types.BalanceChange{{change}},
		NewAccountOrigins: map[types.AccountKey]types.AccountOrigin{
			types.NewAccountKey(alice, types.AccountTypeDeposit): {NotebookNumber: 1, AccountUID: 1},
		},
		VoteMinimums: map[string]uint64{},
	}
	finalizeHeader(t, audit)

	lookup := newFakeHistory()
	lookup.transfers[transferKey(alice, 1)] = 1000
	return audit, lookup, change
}

func TestVerifyNotebookFunding(t *testing.T) {
	audit, lookup, _ := fundingAudit(t)

	ok, err := VerifyNotebook(audit, lookup)
	require.NoError(t, err)
	require.True(t, ok)

	// the audit is read-only: running it again gives the same verdict
	ok, err = VerifyNotebook(audit, lookup)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyNotebookRejectsTampering(t *testing.T) {
	t.Run("changed accounts root", func(t *testing.T) {
		audit, lookup, _ := fundingAudit(t)
		audit.Header.ChangedAccountsRoot = hash.Sum256([]byte("bogus"))
		_, err := VerifyNotebook(audit, lookup)
		require.ErrorIs(t, err, ErrInvalidBalanceChangeRoot)
	})

	t.Run("header hash", func(t *testing.T) {
		audit, lookup, _ := fundingAudit(t)
		audit.HeaderHash = hash.Sum256([]byte("bogus"))
		_, err := VerifyNotebook(audit, lookup)
		require.ErrorIs(t, err, ErrInvalidNotebookHash)
	})

	t.Run("unknown mainchain transfer", func(t *testing.T) {
		audit, _, _ := fundingAudit(t)
		_, err := VerifyNotebook(audit, newFakeHistory())
		require.ErrorIs(t, err, ErrInvalidTransferToLocalchain)
	})

	t.Run("chain transfers list", func(t *testing.T) {
		audit, lookup, _ := fundingAudit(t)
		audit.Header.ChainTransfers = nil
		headerHash, err := audit.Header.Hash()
		require.NoError(t, err)
		audit.HeaderHash = headerHash
		_, err = VerifyNotebook(audit, lookup)
		require.ErrorIs(t, err, ErrInvalidChainTransfersList)
	})

	t.Run("changed account origins", func(t *testing.T) {
		audit, lookup, _ := fundingAudit(t)
		audit.Header.ChangedAccountOrigins = append(audit.Header.ChangedAccountOrigins,
			types.AccountOrigin{NotebookNumber: 1, AccountUID: 9})
		headerHash, err := audit.Header.Hash()
		require.NoError(t, err)
		audit.HeaderHash = headerHash
		_, err = VerifyNotebook(audit, lookup)
		require.ErrorIs(t, err, ErrInvalidAccountChangelist)
	})

	t.Run("missing account origin", func(t *testing.T) {
		audit, lookup, change := fundingAudit(t)
		delete(audit.NewAccountOrigins, types.NewAccountKey(change.AccountID, change.AccountType))
		_, err := VerifyNotebook(audit, lookup)
		require.ErrorIs(t, err, ErrMissingAccountOrigin)
	})
}

func TestVerifyNotebookRejectsDuplicates(t *testing.T) {
	t.Run("duplicate chain transfer", func(t *testing.T) {
		signer, alice := newAccount(t)
		change := firstChange(alice, types.AccountTypeDeposit)
		addNote(t, change, 500, types.NoteType{Kind: types.NoteKindClaimFromMainchain, TransferNonce: 1})
		addNote(t, change, 500, types.NoteType{Kind: types.NoteKindClaimFromMainchain, TransferNonce: 1})
		signChange(t, change, signer)

		audit := &NotebookAudit{
			Header:     &types.NotebookHeader{NotaryID: 1, NotebookNumber: 1, Tick: 1},
			Changesets: [][]*types.BalanceChange{{change}},
			NewAccountOrigins: map[types.AccountKey]types.AccountOrigin{
				types.NewAccountKey(alice, types.AccountTypeDeposit): {NotebookNumber: 1, AccountUID: 1},
			},
			VoteMinimums: map[string]uint64{},
		}
		finalizeHeader(t, audit)
		lookup := newFakeHistory()
		lookup.transfers[transferKey(alice, 1)] = 500

		_, err := VerifyNotebook(audit, lookup)
		require.ErrorIs(t, err, ErrDuplicateChainTransfer)
	})

	t.Run("duplicate account origin uid", func(t *testing.T) {
		aliceSigner, alice := newAccount(t)
		bobSigner, bob := newAccount(t)
		aliceChange := firstChange(alice, types.AccountTypeDeposit)
		addNote(t, aliceChange, 500, types.NoteType{Kind: types.NoteKindClaimFromMainchain, TransferNonce: 1})
		signChange(t, aliceChange, aliceSigner)
		bobChange := firstChange(bob, types.AccountTypeDeposit)
		addNote(t, bobChange, 500, types.NoteType{Kind: types.NoteKindClaimFromMainchain, TransferNonce: 2})
		signChange(t, bobChange, bobSigner)

		audit := &NotebookAudit{
			Header:     &types.NotebookHeader{NotaryID: 1, NotebookNumber: 1, Tick: 1},
			Changesets: [][]*types.BalanceChange{{aliceChange}, {bobChange}},
			NewAccountOrigins: map[types.AccountKey]types.AccountOrigin{
				types.NewAccountKey(alice, types.AccountTypeDeposit): {NotebookNumber: 1, AccountUID: 1},
				types.NewAccountKey(bob, types.AccountTypeDeposit):   {NotebookNumber: 1, AccountUID: 1},
			},
			VoteMinimums: map[string]uint64{},
		}
		finalizeHeader(t, audit)
		lookup := newFakeHistory()
		lookup.transfers[transferKey(alice, 1)] = 500
		lookup.transfers[transferKey(bob, 2)] = 500

		_, err := VerifyNotebook(audit, lookup)
		require.ErrorIs(t, err, ErrDuplicatedAccountOriginUid)
	})

	t.Run("duplicated changed account declaration", func(t *testing.T) {
		audit, lookup, _ := chainedAudit(t, false)
		// repeating one origin keeps the list length while dropping the
		// other changed account
		origins := audit.Header.ChangedAccountOrigins
		require.Len(t, origins, 2)
		audit.Header.ChangedAccountOrigins = []types.AccountOrigin{origins[0], origins[0]}
		headerHash, err := audit.Header.Hash()
		require.NoError(t, err)
		audit.HeaderHash = headerHash

		_, err = VerifyNotebook(audit, lookup)
		require.ErrorIs(t, err, ErrInvalidAccountChangelist)
	})
}

// chainedAudit builds a notebook 2 where alice spends against her tip
// from notebook 1, proven by a merkle path into that notebook's root.
func chainedAudit(t *testing.T, corruptPath bool) (*NotebookAudit, *fakeHistory, *types.BalanceChange) {
	t.Helper()
	aliceSigner, alice := newAccount(t)
	bobSigner, bob := newAccount(t)
	_, carol := newAccount(t)
	originA := types.AccountOrigin{NotebookNumber: 1, AccountUID: 1}
	originC := types.AccountOrigin{NotebookNumber: 1, AccountUID: 2}

	// notebook 1 committed tips for alice and carol
	tipA := &types.BalanceTip{AccountID: alice, AccountType: types.AccountTypeDeposit, ChangeNumber: 1, Balance: 1000, AccountOrigin: originA}
	tipC := &types.BalanceTip{AccountID: carol, AccountType: types.AccountTypeDeposit, ChangeNumber: 1, Balance: 10, AccountOrigin: originC}
	tips := []*types.BalanceTip{tipA, tipC}
	sort.Slice(tips, func(i, j int) bool { return string(tips[i].AccountID) < string(tips[j].AccountID) })
	leaves := make([][]byte, len(tips))
	aliceIndex := 0
	for i, tip := range tips {
		leaf, err := tip.Hash()
		require.NoError(t, err)
		leaves[i] = leaf
		if tip.AccountID.Eq(alice) {
			aliceIndex = i
		}
	}
	tree, err := mt.New(leaves)
	require.NoError(t, err)
	path, err := tree.GetMerklePath(aliceIndex)
	require.NoError(t, err)
	if corruptPath {
		path[0].Hash = hash.Sum256([]byte("bogus"))
	}

	send := &types.BalanceChange{
		AccountID:    alice,
		AccountType:  types.AccountTypeDeposit,
		ChangeNumber: 2,
		Balance:      1000,
		PreviousBalanceProof: &types.BalanceProof{
			NotaryID:       1,
			NotebookNumber: 1,
			Tick:           1,
			Balance:        1000,
			AccountOrigin:  originA,
			NotebookProof: &types.NotebookProof{
				NotebookNumber: 1,
				Path:           path,
				LeafIndex:      aliceIndex,
				NumberOfLeaves: len(leaves),
			},
		},
	}
	addNote(t, send, 400, types.NoteType{Kind: types.NoteKindSend})
	signChange(t, send, aliceSigner)
	claim := firstChange(bob, types.AccountTypeDeposit)
	addNote(t, claim, 400, types.NoteType{Kind: types.NoteKindClaim})
	signChange(t, claim, bobSigner)

	audit := &NotebookAudit{
		Header:     &types.NotebookHeader{NotaryID: 1, NotebookNumber: 2, Tick: 2},
		Changesets: [][]*types.BalanceChange{{send, claim}},
		NewAccountOrigins: map[types.AccountKey]types.AccountOrigin{
			types.NewAccountKey(bob, types.AccountTypeDeposit): {NotebookNumber: 2, AccountUID: 1},
		},
		VoteMinimums: map[string]uint64{},
	}
	finalizeHeader(t, audit)

	lookup := newFakeHistory()
	lookup.roots[1] = tree.GetRootHash()
	lookup.lastChanged[originA] = 1
	return audit, lookup, send
}

func TestVerifyNotebookChainsFromPreviousNotebook(t *testing.T) {
	audit, lookup, _ := chainedAudit(t, false)

	ok, err := VerifyNotebook(audit, lookup)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyNotebookRejectsWrongCitedNotebook(t *testing.T) {
	audit, lookup, _ := chainedAudit(t, false)
	// the account changed again after the cited notebook
	lookup.lastChanged[types.AccountOrigin{NotebookNumber: 1, AccountUID: 1}] = 2

	_, err := VerifyNotebook(audit, lookup)
	require.ErrorIs(t, err, ErrInvalidPreviousBalanceChangeNotebook)
}

func TestVerifyNotebookRejectsBrokenInclusionProof(t *testing.T) {
	audit, lookup, _ := chainedAudit(t, true)

	_, err := VerifyNotebook(audit, lookup)
	require.ErrorIs(t, err, ErrInvalidPreviousBalanceProof)
}

func TestVerifyNotebookInBatchChaining(t *testing.T) {
	signer, alice := newAccount(t)
	origin := types.AccountOrigin{NotebookNumber: 1, AccountUID: 1}

	funding := firstChange(alice, types.AccountTypeDeposit)
	addNote(t, funding, 1000, types.NoteType{Kind: types.NoteKindClaimFromMainchain, TransferNonce: 1})
	signChange(t, funding, signer)

	newSpend := func(provenBalance uint64) *types.BalanceChange {
		spend := &types.BalanceChange{
			AccountID:    alice,
			AccountType:  types.AccountTypeDeposit,
			ChangeNumber: 2,
			Balance:      provenBalance,
			PreviousBalanceProof: &types.BalanceProof{
				NotaryID:       1,
				NotebookNumber: 1,
				Balance:        provenBalance,
				AccountOrigin:  origin,
			},
		}
		addNote(t, spend, 250, types.NoteType{Kind: types.NoteKindSendToMainchain})
		signChange(t, spend, signer)
		return spend
	}

	buildAudit := func(spend *types.BalanceChange) (*NotebookAudit, *fakeHistory) {
		audit := &NotebookAudit{
			Header:     &types.NotebookHeader{NotaryID: 1, NotebookNumber: 1, Tick: 1},
			Changesets: [][]*types.BalanceChange{{funding}, {spend}},
			NewAccountOrigins: map[types.AccountKey]types.AccountOrigin{
				types.NewAccountKey(alice, types.AccountTypeDeposit): origin,
			},
			VoteMinimums: map[string]uint64{},
		}
		finalizeHeader(t, audit)
		lookup := newFakeHistory()
		lookup.transfers[transferKey(alice, 1)] = 1000
		return audit, lookup
	}

	// a second change in the same notebook chains from the in-batch tip
	// without any merkle lookup
	audit, lookup := buildAudit(newSpend(1000))
	ok, err := VerifyNotebook(audit, lookup)
	require.NoError(t, err)
	require.True(t, ok)

	// a proof disagreeing with the in-batch tip is rejected
	audit, lookup = buildAudit(newSpend(900))
	_, err = VerifyNotebook(audit, lookup)
	require.ErrorIs(t, err, ErrInvalidPreviousBalanceProof)
}

func TestVerifyNotebookBlockVotes(t *testing.T) {
	blockHash := hash.Sum256([]byte("block"))

	buildAudit := func() (*NotebookAudit, []*crypto.InMemorySecp256k1Signer) {
		signerA, voterA := newAccount(t)
		signerB, voterB := newAccount(t)
		voteA := &types.BlockVote{AccountID: voterA, BlockHash: blockHash, Index: 0, Power: 500, Tick: 10}
		signVote(t, voteA, signerA)
		voteB := &types.BlockVote{AccountID: voterB, BlockHash: blockHash, Index: 1, Power: 600, Tick: 10}
		signVote(t, voteB, signerB)

		audit := &NotebookAudit{
			Header:       &types.NotebookHeader{NotaryID: 1, NotebookNumber: 3, Tick: 10},
			BlockVotes:   []*types.BlockVote{voteA, voteB},
			VoteMinimums: map[string]uint64{string(blockHash): 500},
		}
		finalizeHeader(t, audit)
		return audit, []*crypto.InMemorySecp256k1Signer{signerA, signerB}
	}

	t.Run("valid votes", func(t *testing.T) {
		audit, _ := buildAudit()
		ok, err := VerifyNotebook(audit, newFakeHistory())
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("power below minimum", func(t *testing.T) {
		audit, _ := buildAudit()
		audit.VoteMinimums[string(blockHash)] = 600
		_, err := VerifyNotebook(audit, newFakeHistory())
		require.ErrorIs(t, err, ErrInsufficientBlockVoteMinimum)
	})

	t.Run("votes count mismatch", func(t *testing.T) {
		audit, _ := buildAudit()
		audit.Header.BlockVotesCount = 3
		headerHash, err := audit.Header.Hash()
		require.NoError(t, err)
		audit.HeaderHash = headerHash
		_, err = VerifyNotebook(audit, newFakeHistory())
		require.ErrorIs(t, err, ErrInvalidBlockVotesCount)
	})

	t.Run("voting power mismatch", func(t *testing.T) {
		audit, _ := buildAudit()
		audit.Header.BlockVotingPower = 1
		headerHash, err := audit.Header.Hash()
		require.NoError(t, err)
		audit.HeaderHash = headerHash
		_, err = VerifyNotebook(audit, newFakeHistory())
		require.ErrorIs(t, err, ErrInvalidBlockVotingPower)
	})

	t.Run("tampered vote signature", func(t *testing.T) {
		audit, _ := buildAudit()
		audit.BlockVotes[0].Tick = 11
		finalizeHeader(t, audit)
		_, err := VerifyNotebook(audit, newFakeHistory())
		require.ErrorIs(t, err, ErrInvalidBlockVoteSignature)
	})

	t.Run("duplicated blocks with votes declaration", func(t *testing.T) {
		otherBlock := hash.Sum256([]byte("other block"))
		signerA, voterA := newAccount(t)
		signerB, voterB := newAccount(t)
		voteA := &types.BlockVote{AccountID: voterA, BlockHash: blockHash, Index: 0, Power: 500, Tick: 10}
		signVote(t, voteA, signerA)
		voteB := &types.BlockVote{AccountID: voterB, BlockHash: otherBlock, Index: 1, Power: 600, Tick: 10}
		signVote(t, voteB, signerB)

		audit := &NotebookAudit{
			Header:     &types.NotebookHeader{NotaryID: 1, NotebookNumber: 3, Tick: 10},
			BlockVotes: []*types.BlockVote{voteA, voteB},
			VoteMinimums: map[string]uint64{
				string(blockHash):  500,
				string(otherBlock): 500,
			},
		}
		finalizeHeader(t, audit)
		require.Len(t, audit.Header.BlocksWithVotes, 2)

		// listing one block twice keeps the length while dropping the other
		audit.Header.BlocksWithVotes = [][]byte{blockHash, blockHash}
		headerHash, err := audit.Header.Hash()
		require.NoError(t, err)
		audit.HeaderHash = headerHash

		_, err = VerifyNotebook(audit, newFakeHistory())
		require.ErrorIs(t, err, ErrInvalidBlocksWithVotes)
	})

	t.Run("domain vote must match registration", func(t *testing.T) {
		signer, voter := newAccount(t)
		_, domainAccount := newAccount(t)
		domainHash := hash.Sum256([]byte("domain"))
		vote := &types.BlockVote{
			AccountID:     voter,
			BlockHash:     blockHash,
			Power:         500,
			DomainHash:    domainHash,
			DomainAccount: domainAccount,
			Tick:          10,
		}
		signVote(t, vote, signer)
		audit := &NotebookAudit{
			Header:                &types.NotebookHeader{NotaryID: 1, NotebookNumber: 3, Tick: 10},
			BlockVotes:            []*types.BlockVote{vote},
			VoteMinimums:          map[string]uint64{string(blockHash): 500},
			DomainPaymentAccounts: map[string]types.AccountID{string(domainHash): domainAccount},
		}
		finalizeHeader(t, audit)

		ok, err := VerifyNotebook(audit, newFakeHistory())
		require.NoError(t, err)
		require.True(t, ok)

		delete(audit.DomainPaymentAccounts, string(domainHash))
		_, err = VerifyNotebook(audit, newFakeHistory())
		require.ErrorIs(t, err, ErrBlockVoteDataDomainMismatch)
	})
}
