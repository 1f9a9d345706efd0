package notarization

import (
	"github.com/milligon/localchain/types"
	"github.com/milligon/localchain/wallet/store"
)

// NotarizationTracker is the immutable result snapshot of a successful
// Notarize call: the notary's acceptance coordinates plus the persisted
// per-account balance change rows.
type NotarizationTracker struct {
	NotarizationID    uint64
	NotaryID          uint32
	NotebookNumber    uint32
	Tick              uint64
	Changes           []*store.BalanceChangeRow
	NewAccountOrigins map[types.AccountKey]types.AccountOrigin
}

// ChangeFor returns the persisted row for the given account, or nil when
// the account was not part of this notarization.
func (t *NotarizationTracker) ChangeFor(accountID types.AccountID, accountType types.AccountType) *store.BalanceChangeRow {
	for _, row := range t.Changes {
		if row.AccountID.Eq(accountID) && row.AccountType == accountType {
			return row
		}
	}
	return nil
}
