package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/milligon/localchain/internal/hash"
)

type (
	// NoteKind tags one value-movement variant. Each kind has a fixed
	// effect on the owning account's running balance and on the
	// changeset-wide conservation accumulator (see BalanceEffect and
	// TransferEffect).
	NoteKind uint8

	// NoteType is the tagged variant payload of a note. Only the fields
	// relevant to the Kind are set; unused fields stay zero so the
	// canonical encoding is unambiguous.
	NoteType struct {
		_    struct{} `cbor:",toarray"`
		Kind NoteKind `json:"kind"`
		// To restricts which accounts may claim a Send. Empty means
		// unrestricted.
		To []AccountID `json:"to,omitempty"`
		// Recipient and DelegatedSigner parameterize a ChannelHold.
		Recipient       AccountID `json:"recipient,omitempty"`
		DelegatedSigner AccountID `json:"delegatedSigner,omitempty"`
		// TransferNonce identifies a ClaimFromMainchain transfer.
		TransferNonce uint32 `json:"transferNonce,omitempty"`
		// DomainHash names the leased data domain.
		DomainHash []byte `json:"domainHash,omitempty"`
	}

	// Note is a single value-movement line item of a balance change.
	Note struct {
		_         struct{} `cbor:",toarray"`
		ID        []byte   `json:"id"`
		Milligons uint64   `json:"milligons"`
		NoteType  NoteType `json:"noteType"`
	}
)

const (
	NoteKindSend NoteKind = 1 + iota
	NoteKindClaim
	NoteKindSendToMainchain
	NoteKindClaimFromMainchain
	NoteKindTax
	NoteKindSendToVote
	NoteKindLeaseDomain
	NoteKindChannelHold
	NoteKindChannelHoldSettle
	NoteKindChannelHoldClaim
)

func (k NoteKind) String() string {
	switch k {
	case NoteKindSend:
		return "send"
	case NoteKindClaim:
		return "claim"
	case NoteKindSendToMainchain:
		return "sendToMainchain"
	case NoteKindClaimFromMainchain:
		return "claimFromMainchain"
	case NoteKindTax:
		return "tax"
	case NoteKindSendToVote:
		return "sendToVote"
	case NoteKindLeaseDomain:
		return "leaseDomain"
	case NoteKindChannelHold:
		return "channelHold"
	case NoteKindChannelHoldSettle:
		return "channelHoldSettle"
	case NoteKindChannelHoldClaim:
		return "channelHoldClaim"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// BalanceEffect returns the sign of the note's effect on the owning
// account's running balance: -1 outflow, +1 inflow, 0 neutral.
func (k NoteKind) BalanceEffect() int {
	switch k {
	case NoteKindSend, NoteKindSendToMainchain, NoteKindTax, NoteKindSendToVote,
		NoteKindLeaseDomain, NoteKindChannelHoldSettle:
		return -1
	case NoteKindClaim, NoteKindClaimFromMainchain, NoteKindChannelHoldClaim:
		return +1
	case NoteKindChannelHold:
		return 0
	}
	return 0
}

// TransferEffect returns the sign of the note's contribution to the
// changeset-wide net-zero accumulator. Chain-boundary notes (mainchain
// transfers, vote funding, domain leases) contribute nothing here; they
// are reconciled against the notebook header instead.
func (k NoteKind) TransferEffect() int {
	switch k {
	case NoteKindSend, NoteKindTax, NoteKindChannelHoldSettle:
		return +1
	case NoteKindClaim, NoteKindChannelHoldClaim:
		return -1
	}
	return 0
}

// ComputeNoteID derives the note's content-derived id from its owning
// change coordinates and the note body. Both parties to a transfer derive
// equal ids from equal content, so a mismatch proves tampering.
func ComputeNoteID(accountID AccountID, accountType AccountType, changeNumber uint32, noteIndex int, milligons uint64, noteType NoteType) ([]byte, error) {
	body, err := cborEnc.Marshal(&noteType)
	if err != nil {
		return nil, fmt.Errorf("encoding note type: %w", err)
	}
	head, err := cborEnc.Marshal([]any{[]byte(accountID), uint8(accountType), changeNumber, uint64(noteIndex), milligons})
	if err != nil {
		return nil, fmt.Errorf("encoding note header: %w", err)
	}
	return hash.Sum256(head, body), nil
}

// cborEnc is the canonical encoder used for every hashed or signed byte
// string. Core-deterministic encoding keeps client and notary byte-equal.
var cborEnc cbor.EncMode

func init() {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborEnc = enc
}

// Cbor marshals v with the canonical encoder.
func Cbor(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}
