package logger

import (
	"log/slog"

	"github.com/milligon/localchain/types"
)

/*
Log attribute key values. Generally shouldn't be used directly, use the
appropriate attribute constructor function instead.

Only define names here if they are common for multiple modules, module
specific names should be defined in the module.
*/
const (
	ErrorKey    = "err"
	AccountKey  = "account"
	NotaryKey   = "notary_id"
	NotebookKey = "notebook"
	TickKey     = "tick"
	HoldKey     = "channel_hold"
	BlockKey    = "finalized_block"
)

/*
Error adds error to the log

	if err := f(); err != nil {
		log.Error("calling f", logger.Error(err))
	}
*/
func Error(err error) slog.Attr {
	return slog.Any(ErrorKey, err)
}

// Account adds the account id field. Use with logger.With() to create a
// sub-logger for an account rather than tagging individual calls.
func Account(id types.AccountID) slog.Attr {
	return slog.String(AccountKey, id.String())
}

// Notary adds the notary id field.
func Notary(id uint32) slog.Attr {
	return slog.Any(NotaryKey, id)
}

// Notebook adds the notebook number field.
func Notebook(number uint32) slog.Attr {
	return slog.Any(NotebookKey, number)
}

// Tick adds the notary tick field.
func Tick(tick uint64) slog.Attr {
	return slog.Any(TickKey, tick)
}

// FinalizedBlock adds the mainchain finalized block number field.
func FinalizedBlock(number uint32) slog.Attr {
	return slog.Any(BlockKey, number)
}

// Hold adds the channel hold id field.
func Hold(id string) slog.Attr {
	return slog.String(HoldKey, id)
}
