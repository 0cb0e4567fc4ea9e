package ledger

import "errors"

var (
	ErrConservation   = errors.New("conservation violated")
	ErrVestedAbovePnL = errors.New("vested pnl above pnl")
	ErrEmptyBatch     = errors.New("journal batch is empty")
)
