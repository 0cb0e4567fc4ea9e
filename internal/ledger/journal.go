package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawPrincipal
	JournalTypeWithdrawPnL
	JournalTypeTradeSettle
	JournalTypeInsuranceAccrual
	JournalTypeSocialization
	JournalTypeHaircut
	JournalTypeLiquidation
	JournalTypeInsuranceGovernance
	JournalTypeReserve
	JournalTypeVesting
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawPrincipal:
		return "withdraw_principal"
	case JournalTypeWithdrawPnL:
		return "withdraw_pnl"
	case JournalTypeTradeSettle:
		return "trade_settle"
	case JournalTypeInsuranceAccrual:
		return "insurance_accrual"
	case JournalTypeSocialization:
		return "socialization"
	case JournalTypeHaircut:
		return "haircut"
	case JournalTypeLiquidation:
		return "liquidation"
	case JournalTypeInsuranceGovernance:
		return "insurance_governance"
	case JournalTypeReserve:
		return "reserve"
	case JournalTypeVesting:
		return "vesting"
	default:
		return "unknown"
	}
}

// Journal is one signed balance movement.
type Journal struct {
	JournalID   uuid.UUID
	BatchID     uuid.UUID
	EventRef    string // idempotency key of source command
	Sequence    int64
	Account     AccountKey
	Delta       int64
	JournalType JournalType
	Timestamp   int64 // epoch microseconds
}

// Batch groups the journals produced by one command.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyBatch, b.BatchID)
	}
	for _, j := range b.Journals {
		if j.Delta == 0 {
			return fmt.Errorf("journal %s has zero delta", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
	}
	return nil
}
