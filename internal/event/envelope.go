package event

import (
	"fmt"

	"github.com/google/uuid"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeOpenAccount
	CommandTypeDeposit
	CommandTypeWithdrawPrincipal
	CommandTypeRequestWithdrawal
	CommandTypeDrainWithdrawals
	CommandTypeTradeFill
	CommandTypeWithdrawPnL
	CommandTypeTick
	CommandTypeMatcherNoise
	CommandTypeSocializeLosses
	CommandTypeLiquidate
	CommandTypeGlobalHaircut
	CommandTypeInsuranceTopUp
	CommandTypeInsuranceWithdraw
	CommandTypeSetEmergency
)

var commandNames = map[CommandType]string{
	CommandTypeOpenAccount:       "OpenAccount",
	CommandTypeDeposit:           "Deposit",
	CommandTypeWithdrawPrincipal: "WithdrawPrincipal",
	CommandTypeRequestWithdrawal: "RequestWithdrawal",
	CommandTypeDrainWithdrawals:  "DrainWithdrawals",
	CommandTypeTradeFill:         "TradeFill",
	CommandTypeWithdrawPnL:       "WithdrawPnL",
	CommandTypeTick:              "Tick",
	CommandTypeMatcherNoise:      "MatcherNoise",
	CommandTypeSocializeLosses:   "SocializeLosses",
	CommandTypeLiquidate:         "Liquidate",
	CommandTypeGlobalHaircut:     "GlobalHaircut",
	CommandTypeInsuranceTopUp:    "InsuranceTopUp",
	CommandTypeInsuranceWithdraw: "InsuranceWithdraw",
	CommandTypeSetEmergency:      "SetEmergency",
}

func (ct CommandType) String() string {
	if name, ok := commandNames[ct]; ok {
		return name
	}
	return "Unknown"
}

// ParseCommandType maps a wire name back to its CommandType.
func ParseCommandType(name string) (CommandType, error) {
	for ct, n := range commandNames {
		if n == name {
			return ct, nil
		}
	}
	return CommandTypeUnknown, fmt.Errorf("unknown command type: %s", name)
}

// Envelope wraps every applied command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	CommandType CommandType

	// Partition the command was ordered in
	Partition string

	// Versioned input timestamp, unix seconds (NOT wall-clock)
	Timestamp int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all engine inputs implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// Partition returns the ordering partition ("global" or "account:N")
	Partition() string

	// SourceSequence returns the upstream ordering key, 0 when unsequenced
	SourceSequence() int64

	// At returns the versioned timestamp in unix seconds
	At() int64
}

// Meta carries the fields every command shares.
type Meta struct {
	CommandID uuid.UUID `json:"command_id"`
	Sequence  int64     `json:"sequence,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// NewMeta returns a Meta with a fresh command id.
func NewMeta(timestamp int64) Meta {
	return Meta{CommandID: uuid.New(), Timestamp: timestamp}
}

func (m Meta) IdempotencyKey() string { return m.CommandID.String() }
func (m Meta) SourceSequence() int64  { return m.Sequence }
func (m Meta) At() int64              { return m.Timestamp }

const GlobalPartition = "global"

// AccountPartition names the ordering partition of one account.
func AccountPartition(account int) string {
	return fmt.Sprintf("account:%d", account)
}

// AccountScoped is implemented by commands that target a single account.
type AccountScoped interface {
	TargetAccount() int
}
