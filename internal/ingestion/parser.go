package ingestion

import (
	"MarginLedger/internal/event"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SubjectPrefix is the inbound command subject root. The last token names
// the command type: margin.commands.Deposit, margin.commands.TradeFill, ...
const SubjectPrefix = "margin.commands."

var (
	ErrMissingCommandID = errors.New("command_id is required")
	ErrMissingTimestamp = errors.New("timestamp must be positive")
	ErrOutcomeInjected  = errors.New("liquidation outcome is set by the engine")
)

// CommandTypeFromSubject extracts the command type from an inbound subject.
func CommandTypeFromSubject(subject string) (event.CommandType, error) {
	name, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok || name == "" || strings.Contains(name, ".") {
		return event.CommandTypeUnknown, fmt.Errorf("not a command subject: %q", subject)
	}
	return event.ParseCommandType(name)
}

// SubjectFor returns the inbound subject for ct.
func SubjectFor(ct event.CommandType) string {
	return SubjectPrefix + ct.String()
}

// ParseCommand decodes a JSON command of the named type and validates the
// fields the engine relies on but cannot check itself.
func ParseCommand(commandType string, data []byte) (event.Command, error) {
	ct, err := event.ParseCommandType(commandType)
	if err != nil {
		return nil, err
	}
	return parse(ct, data)
}

// ParseRawCommand decodes a message received on a command subject.
func ParseRawCommand(raw RawCommand) (event.Command, error) {
	ct, err := CommandTypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	return parse(ct, raw.Data)
}

func parse(ct event.CommandType, data []byte) (event.Command, error) {
	cmd, err := event.Decode(ct, data)
	if err != nil {
		return nil, err
	}
	if cmd.IdempotencyKey() == uuid.Nil.String() {
		return nil, fmt.Errorf("%s: %w", ct, ErrMissingCommandID)
	}
	if cmd.At() <= 0 {
		return nil, fmt.Errorf("%s: %w", ct, ErrMissingTimestamp)
	}
	if l, ok := cmd.(*event.Liquidate); ok && l.Outcome != nil {
		return nil, fmt.Errorf("%s: %w", ct, ErrOutcomeInjected)
	}
	return cmd, nil
}
