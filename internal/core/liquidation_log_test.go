package core

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/liquidation"
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestDropLiquidation_LogsExecutedOutcome(t *testing.T) {
	var buf bytes.Buffer
	e := NewEngine(DefaultConfig(), nil, nil, nil, nil, zerolog.New(&buf))

	cmd := &event.Liquidate{Meta: event.NewMeta(1_700_000_000), Account: 3}
	cmd.Outcome = &event.LiquidationOutcome{LiquidationID: "liq-1", Mode: "hard", Realized: -5, Notional: 900, Bankrupt: true}

	// replayed outcomes carry no executor result and stay quiet
	e.dropLiquidation(cmd, &Result{}, "invariant")
	assert.Zero(t, buf.Len())

	e.dropLiquidation(cmd, &Result{Liquidation: &liquidation.Result{}}, "invariant")
	line := buf.String()
	assert.Contains(t, line, `"level":"error"`)
	assert.Contains(t, line, `"stage":"invariant"`)
	assert.Contains(t, line, `"account":3`)
	assert.Contains(t, line, `"liquidation_id":"liq-1"`)
	assert.Contains(t, line, `"bankrupt":true`)

	buf.Reset()
	e.dropLiquidation(&event.Deposit{Meta: event.NewMeta(1_700_000_000)}, &Result{Liquidation: &liquidation.Result{}}, "encode")
	assert.Zero(t, buf.Len())
}
