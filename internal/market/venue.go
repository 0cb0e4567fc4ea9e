package market

import (
	"MarginLedger/internal/liquidation"
	fpmath "MarginLedger/internal/math"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// PaperVenue fills reduce-only orders in full at the oracle price. It backs
// dry runs and tests where no venue connectivity exists.
type PaperVenue struct {
	id     string
	oracle *OracleCache
	feeBps uint64
}

func NewPaperVenue(id string, oracle *OracleCache, feeBps uint64) *PaperVenue {
	return &PaperVenue{id: id, oracle: oracle, feeBps: feeBps}
}

func (v *PaperVenue) ID() string { return v.id }

func (v *PaperVenue) Quote(_ context.Context, instrument string) (int64, error) {
	u, ok := v.oracle.Price(instrument)
	if !ok {
		return 0, fmt.Errorf("%w: %s", liquidation.ErrNoPrice, instrument)
	}
	return u.Price, nil
}

func (v *PaperVenue) Execute(ctx context.Context, instrument string, side liquidation.Side, qty uint64, limit int64) (liquidation.Fill, error) {
	px, err := v.Quote(ctx, instrument)
	if err != nil {
		return liquidation.Fill{}, err
	}
	if (side == liquidation.SideSell && px < limit) || (side == liquidation.SideBuy && px > limit) {
		return liquidation.Fill{}, fmt.Errorf("%w: mark %d, limit %d", liquidation.ErrLimitViolated, px, limit)
	}
	notional := fpmath.ComputeNotional(fpmath.ToSigned(qty), px)
	return liquidation.Fill{
		FilledQty: qty,
		AvgPrice:  px,
		Notional:  notional,
		Fee:       fpmath.Bps(notional, v.feeBps),
	}, nil
}

// Requester is the request-reply half of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Venue rejection codes carried in reply errors.
const (
	rejectLiquidity = "insufficient_liquidity"
	rejectLimit     = "limit_violated"
)

type quoteRequest struct {
	Instrument string `json:"instrument"`
}

type quoteReply struct {
	Mark  int64  `json:"mark"`
	Error string `json:"error,omitempty"`
}

type executeRequest struct {
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Qty        uint64 `json:"qty"`
	Limit      int64  `json:"limit"`
}

type executeReply struct {
	FilledQty uint64 `json:"filled_qty"`
	AvgPrice  int64  `json:"avg_price"`
	Notional  uint64 `json:"notional"`
	Fee       uint64 `json:"fee"`
	Error     string `json:"error,omitempty"`
}

// NATSVenue talks to a venue adapter over NATS request-reply on
// margin.venues.<id>.quote and margin.venues.<id>.execute.
type NATSVenue struct {
	id string
	nc Requester
}

func NewNATSVenue(id string, nc Requester) *NATSVenue {
	return &NATSVenue{id: id, nc: nc}
}

func (v *NATSVenue) ID() string { return v.id }

func (v *NATSVenue) subject(op string) string {
	return "margin.venues." + v.id + "." + op
}

func (v *NATSVenue) Quote(ctx context.Context, instrument string) (int64, error) {
	var reply quoteReply
	if err := v.request(ctx, "quote", quoteRequest{Instrument: instrument}, &reply); err != nil {
		return 0, err
	}
	if reply.Error != "" {
		return 0, fmt.Errorf("venue %s quote: %s", v.id, reply.Error)
	}
	return reply.Mark, nil
}

func (v *NATSVenue) Execute(ctx context.Context, instrument string, side liquidation.Side, qty uint64, limit int64) (liquidation.Fill, error) {
	var reply executeReply
	req := executeRequest{Instrument: instrument, Side: side.String(), Qty: qty, Limit: limit}
	if err := v.request(ctx, "execute", req, &reply); err != nil {
		return liquidation.Fill{}, err
	}
	switch reply.Error {
	case "":
	case rejectLiquidity:
		return liquidation.Fill{}, liquidation.ErrInsufficientLiquidity
	case rejectLimit:
		return liquidation.Fill{}, liquidation.ErrLimitViolated
	default:
		return liquidation.Fill{}, fmt.Errorf("venue %s execute: %s", v.id, reply.Error)
	}
	return liquidation.Fill{
		FilledQty: reply.FilledQty,
		AvgPrice:  reply.AvgPrice,
		Notional:  reply.Notional,
		Fee:       reply.Fee,
	}, nil
}

func (v *NATSVenue) request(ctx context.Context, op string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := v.nc.RequestWithContext(ctx, v.subject(op), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("venue %s offline: %w", v.id, err)
		}
		return fmt.Errorf("venue %s %s: %w", v.id, op, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("venue %s %s reply: %w", v.id, op, err)
	}
	return nil
}

// Venues builds one venue per distinct registry venue id. mode "paper" fills
// against the oracle; anything else uses NATS request-reply.
func Venues(reg *liquidation.Registry, mode string, oracle *OracleCache, nc Requester, paperFeeBps uint64) []liquidation.Venue {
	seen := make(map[string]bool)
	var out []liquidation.Venue
	for _, entry := range reg.Venues {
		if seen[entry.ID] {
			continue
		}
		seen[entry.ID] = true
		if mode == "paper" || nc == nil {
			out = append(out, NewPaperVenue(entry.ID, oracle, paperFeeBps))
		} else {
			out = append(out, NewNATSVenue(entry.ID, nc))
		}
	}
	return out
}
