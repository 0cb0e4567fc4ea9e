package event

// TradeFill is a venue fill for an account. Qty is signed: positive buys.
// Idempotency key: the venue's fill id carried in CommandID.
type TradeFill struct {
	Meta
	Account    int    `json:"account"`
	Venue      string `json:"venue"`
	Instrument string `json:"instrument"`
	Qty        int64  `json:"qty"`   // Fixed-point: quantity scale 1_000_000
	Price      int64  `json:"price"` // Fixed-point: price scale 1_000_000
	Fee        uint64 `json:"fee"`   // Fixed-point: quote scale 1_000_000
}

func (c *TradeFill) CommandType() CommandType { return CommandTypeTradeFill }
func (c *TradeFill) Partition() string        { return AccountPartition(c.Account) }
func (c *TradeFill) TargetAccount() int       { return c.Account }

// MatcherNoise records venue activity that leaves balances unchanged.
type MatcherNoise struct {
	Meta
}

func (c *MatcherNoise) CommandType() CommandType { return CommandTypeMatcherNoise }
func (c *MatcherNoise) Partition() string        { return GlobalPartition }

// Tick advances the ledger step clock.
type Tick struct {
	Meta
	Steps uint64 `json:"steps"`
}

func (c *Tick) CommandType() CommandType { return CommandTypeTick }
func (c *Tick) Partition() string        { return GlobalPartition }
