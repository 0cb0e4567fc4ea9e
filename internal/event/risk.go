package event

// Liquidate runs the liquidation planner and executor for an account.
// Outcome is filled in by the engine once venues have executed, so a replay
// of the logged command applies the same result without calling venues.
type Liquidate struct {
	Meta
	Account     int                 `json:"account"`
	ForcePreLiq bool                `json:"force_pre_liq"`
	Outcome     *LiquidationOutcome `json:"outcome,omitempty"`
}

func (c *Liquidate) CommandType() CommandType { return CommandTypeLiquidate }
func (c *Liquidate) Partition() string        { return AccountPartition(c.Account) }
func (c *Liquidate) TargetAccount() int       { return c.Account }

// LiquidationOutcome is what a liquidation run did to the account.
type LiquidationOutcome struct {
	LiquidationID     string          `json:"liquidation_id"`
	Mode              string          `json:"mode"`
	Realized          int64           `json:"realized"`
	Fees              uint64          `json:"fees"`
	Notional          uint64          `json:"notional"`
	Exposures         []ExposureState `json:"exposures"`
	LastLiquidationTs int64           `json:"last_liquidation_ts"`
	Bankrupt          bool            `json:"bankrupt"`
}

// ExposureState is one venue position after the run.
type ExposureState struct {
	Venue      string `json:"venue"`
	Instrument string `json:"instrument"`
	Qty        int64  `json:"qty"`
	EntryPrice int64  `json:"entry_price"`
}

// SocializeLosses spreads a deficit across winners' PnL.
type SocializeLosses struct {
	Meta
	Deficit uint64 `json:"deficit"`
}

func (c *SocializeLosses) CommandType() CommandType { return CommandTypeSocializeLosses }
func (c *SocializeLosses) Partition() string        { return GlobalPartition }

// GlobalHaircut scales every account's positive PnL through the haircut index.
type GlobalHaircut struct {
	Meta
	Shortfall uint64 `json:"shortfall"`
}

func (c *GlobalHaircut) CommandType() CommandType { return CommandTypeGlobalHaircut }
func (c *GlobalHaircut) Partition() string        { return GlobalPartition }

// SetEmergency toggles emergency withdrawal mode.
type SetEmergency struct {
	Meta
	Active            bool   `json:"active"`
	ExitMultiplierBps uint64 `json:"exit_multiplier_bps"`
	ExpiresAt         int64  `json:"expires_at"`
}

func (c *SetEmergency) CommandType() CommandType { return CommandTypeSetEmergency }
func (c *SetEmergency) Partition() string        { return GlobalPartition }
