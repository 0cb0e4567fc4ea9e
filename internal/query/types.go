package query

// AccountResponse is one account's ledger and withdrawal state.
type AccountResponse struct {
	Index        int                `json:"index"`
	Principal    uint64             `json:"principal"`
	PnL          int64              `json:"pnl"`
	VestedPnL    int64              `json:"vested_pnl"`
	ReservedPnL  uint64             `json:"reserved_pnl"`
	Equity       int64              `json:"equity"`
	Withdrawable uint64             `json:"withdrawable"`
	WindowUsed   uint64             `json:"window_used"`
	Exposures    []ExposureResponse `json:"exposures,omitempty"`
	Pending      []PendingResponse  `json:"pending,omitempty"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// ExposureResponse is one venue position.
type ExposureResponse struct {
	Venue      string `json:"venue"`
	Instrument string `json:"instrument"`
	Qty        int64  `json:"qty"`
	EntryPrice int64  `json:"entry_price"`
}

// PendingResponse is a queued withdrawal.
type PendingResponse struct {
	ID       string `json:"id"`
	Account  int    `json:"account"`
	Amount   uint64 `json:"amount"`
	Reserved uint64 `json:"reserved"`
	EtaSecs  int64  `json:"eta_secs"`
}

// MarginResponse contains margin metrics derived at query time from oracle prices.
type MarginResponse struct {
	Index          int    `json:"index"`
	LedgerEquity   int64  `json:"ledger_equity"`
	UnrealizedPnL  int64  `json:"unrealized_pnl"`
	Equity         int64  `json:"equity"`
	TotalNotional  uint64 `json:"total_notional"`
	Maintenance    uint64 `json:"maintenance"`
	Initial        uint64 `json:"initial"`
	Health         int64  `json:"health"`
	Mode           string `json:"mode"`
	IsLiquidatable bool   `json:"is_liquidatable"`
	PriceTimestamp int64  `json:"price_timestamp"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// SystemResponse is the global ledger state.
type SystemResponse struct {
	Vault            uint64 `json:"vault"`
	InsuranceFund    uint64 `json:"insurance_fund"`
	FeesOutstanding  uint64 `json:"fees_outstanding"`
	Step             uint64 `json:"step"`
	HaircutIndex     uint64 `json:"haircut_index"`
	UncoveredBadDebt uint64 `json:"uncovered_bad_debt"`
	EmergencyActive  bool   `json:"emergency_active"`
	AccountCount     int    `json:"account_count"`
	PendingCount     int    `json:"pending_count"`
	Conserved        bool   `json:"conserved"`
	Sequence         int64  `json:"sequence"`
	StateHash        string `json:"state_hash"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID   string `json:"journal_id"`
	BatchID     string `json:"batch_id"`
	EventRef    string `json:"event_ref"`
	Sequence    int64  `json:"sequence"`
	Account     string `json:"account"`
	Delta       int64  `json:"delta"`
	JournalType string `json:"journal_type"`
	Timestamp   int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	Conserved       bool    `json:"conserved"`
	JournalsMatch   bool    `json:"journals_match"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
