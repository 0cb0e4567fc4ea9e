package event

// RequestWithdrawal asks for amount of withdrawable balance. What the rate
// limiter admits is paid now; the rest is queued.
type RequestWithdrawal struct {
	Meta
	Account int    `json:"account"`
	Amount  uint64 `json:"amount"`
}

func (c *RequestWithdrawal) CommandType() CommandType { return CommandTypeRequestWithdrawal }
func (c *RequestWithdrawal) Partition() string        { return AccountPartition(c.Account) }
func (c *RequestWithdrawal) TargetAccount() int       { return c.Account }

// DrainWithdrawals retries queued withdrawals whose eta has passed.
type DrainWithdrawals struct {
	Meta
}

func (c *DrainWithdrawals) CommandType() CommandType { return CommandTypeDrainWithdrawals }
func (c *DrainWithdrawals) Partition() string        { return GlobalPartition }

// WithdrawPnL withdraws positive PnL under the warm-up throttle only, with no
// rate limiter. Governance only.
type WithdrawPnL struct {
	Meta
	Account int    `json:"account"`
	Amount  uint64 `json:"amount"`
}

func (c *WithdrawPnL) CommandType() CommandType { return CommandTypeWithdrawPnL }
func (c *WithdrawPnL) Partition() string        { return AccountPartition(c.Account) }
func (c *WithdrawPnL) TargetAccount() int       { return c.Account }
