package event

// OpenAccount allocates the next account index.
type OpenAccount struct {
	Meta
}

func (c *OpenAccount) CommandType() CommandType { return CommandTypeOpenAccount }
func (c *OpenAccount) Partition() string        { return GlobalPartition }

// Deposit credits principal.
type Deposit struct {
	Meta
	Account int    `json:"account"`
	Amount  uint64 `json:"amount"`
}

func (c *Deposit) CommandType() CommandType { return CommandTypeDeposit }
func (c *Deposit) Partition() string        { return AccountPartition(c.Account) }
func (c *Deposit) TargetAccount() int       { return c.Account }

// WithdrawPrincipal pays principal out without passing the rate limiter.
// Governance only; users exit through RequestWithdrawal.
type WithdrawPrincipal struct {
	Meta
	Account int    `json:"account"`
	Amount  uint64 `json:"amount"`
}

func (c *WithdrawPrincipal) CommandType() CommandType { return CommandTypeWithdrawPrincipal }
func (c *WithdrawPrincipal) Partition() string        { return AccountPartition(c.Account) }
func (c *WithdrawPrincipal) TargetAccount() int       { return c.Account }
