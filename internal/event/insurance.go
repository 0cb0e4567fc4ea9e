package event

// InsuranceTopUp is a governance deposit into the insurance fund.
type InsuranceTopUp struct {
	Meta
	Amount uint64 `json:"amount"`
}

func (c *InsuranceTopUp) CommandType() CommandType { return CommandTypeInsuranceTopUp }
func (c *InsuranceTopUp) Partition() string        { return GlobalPartition }

// InsuranceWithdraw is a governance withdrawal of fund surplus.
type InsuranceWithdraw struct {
	Meta
	Amount uint64 `json:"amount"`
}

func (c *InsuranceWithdraw) CommandType() CommandType { return CommandTypeInsuranceWithdraw }
func (c *InsuranceWithdraw) Partition() string        { return GlobalPartition }
