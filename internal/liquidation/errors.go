package liquidation

import "errors"

var (
	ErrPortfolioHealthy      = errors.New("portfolio is healthy")
	ErrCooldown              = errors.New("liquidation cooldown not elapsed")
	ErrNoPrice               = errors.New("no oracle price for any exposure")
	ErrStalePrice            = errors.New("oracle price snapshot is stale")
	ErrPlanFull              = errors.New("liquidation plan exceeds max splits")
	ErrInvalidRegistry       = errors.New("invalid liquidation registry")
	ErrUnknownVenue          = errors.New("unknown venue")
	ErrInsufficientLiquidity = errors.New("venue has insufficient liquidity")
	ErrLimitViolated         = errors.New("venue fill would violate limit price")
)
