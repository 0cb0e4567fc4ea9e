package core

import "MarginLedger/internal/event"

// Authorizer decides whether a command may mutate the ledger. The engine only
// consumes the boolean; signature and key checks live outside the core.
type Authorizer interface {
	Authorized(cmd event.Command) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(cmd event.Command) bool

func (f AuthorizerFunc) Authorized(cmd event.Command) bool { return f(cmd) }

// AllowAll authorizes every command.
var AllowAll Authorizer = AuthorizerFunc(func(event.Command) bool { return true })

// GovernanceOnly authorizes account-scoped commands unconditionally and
// global commands only when isGovernor approves them. WithdrawPrincipal and
// WithdrawPnL skip the withdrawal limiter, so they count as global.
func GovernanceOnly(isGovernor func(event.Command) bool) Authorizer {
	return AuthorizerFunc(func(cmd event.Command) bool {
		switch cmd.CommandType() {
		case event.CommandTypeWithdrawPrincipal, event.CommandTypeWithdrawPnL:
			return isGovernor(cmd)
		case event.CommandTypeOpenAccount, event.CommandTypeTick,
			event.CommandTypeMatcherNoise, event.CommandTypeDrainWithdrawals:
			return true
		}
		if _, ok := cmd.(event.AccountScoped); ok {
			return true
		}
		return isGovernor(cmd)
	})
}
