package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty command of type ct.
func New(ct CommandType) (Command, error) {
	switch ct {
	case CommandTypeOpenAccount:
		return &OpenAccount{}, nil
	case CommandTypeDeposit:
		return &Deposit{}, nil
	case CommandTypeWithdrawPrincipal:
		return &WithdrawPrincipal{}, nil
	case CommandTypeRequestWithdrawal:
		return &RequestWithdrawal{}, nil
	case CommandTypeDrainWithdrawals:
		return &DrainWithdrawals{}, nil
	case CommandTypeTradeFill:
		return &TradeFill{}, nil
	case CommandTypeWithdrawPnL:
		return &WithdrawPnL{}, nil
	case CommandTypeTick:
		return &Tick{}, nil
	case CommandTypeMatcherNoise:
		return &MatcherNoise{}, nil
	case CommandTypeSocializeLosses:
		return &SocializeLosses{}, nil
	case CommandTypeLiquidate:
		return &Liquidate{}, nil
	case CommandTypeGlobalHaircut:
		return &GlobalHaircut{}, nil
	case CommandTypeInsuranceTopUp:
		return &InsuranceTopUp{}, nil
	case CommandTypeInsuranceWithdraw:
		return &InsuranceWithdraw{}, nil
	case CommandTypeSetEmergency:
		return &SetEmergency{}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", ct)
	}
}

// Decode parses a JSON payload into a command of type ct.
func Decode(ct CommandType, payload []byte) (Command, error) {
	cmd, err := New(ct)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}
	return cmd, nil
}

// Encode is the payload stored in the event log.
func Encode(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}
