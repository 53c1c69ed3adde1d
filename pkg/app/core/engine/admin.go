package engine

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

func (e *Engine) requireAdmin(caller common.Address) error {
	if caller != e.admin {
		return fmt.Errorf("%w: %s", ErrNotAdmin, caller.Hex())
	}
	return nil
}

// updateSettings runs an admin change as an operation so it is journaled
// like any other state change.
func (e *Engine) updateSettings(caller common.Address, setting, value string, apply func(s *Settings) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	op := "admin_" + setting
	if err := e.requireAdmin(caller); err != nil {
		e.reject(op, err)
		return err
	}
	err := e.run(op, func(tx *txn) error {
		if err := apply(&e.settings); err != nil {
			return err
		}
		tx.emit(Event{Type: EventSettingsUpdated, Owner: caller, Setting: setting, Value: value})
		return nil
	})
	if err != nil {
		return err
	}
	e.log.Info("settings updated", zap.String("setting", setting), zap.String("value", value))
	return nil
}

func (e *Engine) SetTradingFee(caller common.Address, feeBps uint64) error {
	return e.updateSettings(caller, "fee_bps", strconv.FormatUint(feeBps, 10), func(s *Settings) error {
		if feeBps > MaxFeeBps {
			return fmt.Errorf("%w: %d", ErrFeeTooHigh, feeBps)
		}
		s.FeeBps = feeBps
		return nil
	})
}

func (e *Engine) SetFeeRecipient(caller, recipient common.Address) error {
	return e.updateSettings(caller, "fee_recipient", recipient.Hex(), func(s *Settings) error {
		if recipient == (common.Address{}) {
			return ErrZeroAddress
		}
		if recipient == e.custody {
			return fmt.Errorf("%w: fee recipient cannot be the custody address", ErrValidation)
		}
		s.FeeRecipient = recipient
		return nil
	})
}

func (e *Engine) SetMinOrderSize(caller common.Address, qty *uint256.Int) error {
	return e.updateSettings(caller, "min_order_size", qty.Dec(), func(s *Settings) error {
		if qty.IsZero() {
			return fmt.Errorf("%w: minimum order size must be positive", ErrBelowMinOrderSize)
		}
		s.MinOrderSize = *qty
		return nil
	})
}

// Pause blocks new placements and seeding. Cancels and queries keep working.
func (e *Engine) Pause(caller common.Address) error {
	return e.updateSettings(caller, "paused", "true", func(s *Settings) error {
		s.Paused = true
		return nil
	})
}

func (e *Engine) Unpause(caller common.Address) error {
	return e.updateSettings(caller, "paused", "false", func(s *Settings) error {
		s.Paused = false
		return nil
	})
}
