// Package swap turns decoded pool swaps into buy events relative to a tracked token.
package swap

import (
	"errors"
	"fmt"
	"math/big"

	"buyscope/internal/model"
)

// ErrInvalidSides is returned when the target token is not exactly one side of the pool.
var ErrInvalidSides = errors.New("target token is not a pool side")

// ValidateSides checks the pool subscription invariant.
func ValidateSides(sides model.PoolSides) error {
	if sides.Token0 == "" || sides.Token1 == "" || sides.TargetToken == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidSides)
	}
	if sides.Token0 == sides.Token1 {
		return fmt.Errorf("%w: token0 equals token1", ErrInvalidSides)
	}
	if sides.TargetToken != sides.Token0 && sides.TargetToken != sides.Token1 {
		return fmt.Errorf("%w: %s", ErrInvalidSides, sides.TargetToken)
	}
	return nil
}

// Classify returns the buy carried by event, or ok=false when the swap is a sell or carries no flow.
func Classify(event model.SwapEvent, sides model.PoolSides) (model.BuyEvent, bool, error) {
	if err := ValidateSides(sides); err != nil {
		return model.BuyEvent{}, false, err
	}

	var baseIn, targetOut *big.Int
	var err error
	switch event.Kind {
	case model.ReserveSwap:
		baseIn, targetOut, err = classifyReserve(event.Reserve, sides.TargetIsToken0())
	case model.DeltaSwap:
		baseIn, targetOut, err = classifyDelta(event.Delta, sides.TargetIsToken0())
	default:
		err = fmt.Errorf("unknown swap kind %d", event.Kind)
	}
	if err != nil {
		return model.BuyEvent{}, false, err
	}
	if baseIn == nil || targetOut == nil {
		return model.BuyEvent{}, false, nil
	}

	return model.BuyEvent{
		Chain:       event.Chain,
		Pool:        event.Pool,
		Sides:       sides,
		BaseIn:      baseIn,
		TargetOut:   targetOut,
		Recipient:   event.Recipient,
		TxHash:      event.TxHash,
		LogIndex:    event.LogIndex,
		BlockNumber: event.BlockNumber,
	}, true, nil
}

func classifyReserve(amounts *model.ReserveAmounts, targetIsToken0 bool) (*big.Int, *big.Int, error) {
	if amounts == nil {
		return nil, nil, fmt.Errorf("reserve swap without amounts")
	}
	baseIn, targetOut := amounts.Amount1In, amounts.Amount0Out
	if !targetIsToken0 {
		baseIn, targetOut = amounts.Amount0In, amounts.Amount1Out
	}
	if !positive(baseIn) || !positive(targetOut) {
		return nil, nil, nil
	}
	return new(big.Int).Set(baseIn), new(big.Int).Set(targetOut), nil
}

// A negative delta on the target slot means the pool paid the target token out.
func classifyDelta(amounts *model.DeltaAmounts, targetIsToken0 bool) (*big.Int, *big.Int, error) {
	if amounts == nil || amounts.Amount0 == nil || amounts.Amount1 == nil {
		return nil, nil, fmt.Errorf("delta swap without amounts")
	}
	targetDelta, baseDelta := amounts.Amount0, amounts.Amount1
	if !targetIsToken0 {
		targetDelta, baseDelta = amounts.Amount1, amounts.Amount0
	}
	if targetDelta.Sign() >= 0 || baseDelta.Sign() <= 0 {
		return nil, nil, nil
	}
	return new(big.Int).Abs(baseDelta), new(big.Int).Abs(targetDelta), nil
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
