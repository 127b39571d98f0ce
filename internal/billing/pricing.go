package billing

import "fmt"

// Quote computes the cost of running epochs units of work on tier:
//
//	cost = base_price + epoch_price * epochs
//
// It is pure and deterministic, and it is the only cost formula in the
// codebase: the authorization gate uses it for the pre-charge estimate
// and the coordinator charges the value the gate quoted, so the quoted
// and charged amounts can never drift apart.
func Quote(tier *PricingTier, epochs int) (Amount, error) {
	if epochs < 0 {
		return 0, fmt.Errorf("epoch count must be non-negative, got %d", epochs)
	}
	return tier.BasePrice + tier.EpochPrice*Amount(epochs), nil
}
