// Package builtin ships the stock strategies and registers them with a
// strategy registry. Each strategy declares its tunable parameters as a
// tagged struct; the reflected schema drives validation and grid search.
package builtin

import "github.com/tradeforge/tradeforge/internal/strategy"

// Register adds all built-in strategies to r.
func Register(r *strategy.Registry) error {
	if err := registerMomentum(r); err != nil {
		return err
	}
	if err := registerGridder(r); err != nil {
		return err
	}
	if err := registerMaker(r); err != nil {
		return err
	}
	return registerFundingCarry(r)
}
