// Package strategy defines the strategy contract, the registry that binds
// saved strategies to executable factories, and JSON-schema backed
// parameter validation. The same Strategy instance runs unchanged in
// backtests, paper sessions and live sessions.
package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/tradeforge/tradeforge/internal/domain"
)

// Regime tags the market condition a strategy is built for.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeNeutral  Regime = "neutral"
)

// Ctx is the read-only account view handed to every handler. Drivers fill
// it before each event; strategies must not retain it across calls.
type Ctx struct {
	Symbol    string
	Now       time.Time
	Equity    float64
	Available float64
	Position  domain.Position
	LastPrice float64
}

// Strategy consumes market events and emits signals. Handlers run on a
// single goroutine in event-timestamp order, so implementations keep plain
// unguarded state. Clone returns a deep copy used for side-effect-free
// previews.
type Strategy interface {
	Name() string
	OnBar(ctx *Ctx, bar domain.Bar) []domain.Signal
	OnTrade(ctx *Ctx, trade domain.Trade) []domain.Signal
	Clone() Strategy
}

// OrderbookHandler is implemented by strategies that consume L2 snapshots.
type OrderbookHandler interface {
	OnOrderbook(ctx *Ctx, book domain.Orderbook) []domain.Signal
}

// FundingHandler is implemented by strategies that trade funding.
type FundingHandler interface {
	OnFundingRate(ctx *Ctx, rate domain.FundingRate) []domain.Signal
}

// Lifecycle hooks run when a session starts and stops.
type Lifecycle interface {
	OnStart(ctx *Ctx) error
	OnStop(ctx *Ctx) error
}

// Meta describes a registered strategy.
type Meta struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Regime      Regime          `json:"regime"`
	ParamSchema json.RawMessage `json:"param_schema"`
}

// EvaluateBar previews the signals a strategy would emit for bar without
// advancing its state: the bar is applied to a clone. Calling it any number
// of times leaves the original strategy untouched.
func EvaluateBar(s Strategy, ctx *Ctx, bar domain.Bar) []domain.Signal {
	return s.Clone().OnBar(ctx, bar)
}

// HashPrefix namespaces strategy version hashes.
const HashPrefix = "sha256:"

// SourceHash returns the content-addressed version hash of strategy source.
// Identical source always produces the identical hash.
func SourceHash(source []byte) string {
	sum := sha256.Sum256(source)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// Record is a saved strategy version. Source is stored verbatim; execution
// resolves Name against the registry.
type Record struct {
	ID          string          `json:"id" db:"id"`
	VersionHash string          `json:"version_hash" db:"version_hash"`
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description" db:"description"`
	Source      string          `json:"source" db:"source"`
	ParamSchema json.RawMessage `json:"param_schema" db:"param_schema"`
	ParentHash  string          `json:"parent_hash,omitempty" db:"parent_hash"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
