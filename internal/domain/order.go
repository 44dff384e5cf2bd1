package domain

import "time"

// Side is the taker direction of an order or trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderKind selects the execution semantics of an order.
type OrderKind string

const (
	// Market fills immediately at the reference price plus slippage.
	Market OrderKind = "MARKET"
	// Limit rests until price crosses the limit, then fills at the limit.
	Limit OrderKind = "LIMIT"
	// Stop arms at the stop price and fires a market order on breach.
	Stop OrderKind = "STOP"
	// StopLimit arms at the stop price and places a limit order on breach.
	StopLimit OrderKind = "STOP_LIMIT"
	// TpSl is a take-profit/stop-loss bracket of reduce-only stops.
	TpSl OrderKind = "TP_SL"
	// TrailingStop follows the price at a callback distance.
	TrailingStop OrderKind = "TRAILING_STOP"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Order is a single order as tracked by the matching engine and venues.
//
// LimitPrice applies to Limit and StopLimit; StopPrice to Stop, StopLimit
// and the TpSl legs; CallbackRate and ActivationPrice to TrailingStop;
// TakeProfit and StopLoss carry the TpSl bracket prices.
type Order struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"session_id,omitempty"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Kind            OrderKind   `json:"kind"`
	Qty             float64     `json:"qty"`
	LimitPrice      float64     `json:"limit_price,omitempty"`
	StopPrice       float64     `json:"stop_price,omitempty"`
	TakeProfit      float64     `json:"take_profit,omitempty"`
	StopLoss        float64     `json:"stop_loss,omitempty"`
	CallbackRate    float64     `json:"callback_rate,omitempty"`
	ActivationPrice float64     `json:"activation_price,omitempty"`
	ReduceOnly      bool        `json:"reduce_only,omitempty"`
	Status          OrderStatus `json:"status"`
	Reason          string      `json:"reason,omitempty"`
	FillPrice       float64     `json:"fill_price,omitempty"`
	FillQty         float64     `json:"fill_qty,omitempty"`
	Fee             float64     `json:"fee,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	FilledAt        time.Time   `json:"filled_at"`
}

// Fill is one execution against an order.
type Fill struct {
	OrderID string    `json:"order_id"`
	Symbol  string    `json:"symbol"`
	Side    Side      `json:"side"`
	Qty     float64   `json:"qty"`
	Price   float64   `json:"price"`
	Fee     float64   `json:"fee"`
	Maker   bool      `json:"maker"`
	Ts      time.Time `json:"ts"`
}

// Notional returns the quote value of the fill.
func (f Fill) Notional() float64 {
	return f.Qty * f.Price
}

// SizingMode selects how a signal's Value is interpreted.
type SizingMode string

const (
	// SizeFraction sizes the order as Value * equity / price.
	SizeFraction SizingMode = "fraction"
	// SizeQuantity sizes the order as Value base units.
	SizeQuantity SizingMode = "quantity"
)

// Sizing is a strategy's order-size request.
type Sizing struct {
	Mode  SizingMode `json:"mode"`
	Value float64    `json:"value"`
}

// Direction is a strategy's desired exposure.
type Direction string

const (
	DirLong  Direction = "LONG"
	DirShort Direction = "SHORT"
	DirFlat  Direction = "FLAT"
)

// Signal is a strategy's intent, translated into orders by the session or
// backtest driver. A nil LimitPrice requests market execution.
type Signal struct {
	Direction  Direction         `json:"direction"`
	Symbol     string            `json:"symbol"`
	Sizing     Sizing            `json:"sizing"`
	LimitPrice *float64          `json:"limit_price,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}
