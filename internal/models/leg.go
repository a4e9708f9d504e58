package models

// Side is the direction of an open leg.
type Side string

// Leg sides. Shorts are sold to open and bought to close.
const (
	SideShort Side = "S"
	SideLong  Side = "L"
)

// LegState tracks whether a leg's entry order has been confirmed filled.
// Transitions only REQUESTED -> FILLED, and only via an explicit fill
// confirmation.
type LegState string

// Leg states.
const (
	LegRequested LegState = "requested"
	LegFilled    LegState = "filled"
)

// Leg is one open option position owned by a strategy. EntryPrice stays nil
// until ConfirmFill supplies the real fill; an unfilled leg contributes zero
// to mark-to-market.
type Leg struct {
	Instrument     string   `json:"instrument"`
	Side           Side     `json:"side"`
	Lots           int      `json:"lots"`
	EntryPrice     *float64 `json:"entry_price,omitempty"`
	RequestedPrice float64  `json:"requested_price"`
	State          LegState `json:"state"`
	MTM            float64  `json:"mtm"`
}

// Filled reports whether the leg has a confirmed entry price.
func (l *Leg) Filled() bool {
	return l.State == LegFilled && l.EntryPrice != nil
}

// Wing is a protective long option bought further OTM than the straddle.
// Its baseline price anchors the percent-move emergency exit.
type Wing struct {
	Instrument     string   `json:"instrument"`
	Lots           int      `json:"lots"`
	State          LegState `json:"state"`
	RequestedPrice float64  `json:"requested_price"`
	EntryPrice     *float64 `json:"entry_price,omitempty"`
}

// Baseline is the reference price for the wing's percent-move exit: the
// fill price when known, the requested price otherwise.
func (w *Wing) Baseline() float64 {
	if w.EntryPrice != nil {
		return *w.EntryPrice
	}
	return w.RequestedPrice
}

// OrderAction is the direction of an order request.
type OrderAction string

// Order actions.
const (
	ActionBuy  OrderAction = "buy"
	ActionSell OrderAction = "sell"
)

// OrderRequest is an ephemeral at-market quantity request produced by a
// strategy and consumed once by the order gateway.
type OrderRequest struct {
	Instrument string      `json:"instrument"`
	Action     OrderAction `json:"action"`
	Lots       int         `json:"lots"`
}

// ActionReason names the single trigger that fired on a tick.
type ActionReason string

// Tick action reasons, in trigger priority order.
const (
	ReasonStoploss    ActionReason = "stoploss"
	ReasonTarget      ActionReason = "target"
	ReasonRoll        ActionReason = "roll"
	ReasonAddWings    ActionReason = "add_wings"
	ReasonRemoveWings ActionReason = "remove_wings"
	ReasonWingExit    ActionReason = "wing_exit"
)

// Action is the at-most-one decision a strategy emits per tick. Roll and
// wing actions carry ready-to-send orders; stoploss/target carry the legs
// the orchestrator should pass back through Exit.
type Action struct {
	Reason ActionReason
	Orders []OrderRequest
	Legs   []Leg
	MTM    float64
}
