// Package strategy holds the trading state machines. A strategy consumes
// snapshots and emits order requests; it never talks to the wire itself.
package strategy

import "github.com/eddiefleurent/sensex_straddler/internal/models"

// EntryParams carries sizing hints from CanEnter to Enter.
type EntryParams struct {
	Lots int
}

// Strategy is the contract the control loop drives. Implementations own
// their legs and wings and emit at most one action per tick.
type Strategy interface {
	Name() string
	InPosition() bool

	// CanEnter reports whether a new position may be opened on this
	// snapshot, with a human-readable reason when not.
	CanEnter(snap *models.Snapshot) (bool, string, EntryParams)

	// Enter opens the position optimistically and returns the orders to
	// dispatch. Entry prices stay absent until ConfirmFill.
	Enter(snap *models.Snapshot, params EntryParams) []models.OrderRequest

	// OnTick evaluates triggers in priority order and returns the first
	// that fires, or nil.
	OnTick(snap *models.Snapshot) *models.Action

	// Exit builds closing orders for every tracked leg and wing and resets
	// local state to flat immediately.
	Exit() []models.OrderRequest

	// ConfirmFill transitions a matching leg or wing to FILLED with the
	// real price; unknown instruments are recorded for audit.
	ConfirmFill(instrument string, fillPrice float64)

	OpenLegs() []models.Leg
}
