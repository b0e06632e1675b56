package domain

import (
	"net/netip"
	"time"
)

// EngineState is everything the engine needs to resume after a restart.
type EngineState struct {
	SavedAt   time.Time        `json:"saved_at"`
	HighWater time.Time        `json:"high_water"`
	Boundary  []uint64         `json:"boundary,omitempty"`
	Tracked   []TrackedAddress `json:"tracked"`
	Whitelist []WhitelistEntry `json:"whitelist"`
	Ranges    []RangeInfo      `json:"ranges"`
	Pending   []netip.Addr     `json:"pending"`
	LastKnown []BanEntry       `json:"last_known"`
}
