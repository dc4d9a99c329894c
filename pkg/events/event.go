package events

import (
	"time"

	"github.com/crystal-mush/worldtune/pkg/access"
)

// EventType classifies registry events.
type EventType int

const (
	EvTunableSet      EventType = iota // Tunable value replaced
	EvFlagSet                          // Feature flag bit set
	EvFlagCleared                      // Feature flag bit cleared
	EvWriteRejected                    // Write refused (permission, range, unknown)
	EvLoaded                           // Bulk load replaced registry state
	EvSaved                            // Registry state persisted
	EvOverrideCreated                  // Tuning override constructed
	EvOverrideClaimed                  // Override bound to its owner
	EvOverrideRestored                 // Override restored shadowed values
	EvSeedChanged                      // Seed file changed on disk
)

// String returns a short name for the event type, used on the wire.
func (t EventType) String() string {
	switch t {
	case EvTunableSet:
		return "tunable_set"
	case EvFlagSet:
		return "flag_set"
	case EvFlagCleared:
		return "flag_cleared"
	case EvWriteRejected:
		return "write_rejected"
	case EvLoaded:
		return "loaded"
	case EvSaved:
		return "saved"
	case EvOverrideCreated:
		return "override_created"
	case EvOverrideClaimed:
		return "override_claimed"
	case EvOverrideRestored:
		return "override_restored"
	case EvSeedChanged:
		return "seed_changed"
	default:
		return "unknown"
	}
}

// Event is a structured registry event. Name is the tunable or flag name
// (empty for registry-wide events). Old and New are display renderings.
type Event struct {
	Type   EventType
	Name   string
	Old    string
	New    string
	Reason string // rejection code, restore reason, etc.
	Caller access.Caller
	Time   time.Time
	Seq    uint64 // registry publication order; zero for non-write events
	Data   map[string]any
}
