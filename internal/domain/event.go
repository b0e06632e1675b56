package domain

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"
)

// EventType names a decision the engine took.
type EventType string

const (
	EventWhitelisted EventType = "WHITELISTED"
	EventPromoted    EventType = "PROMOTED"
	EventExpired     EventType = "EXPIRED"
	EventBanAdded    EventType = "BAN_ADDED"
	EventBanRemoved  EventType = "BAN_REMOVED"
)

// Event is one auditable engine decision.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Addr      netip.Addr        `json:"addr,omitzero"`
	Entry     string            `json:"entry,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewAddrEvent returns an event about a single source address.
func NewAddrEvent(ts time.Time, typ EventType, addr netip.Addr) *Event {
	return &Event{
		ID:        generateEventID(ts),
		Timestamp: ts.UTC(),
		Type:      typ,
		Addr:      addr,
	}
}

// NewEntryEvent returns an event about a ban entry.
func NewEntryEvent(ts time.Time, typ EventType, entry BanEntry) *Event {
	return &Event{
		ID:        generateEventID(ts),
		Timestamp: ts.UTC(),
		Type:      typ,
		Entry:     entry.String(),
	}
}

// AddMetadata attaches a key/value pair.
func (e *Event) AddMetadata(key, value string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
}

// ToJSON encodes the event on one line.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventsFromReport expands a cycle report into its individual decisions.
func EventsFromReport(r *CycleReport) []*Event {
	ts := r.StartedAt.Add(r.Duration)
	events := make([]*Event, 0, len(r.Whitelisted)+len(r.Promoted)+len(r.Expired)+len(r.Diff.Added)+len(r.Diff.Removed))
	for _, a := range r.Whitelisted {
		events = append(events, NewAddrEvent(ts, EventWhitelisted, a))
	}
	for _, a := range r.Promoted {
		events = append(events, NewAddrEvent(ts, EventPromoted, a))
	}
	for _, a := range r.Expired {
		events = append(events, NewAddrEvent(ts, EventExpired, a))
	}
	if r.Result == CycleWritten {
		for _, e := range r.Diff.Added {
			events = append(events, NewEntryEvent(ts, EventBanAdded, e))
		}
		for _, e := range r.Diff.Removed {
			events = append(events, NewEntryEvent(ts, EventBanRemoved, e))
		}
	}
	return events
}

var eventCounter atomic.Uint64

func generateEventID(ts time.Time) string {
	stamp := ts.UTC().Format("20060102150405")
	var randBytes [4]byte
	if _, err := crypto_rand.Read(randBytes[:]); err != nil {
		return fmt.Sprintf("%s-%d-00000000", stamp, eventCounter.Add(1))
	}
	return fmt.Sprintf("%s-%d-%08x", stamp, eventCounter.Add(1), binary.BigEndian.Uint32(randBytes[:]))
}
