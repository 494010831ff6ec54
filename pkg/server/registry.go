package server

import (
	"fmt"
	"math"
	"net"
	"time"
)

// ClientRecord is the identity of one connection that completed the NAME
// handshake. Conn is a back-reference; the record does not own it.
type ClientRecord struct {
	Conn        *clientConn
	DisplayName string
	PeerAddress string
	ConnectedAt time.Time
}

// Host returns the host part of the peer address
func (r *ClientRecord) Host() string {
	host, _, err := net.SplitHostPort(r.PeerAddress)
	if err != nil {
		return r.PeerAddress
	}
	return host
}

// Registry maps live connections to their ClientRecord. It is owned by the
// server's event loop and is not safe for concurrent use.
type Registry struct {
	records []*ClientRecord // registration order
	byConn  map[uint64]*ClientRecord
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[uint64]*ClientRecord),
		now:    time.Now,
	}
}

// Register records a connection's identity. Registering the same connection
// twice replaces nothing and returns the existing record.
func (r *Registry) Register(c *clientConn, displayName string) *ClientRecord {
	if rec, ok := r.byConn[c.id]; ok {
		return rec
	}
	rec := &ClientRecord{
		Conn:        c,
		DisplayName: displayName,
		PeerAddress: c.remoteAddr,
		ConnectedAt: r.now(),
	}
	r.records = append(r.records, rec)
	r.byConn[c.id] = rec
	return rec
}

// Deregister removes a connection's record. It reports false, and does
// nothing, when the connection was not registered.
func (r *Registry) Deregister(c *clientConn) (*ClientRecord, bool) {
	rec, ok := r.byConn[c.id]
	if !ok {
		return nil, false
	}
	delete(r.byConn, c.id)
	for i, other := range r.records {
		if other == rec {
			r.records = append(r.records[:i], r.records[i+1:]...)
			break
		}
	}
	return rec, true
}

// Lookup returns the record for a connection
func (r *Registry) Lookup(c *clientConn) (*ClientRecord, bool) {
	rec, ok := r.byConn[c.id]
	return rec, ok
}

// Describe returns the canonical identity string, display_name@host
func (r *Registry) Describe(rec *ClientRecord) string {
	return rec.DisplayName + "@" + rec.Host()
}

// FindByName returns the first registered client with the given display
// name. Names are not unique when unique_names is off; the earliest
// registration wins.
func (r *Registry) FindByName(displayName string) (*ClientRecord, bool) {
	for _, rec := range r.records {
		if rec.DisplayName == displayName {
			return rec, true
		}
	}
	return nil, false
}

// Records returns the live records in registration order
func (r *Registry) Records() []*ClientRecord {
	out := make([]*ClientRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Names returns every registered display name in registration order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		names = append(names, rec.DisplayName)
	}
	return names
}

// Len returns the number of registered clients
func (r *Registry) Len() int {
	return len(r.records)
}

// PresenceListing renders every registered client as "<name> (<age>)" in
// registration order, suffixing the requester's own entry with " (me)".
// The requester is matched by record, not by name@host, so clients sharing a
// name and host still see exactly one "(me)".
func (r *Registry) PresenceListing(forClient *ClientRecord) []string {
	now := r.now()
	listing := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		entry := fmt.Sprintf("%s (%s)", rec.DisplayName, relativeAge(now.Sub(rec.ConnectedAt)))
		if rec == forClient {
			entry += " (me)"
		}
		listing = append(listing, entry)
	}
	return listing
}

// relativeAge renders a connection age: "now", "<n> sec ago", "<n> min ago"
// or "<n> hour ago". Minutes and hours round half to even.
func relativeAge(age time.Duration) string {
	secs := int64(age / time.Second)
	switch {
	case secs < 1:
		return "now"
	case secs < 60:
		return fmt.Sprintf("%d sec ago", secs)
	case secs < 60*60:
		return fmt.Sprintf("%d min ago", int64(math.RoundToEven(float64(secs)/60)))
	default:
		return fmt.Sprintf("%d hour ago", int64(math.RoundToEven(float64(secs)/3600)))
	}
}
