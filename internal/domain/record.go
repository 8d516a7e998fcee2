package domain

import (
	"time"
)

// Status 实体生命周期状态
// unknown -> registered -> online <-> offline -> removed
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusRegistered Status = "registered"
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"
	StatusRemoved    Status = "removed"
)

// Record is the reconciled registry record shared by all entity kinds
// (devices, stream proxies, media nodes). The surrogate ID is assigned by
// the store on first insert; NaturalKey is the external identity and never
// changes; SecondaryKey is an externally issued token that may rotate.
type Record struct {
	ID           string            // surrogate id, empty until persisted
	Kind         string            // entity kind name ("device", "stream", "node")
	NaturalKey   string            // external identity (GB ID, app/stream, server id)
	SecondaryKey string            // rotating token (session token, proxy key), may be empty
	Status       Status
	Attributes   map[string]string // opaque merged payload
	LastSeen     time.Time         // updated by notification-driven transitions
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy. Records cross the cache/store boundary as
// value snapshots; callers must not share Attributes maps between layers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Attributes != nil {
		c.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// Attr returns an attribute value or "" when absent.
func (r *Record) Attr(name string) string {
	if r == nil || r.Attributes == nil {
		return ""
	}
	return r.Attributes[name]
}
