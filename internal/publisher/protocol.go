package publisher

import "github.com/anthropics/agent-session-daemon/internal/registry"

// OpKind is the tagged operation kind spec.md §4.6/§6 requires: insert,
// update, or delete over a collection keyed by sessionId.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is one wire message: one Snapshot tagged with its op kind.
// Renamed from the teacher's snapshot|delta|completion vocabulary to the
// insert|update|delete vocabulary spec.md §4.6 specifies.
type Operation struct {
	Op       OpKind            `json:"op"`
	Snapshot registry.Snapshot `json:"snapshot"`
	Seq      uint64            `json:"seq"`
}

// Bulk is the initial message a new subscriber receives: an insert for
// every session currently tracked (spec.md §6: "Subscribers receive an
// initial bulk of inserts describing existing sessions").
type Bulk struct {
	Operations []Operation `json:"operations"`
	Seq        uint64      `json:"seq"`
}
