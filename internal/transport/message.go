// Package transport delivers opaque snapshot, text-operation and presence
// messages to the other participants of a project. Delivery is best-effort
// and at-most-once; consumers must treat every message as idempotent and
// re-validate it against local state rather than trusting arrival order.
package transport

import (
	"groundwork/sync/internal/presence"
	"groundwork/sync/internal/project"
	"groundwork/sync/internal/replica"
)

// Kind identifies a wire message.
type Kind string

const (
	KindProjectUpdate   Kind = "project:update"
	KindTextOp          Kind = "text:op"
	KindTextSync        Kind = "text:sync"
	KindCursorUpdate    Kind = "cursor:update"
	KindCursorClear     Kind = "cursor:clear"
	KindSelectionUpdate Kind = "selection:update"
	KindSelectionClear  Kind = "selection:clear"
)

// Message is the JSON envelope exchanged over a transport. Exactly the
// fields relevant to the Type are populated; everything else stays empty on
// the wire.
type Message struct {
	Type      Kind   `json:"type"`
	SenderID  string `json:"senderId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`

	// project:update
	ProjectRaw *project.Snapshot `json:"project_raw,omitempty"`

	// text:op / text:sync - the op payloads are owned by the replicated-text
	// primitive; the transport treats them as opaque.
	DocumentID string       `json:"documentId,omitempty"`
	Op         *replica.Op  `json:"op,omitempty"`
	Ops        []replica.Op `json:"ops,omitempty"`

	// cursor:update / selection:update
	Cursor    *presence.Cursor    `json:"cursor,omitempty"`
	Selection *presence.Selection `json:"selection,omitempty"`

	// cursor:clear / selection:clear name the owning user.
	UserID string `json:"userId,omitempty"`
}
