package tillsync

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// OperationStatus tracks the sync state of a queued operation.
type OperationStatus string

const (
	// StatusPending means the operation is queued and awaiting sync.
	StatusPending OperationStatus = "pending"
	// StatusInProgress means a sync pass has claimed the operation and is
	// about to invoke (or is invoking) the applier.
	StatusInProgress OperationStatus = "in_progress"
	// StatusCompleted means the operation was applied by the business layer.
	StatusCompleted OperationStatus = "completed"
	// StatusFailed means the operation exhausted its attempt ceiling and is
	// left for manual intervention. Terminal; never retried automatically.
	StatusFailed OperationStatus = "failed"
	// StatusConflict means authoritative state diverged from the client's
	// assumption. Terminal; resolution is an explicit external action.
	StatusConflict OperationStatus = "conflict"
)

// Settled returns true for statuses that no sync pass will pick up again.
func (s OperationStatus) Settled() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusConflict
}

// Operation is the durable unit of queued work submitted by a terminal.
// Records are append-only: they are mutated only by the sync processor and
// never deleted, forming the audit trail.
type Operation struct {
	OpID           string          `json:"op_id"`
	VenueID        int64           `json:"venue_id"`
	TerminalID     string          `json:"terminal_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Seq            int64           `json:"seq"`
	DependsOn      string          `json:"depends_on,omitempty"`
	Status         OperationStatus `json:"status"`
	Attempts       int             `json:"attempts"`
	LastAttemptAt  time.Time       `json:"last_attempt_at,omitempty"`
	ServerID       string          `json:"server_id,omitempty"`
	ServerResponse json.RawMessage `json:"server_response,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SyncedAt       time.Time       `json:"synced_at,omitempty"`
}

// EnqueueRequest describes an operation to queue.
type EnqueueRequest struct {
	VenueID    int64
	TerminalID string
	Type       string
	Payload    json.RawMessage

	// OpID is the client-supplied idempotency key. If empty, a fresh
	// globally unique id is generated. Resubmitting an existing id returns
	// the existing record unchanged.
	OpID string

	// DependsOn references an operation that must complete before this one
	// is applied. Must reference an existing record.
	DependsOn string
}

// newOperationID returns a fresh globally unique operation id.
func newOperationID() string {
	return uuid.NewString()
}

// terminalIDPattern constrains terminal identifiers to a conservative
// charset so they are safe as log keys and object-store path segments.
var terminalIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// validTerminalID reports whether id is a well-formed terminal identifier.
func validTerminalID(id string) bool {
	return terminalIDPattern.MatchString(id)
}

// ApplyStatus classifies the outcome reported by an Applier.
type ApplyStatus int

const (
	// applyStatusUnset is the zero value, deliberately not a valid outcome:
	// an applier that forgets to set Status must not silently complete the
	// operation. The processor treats it as a transient error.
	applyStatusUnset ApplyStatus = iota
	// ApplyStatusSuccess means the business layer applied the operation.
	ApplyStatusSuccess
	// ApplyStatusConflict means authoritative state diverged from the
	// client's assumption; the operation will not be retried.
	ApplyStatusConflict
	// ApplyStatusError means a transient failure; the operation is retried
	// on a future pass until the attempt ceiling is reached.
	ApplyStatusError
)

// ApplyOutcome is the result of applying one operation against the
// business layer. Conflicts and errors are expected outcomes carried as
// data, not Go errors.
type ApplyOutcome struct {
	Status ApplyStatus

	// Success fields.
	ServerID string
	Response json.RawMessage

	// Conflict fields.
	ConflictType        string
	ConflictDescription string
	ServerData          json.RawMessage

	// Error field.
	ErrorMessage string
}

// ApplySuccess builds a successful outcome carrying the server-assigned id
// and response.
func ApplySuccess(serverID string, response json.RawMessage) ApplyOutcome {
	return ApplyOutcome{Status: ApplyStatusSuccess, ServerID: serverID, Response: response}
}

// ApplyConflict builds a conflict outcome carrying the authoritative
// server snapshot.
func ApplyConflict(conflictType, description string, serverData json.RawMessage) ApplyOutcome {
	return ApplyOutcome{
		Status:              ApplyStatusConflict,
		ConflictType:        conflictType,
		ConflictDescription: description,
		ServerData:          serverData,
	}
}

// ApplyError builds a transient-failure outcome.
func ApplyError(message string) ApplyOutcome {
	return ApplyOutcome{Status: ApplyStatusError, ErrorMessage: message}
}

// Applier applies a single queued operation against the authoritative
// business layer. Implementations must be idempotent per operation id: the
// engine may invoke Apply more than once for the same logical operation
// across process restarts. The engine never interprets domain semantics;
// the applier is an opaque capability.
type Applier interface {
	Apply(ctx context.Context, op *Operation) ApplyOutcome
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, op *Operation) ApplyOutcome

// Apply implements Applier.
func (f ApplierFunc) Apply(ctx context.Context, op *Operation) ApplyOutcome {
	return f(ctx, op)
}
