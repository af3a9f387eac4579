package tagsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

// Error codes attached to StoreError. A not-found read is not an error: Read
// reports an absent tag through its ok result and GetValue resolves it to the
// caller-supplied default.
const (
	CodeAuth             = "AUTH_FAILED"
	CodeConflictExceeded = "CONFLICT_RETRIES_EXCEEDED"
	CodeEmptyList        = "EMPTY_LIST"
	CodeNetwork          = "NETWORK"
	CodeBadRequest       = "BAD_REQUEST"
	CodeQueue            = "QUEUE_PERSIST_FAILED"
)

// ErrConflict is returned by Write when the version precondition fails.
// Transact retries on it; everything else propagates.
var ErrConflict = errors.New("version conflict")

func isConflict(err error) bool { return errors.Is(err, ErrConflict) }

// StoreError is a terminal, attributable failure. Op names the originating
// operation so the host can tie the error back to the triggering call.
type StoreError struct {
	Op      string `json:"op"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StoreError) Error() string {
	return e.Op + ": " + e.Code + ": " + e.Message
}

func storeErr(op, code, format string, args ...any) *StoreError {
	return &StoreError{Op: op, Code: code, Message: fmt.Sprintf(format, args...)}
}

// errCode extracts the StoreError code from err, or "" if err is not one.
func errCode(err error) string {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// ============================================================================
// Credential
// ============================================================================

// Credential is a short-lived access token issued by the backend auth
// endpoint in exchange for a developer token.
type Credential struct {
	Token      string    `json:"token"`
	IssuedFor  string    `json:"issuedFor"`
	ValidUntil time.Time `json:"validUntil"`
}

// Valid reports whether the credential can still be presented.
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.Token != "" && now.Before(c.ValidUntil)
}

// ============================================================================
// Connection state
// ============================================================================

// ConnState is the connectivity state of the watch channel.
type ConnState string

const (
	StateDisconnected    ConnState = "disconnected"
	StateConnecting      ConnState = "connecting"
	StateConnected       ConnState = "connected"
	StateUnauthenticated ConnState = "unauthenticated"
)

// ============================================================================
// Watch stream
// ============================================================================

// Envelope is the wire format for watch-stream change notifications.
// Origin and Op echo the identifiers the writing client attached to the
// mutation, so a client can recognize its own writes coming back.
type Envelope struct {
	Tag     string          `json:"tag"`
	Value   json.RawMessage `json:"value,omitempty"`
	Version string          `json:"version"`
	Origin  string          `json:"origin,omitempty"`
	Op      string          `json:"op,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// EventHandler receives change notifications from the watch stream.
type EventHandler func(Envelope)

// StateHandler receives connectivity transitions of the watch stream.
type StateHandler func(ConnState)

// Subscription is a live watch registration. Closing it stops reconnect
// attempts and tears down the stream.
type Subscription interface {
	Close() error
}

// ============================================================================
// Store adapter
// ============================================================================

// VersionAbsent is the ifVersion sentinel for "tag must not exist yet".
const VersionAbsent = "absent"

// Store is the remote tag/value backend consumed by the engine. The
// production implementation is Client; tests substitute an in-memory fake.
//
// The op argument on mutating calls is the caller's write identifier. The
// backend echoes it in watch envelopes, which is what makes own-write
// duplicate suppression possible.
type Store interface {
	// Authenticate exchanges a developer token for a Credential.
	Authenticate(ctx context.Context, devToken string) (*Credential, error)

	// Read returns the value and version stored at tag. An absent tag
	// yields ok=false with no error.
	Read(ctx context.Context, tag string) (value json.RawMessage, version string, ok bool, err error)

	// Write stores value at tag. ifVersion "" writes unconditionally,
	// VersionAbsent requires the tag not to exist, anything else must match
	// the stored version or Write fails with ErrConflict.
	Write(ctx context.Context, tag string, value json.RawMessage, ifVersion, op string) (version string, err error)

	// Delete writes the absent marker for tag.
	Delete(ctx context.Context, tag, op string) error

	// Transact runs fn over the current value (nil when absent) and writes
	// the result back conditionally, retrying on concurrent modification up
	// to the configured budget. An error from fn aborts without retrying.
	Transact(ctx context.Context, tag, op string, fn func(current json.RawMessage) (json.RawMessage, error)) (json.RawMessage, error)

	// TagList returns a snapshot of the tags defined in the project
	// namespace.
	TagList(ctx context.Context) ([]string, error)

	// Subscribe opens the watch stream for the configured bucket prefix and
	// delivers notifications until the subscription is closed. The stream
	// reconnects on its own; transitions are reported through onState.
	Subscribe(ctx context.Context, onEvent EventHandler, onState StateHandler) (Subscription, error)

	// Unauthenticate discards any cached credential. The next call needing
	// a token fetches a fresh one with the current developer token.
	Unauthenticate()
}

// ============================================================================
// Host callback sink
// ============================================================================

// Sink receives terminal results asynchronously. Every method is invoked on
// its own goroutine; implementations must not assume any ordering between
// calls, and the engine never blocks waiting for them.
type Sink interface {
	// DataChanged fires when a tag's value changes, locally or remotely.
	DataChanged(tag string, value json.RawMessage)
	// GotValue delivers the result of GetValue.
	GotValue(tag string, value json.RawMessage)
	// FirstRemoved delivers the element popped by RemoveFirst.
	FirstRemoved(value json.RawMessage)
	// TagList delivers the result of GetTagList.
	TagList(tags []string)
	// Error delivers a terminal failure for an operation.
	Error(err *StoreError)
}
