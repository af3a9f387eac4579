package tagsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

func newOpID() string { return uuid.NewString() }

const (
	defaultMaxConcurrent = 4
	// ownOpLimit bounds the set of write identifiers kept for echo
	// filtering. An echo that never arrives (dropped stream) must not leak
	// memory forever.
	ownOpLimit = 512
)

// ============================================================================
// Engine
// ============================================================================

// Engine orchestrates all store operations. Calls return immediately;
// outcomes arrive through the Sink. Operations route to the backend or the
// offline queue depending on connectivity, list mutations go through the
// backend's version-compare primitive, and watch-stream notifications fan
// out to the sink with the engine's own in-flight writes filtered.
type Engine struct {
	store  Store
	sink   Sink
	queue  *Queue
	logger *slog.Logger
	sem    chan struct{}

	persistPath       string
	tagListWithQueued bool

	mu       sync.Mutex
	state    ConnState
	draining bool
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	sub      Subscription
	cache    map[string]json.RawMessage
	ownOps   map[string]struct{}
	ownOrder []string
}

type EngineOption func(*Engine)

// WithOfflinePersistence journals queued writes to path so they survive a
// process restart. The flag is global: it covers every tag the engine
// touches, there is no per-tag opt-in.
func WithOfflinePersistence(path string) EngineOption {
	return func(e *Engine) { e.persistPath = path }
}

// WithMaxConcurrent bounds the worker pool running operations.
func WithMaxConcurrent(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.sem = make(chan struct{}, n)
		}
	}
}

// WithTagListIncludesQueued controls whether GetTagList snapshots merge in
// tags whose only writes are still sitting in the offline queue. Defaults
// to true.
func WithTagListIncludesQueued(include bool) EngineOption {
	return func(e *Engine) { e.tagListWithQueued = include }
}

func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an engine over store, delivering results to sink.
// Call Start before issuing operations.
func NewEngine(store Store, sink Sink, opts ...EngineOption) *Engine {
	e := &Engine{
		store:             store,
		sink:              sink,
		logger:            slog.Default(),
		sem:               make(chan struct{}, defaultMaxConcurrent),
		tagListWithQueued: true,
		state:             StateDisconnected,
		cache:             make(map[string]json.RawMessage),
		ownOps:            make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.queue = NewQueue(e.logger)
	return e
}

// Start loads the offline journal (when persistence is enabled) and opens
// the watch stream. The stream keeps reconnecting on its own until Close.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.state = StateConnecting
	e.mu.Unlock()

	if e.persistPath != "" {
		if err := e.queue.EnablePersistence(e.persistPath); err != nil {
			e.abortStart()
			return fmt.Errorf("enable offline persistence: %w", err)
		}
	}

	sub, err := e.store.Subscribe(e.ctx, e.onEvent, e.onState)
	if err != nil {
		e.abortStart()
		return fmt.Errorf("subscribe: %w", err)
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
	return nil
}

// abortStart rolls a failed Start back to the pre-Start state so the caller
// can fix the problem and call Start again.
func (e *Engine) abortStart() {
	e.mu.Lock()
	e.started = false
	e.state = StateDisconnected
	cancel := e.cancel
	e.ctx, e.cancel = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close tears down the watch stream and stops background work. Queued
// writes stay in the journal when persistence is enabled.
func (e *Engine) Close() error {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	if e.cancel != nil {
		e.cancel()
	}
	e.state = StateDisconnected
	e.mu.Unlock()
	if sub != nil {
		return sub.Close()
	}
	return nil
}

// State returns the current connectivity state.
func (e *Engine) State() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pending returns the number of writes waiting in the offline queue.
func (e *Engine) Pending() int { return e.queue.Len() }

// Unauthenticate discards the cached credential, for account-switch
// scenarios. The next token-requiring operation triggers exactly one fresh
// fetch with the current developer token.
func (e *Engine) Unauthenticate() {
	e.store.Unauthenticate()
	e.setState(StateUnauthenticated)
}

// ============================================================================
// Operations
// ============================================================================

// StoreValue stores value under tag, queueing when offline. The write is
// accepted (and journaled, when persistence is on) before the call returns;
// the outcome itself arrives through the sink.
func (e *Engine) StoreValue(tag string, value any) {
	raw, err := marshalValue("StoreValue", value)
	if err != nil {
		e.surface("StoreValue", err)
		return
	}
	e.dispatch("StoreValue", tag, KindStore, raw)
}

// GetValue fetches the value at tag, resolving an absent tag to
// defaultValue without error. The result arrives via Sink.GotValue.
func (e *Engine) GetValue(tag string, defaultValue any) {
	e.submit("GetValue", func(ctx context.Context, op string) {
		e.leaveUnauthenticated()
		fallback, err := marshalValue(op, defaultValue)
		if err != nil {
			e.surface(op, err)
			return
		}

		if e.State() != StateConnected {
			if cached, ok := e.cachedValue(tag); ok {
				e.emit(func() { e.sink.GotValue(tag, cached) })
				return
			}
			e.surface(op, storeErr(op, CodeNetwork, "offline and no locally reflected value for tag %q", tag))
			return
		}

		value, _, ok, err := e.store.Read(ctx, tag)
		if err != nil {
			if errCode(err) == CodeNetwork {
				if cached, cok := e.cachedValue(tag); cok {
					e.emit(func() { e.sink.GotValue(tag, cached) })
					return
				}
			}
			e.surface(op, err)
			return
		}
		if !ok {
			e.emit(func() { e.sink.GotValue(tag, fallback) })
			return
		}
		e.setCache(tag, value)
		e.emit(func() { e.sink.GotValue(tag, value) })
	})
}

// AppendValue appends value to the list stored at tag. Online appends are
// linearized through the backend's version-compare primitive, so two
// concurrent appends both land. Offline appends queue in per-tag FIFO.
func (e *Engine) AppendValue(tag string, value any) {
	raw, err := marshalValue("AppendValue", value)
	if err != nil {
		e.surface("AppendValue", err)
		return
	}
	e.dispatch("AppendValue", tag, KindAppend, raw)
}

// RemoveFirst pops the head of the list stored at tag, delivering it via
// Sink.FirstRemoved. An empty or absent list is an EmptyListError, not a
// FirstRemoved event. Offline, the pop queues and the event fires only
// after a successful replay.
func (e *Engine) RemoveFirst(tag string) {
	e.dispatch("RemoveFirst", tag, KindRemoveFirst, nil)
}

// ClearTag writes the absent marker for tag; a later GetValue resolves to
// its default.
func (e *Engine) ClearTag(tag string) {
	e.dispatch("ClearTag", tag, KindClear, nil)
}

// GetTagList delivers a snapshot of the tags defined in the project
// namespace via Sink.TagList. The snapshot is not a live view.
func (e *Engine) GetTagList() {
	e.submit("GetTagList", func(ctx context.Context, op string) {
		e.leaveUnauthenticated()
		if e.State() != StateConnected {
			e.surface(op, storeErr(op, CodeNetwork, "offline: tag list snapshot requires a connection"))
			return
		}
		tags, err := e.store.TagList(ctx)
		if err != nil {
			e.surface(op, err)
			return
		}
		if e.tagListWithQueued {
			tags = mergeTags(tags, e.queue.Tags())
		}
		e.emit(func() { e.sink.TagList(tags) })
	})
}

// ============================================================================
// Routing
// ============================================================================

// submit runs fn on the bounded worker pool and returns immediately.
func (e *Engine) submit(op string, fn func(ctx context.Context, op string)) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		if ctx.Err() != nil {
			return
		}
		fn(ctx, op)
	}()
}

// dispatch routes one mutation. The routing decision and any enqueue run
// synchronously in the caller so same-tag writes queue in issue order;
// only the network application goes to the pool. Online ops on a tag with
// queued writes are themselves queued, preserving causal order, and a
// transient network failure on the direct path falls back to the queue
// instead of surfacing.
func (e *Engine) dispatch(op, tag string, kind WriteKind, value json.RawMessage) {
	if !e.onlineFor(tag) {
		e.enqueue(op, tag, kind, value)
		return
	}
	e.submit(op, func(ctx context.Context, op string) {
		err := e.applyOnline(ctx, op, tag, kind, value)
		if err == nil {
			return
		}
		if errCode(err) == CodeNetwork {
			e.enqueue(op, tag, kind, value)
			return
		}
		e.surface(op, err)
	})
}

// onlineFor reports whether a mutation on tag may take the direct path.
func (e *Engine) onlineFor(tag string) bool {
	return e.State() == StateConnected && !e.queue.HasPending(tag)
}

func (e *Engine) enqueue(op, tag string, kind WriteKind, value json.RawMessage) {
	if _, err := e.queue.Enqueue(tag, kind, value); err != nil {
		e.surface(op, storeErr(op, CodeQueue, "cannot queue write for tag %q: %v", tag, err))
		return
	}
	e.reflectQueued(tag, kind, value)
	e.logger.Debug("write queued", "op", op, "tag", tag, "kind", kind)

	switch e.State() {
	case StateConnected:
		// Raced a drain; make sure another one picks this write up.
		go e.drainQueue()
	case StateUnauthenticated:
		e.leaveUnauthenticated()
	default:
		e.wake()
	}
}

// leaveUnauthenticated moves Unauthenticated to Connecting and wakes the
// stream. Every token-requiring operation passes through here, reads
// included; any other state is left alone.
func (e *Engine) leaveUnauthenticated() {
	e.mu.Lock()
	parked := e.state == StateUnauthenticated
	if parked {
		e.state = StateConnecting
	}
	e.mu.Unlock()
	if parked {
		e.logger.Debug("connectivity state", "from", StateUnauthenticated, "to", StateConnecting)
		e.wake()
	}
}

// wake nudges the watch stream to retry its connection now.
func (e *Engine) wake() {
	e.mu.Lock()
	sub := e.sub
	e.mu.Unlock()
	if w, ok := sub.(interface{ Wake() }); ok {
		w.Wake()
	}
}

// reflectQueued applies a queued write to the local cache so reads issued
// while offline observe it.
func (e *Engine) reflectQueued(tag string, kind WriteKind, value json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch kind {
	case KindStore:
		e.cache[tag] = value
	case KindAppend:
		list, err := decodeList(e.cache[tag])
		if err != nil {
			return
		}
		if raw, err := json.Marshal(append(list, value)); err == nil {
			e.cache[tag] = raw
		}
	case KindClear:
		delete(e.cache, tag)
	case KindRemoveFirst:
		// The removed element is unknown until replay; leave the cache.
	}
}

// ============================================================================
// Online application (shared by the direct path and queue replay)
// ============================================================================

func (e *Engine) applyOnline(ctx context.Context, op, tag string, kind WriteKind, value json.RawMessage) error {
	opID := e.trackOp()
	switch kind {
	case KindStore:
		if _, err := e.store.Write(ctx, tag, value, "", opID); err != nil {
			e.untrackOp(opID)
			return err
		}
		e.setCache(tag, value)
		e.emit(func() { e.sink.DataChanged(tag, value) })
		return nil

	case KindAppend:
		result, err := e.store.Transact(ctx, tag, opID, func(current json.RawMessage) (json.RawMessage, error) {
			list, err := decodeList(current)
			if err != nil {
				return nil, err
			}
			return json.Marshal(append(list, value))
		})
		if err != nil {
			e.untrackOp(opID)
			return err
		}
		e.setCache(tag, result)
		e.emit(func() { e.sink.DataChanged(tag, result) })
		return nil

	case KindRemoveFirst:
		var popped json.RawMessage
		result, err := e.store.Transact(ctx, tag, opID, func(current json.RawMessage) (json.RawMessage, error) {
			list, err := decodeList(current)
			if err != nil {
				return nil, err
			}
			if len(list) == 0 {
				return nil, storeErr(op, CodeEmptyList, "tag %q holds no elements to remove", tag)
			}
			popped = list[0]
			return json.Marshal(list[1:])
		})
		if err != nil {
			e.untrackOp(opID)
			return err
		}
		e.setCache(tag, result)
		e.emit(func() { e.sink.FirstRemoved(popped) })
		e.emit(func() { e.sink.DataChanged(tag, result) })
		return nil

	case KindClear:
		if err := e.store.Delete(ctx, tag, opID); err != nil {
			e.untrackOp(opID)
			return err
		}
		e.dropCache(tag)
		e.emit(func() { e.sink.DataChanged(tag, nil) })
		return nil
	}
	e.untrackOp(opID)
	return storeErr(op, CodeBadRequest, "unknown write kind %q", kind)
}

// ============================================================================
// Queue drain
// ============================================================================

// drainQueue replays queued writes in enqueue order. A write the backend
// rejects permanently is surfaced and dropped; the rest of the queue keeps
// draining. Losing connectivity mid-drain parks the remainder. After each
// pass the handoff re-checks the queue: a write enqueued while the pass was
// finishing gets a fresh pass rather than waiting for the next reconnect.
func (e *Engine) drainQueue() {
	for {
		e.mu.Lock()
		if e.draining || e.state != StateConnected {
			e.mu.Unlock()
			return
		}
		e.draining = true
		ctx := e.ctx
		e.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}

		parked := false
		replayed := 0
		e.queue.Drain(ctx, func(ctx context.Context, w *PendingWrite) error {
			op := replayOp(w.Kind)
			err := e.applyOnline(ctx, op, w.Tag, w.Kind, w.Value)
			if err == nil {
				replayed++
				return nil
			}
			switch errCode(err) {
			case CodeNetwork:
				parked = true
				return ErrRetryLater
			case CodeAuth:
				e.surface(op, err)
				parked = true
				return ErrRetryLater
			default:
				// Permanent rejection of this write; report and move on.
				e.surface(op, err)
				return nil
			}
		})
		if replayed > 0 {
			e.logger.Info("offline queue replayed", "writes", replayed, "remaining", e.queue.Len())
		}
		if !e.drainHandoff(parked) {
			return
		}
	}
}

// drainHandoff releases the draining flag and reports whether another pass
// is needed. Enqueues that land between a pass observing an empty queue and
// the flag release spawn drains that bail on the flag; the flag holder owns
// those leftovers and must run another pass before exiting. A parked pass
// never reruns: its writes wait for reconnect or the next enqueue.
func (e *Engine) drainHandoff(parked bool) bool {
	e.mu.Lock()
	e.draining = false
	connected := e.state == StateConnected
	e.mu.Unlock()
	return !parked && connected && e.queue.Len() > 0
}

func replayOp(kind WriteKind) string {
	switch kind {
	case KindStore:
		return "StoreValue"
	case KindAppend:
		return "AppendValue"
	case KindRemoveFirst:
		return "RemoveFirst"
	case KindClear:
		return "ClearTag"
	}
	return string(kind)
}

// ============================================================================
// Watch stream fan-out
// ============================================================================

func (e *Engine) onEvent(env Envelope) {
	if e.isOwnOp(env.Op) {
		// Already locally reflected when the write completed; forwarding
		// the echo would deliver the change twice.
		return
	}
	if env.Deleted {
		e.dropCache(env.Tag)
		e.emit(func() { e.sink.DataChanged(env.Tag, nil) })
		return
	}
	e.setCache(env.Tag, env.Value)
	e.emit(func() { e.sink.DataChanged(env.Tag, env.Value) })
}

func (e *Engine) onState(s ConnState) {
	prev := e.setState(s)
	if s == StateConnected && prev != StateConnected {
		go e.drainQueue()
	}
}

func (e *Engine) setState(s ConnState) (prev ConnState) {
	e.mu.Lock()
	prev = e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.logger.Debug("connectivity state", "from", prev, "to", s)
	}
	return prev
}

// ============================================================================
// Own-write tracking
// ============================================================================

func (e *Engine) trackOp() string {
	id := newOpID()
	e.mu.Lock()
	e.ownOps[id] = struct{}{}
	e.ownOrder = append(e.ownOrder, id)
	if len(e.ownOrder) > ownOpLimit {
		evict := e.ownOrder[0]
		e.ownOrder = e.ownOrder[1:]
		delete(e.ownOps, evict)
	}
	e.mu.Unlock()
	return id
}

// dropOwnLocked removes id from the set and the order slice together.
// ownOrder mirrors ownOps insertion order exactly, so eviction in trackOp
// only ever counts live IDs. Callers hold e.mu.
func (e *Engine) dropOwnLocked(id string) {
	delete(e.ownOps, id)
	for i, v := range e.ownOrder {
		if v == id {
			e.ownOrder = append(e.ownOrder[:i], e.ownOrder[i+1:]...)
			break
		}
	}
}

func (e *Engine) untrackOp(id string) {
	e.mu.Lock()
	e.dropOwnLocked(id)
	e.mu.Unlock()
}

func (e *Engine) isOwnOp(id string) bool {
	if id == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.ownOps[id]; ok {
		e.dropOwnLocked(id)
		return true
	}
	return false
}

// ============================================================================
// Cache and sink helpers
// ============================================================================

func (e *Engine) setCache(tag string, value json.RawMessage) {
	e.mu.Lock()
	e.cache[tag] = value
	e.mu.Unlock()
}

func (e *Engine) dropCache(tag string) {
	e.mu.Lock()
	delete(e.cache, tag)
	e.mu.Unlock()
}

func (e *Engine) cachedValue(tag string) (json.RawMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.cache[tag]
	return v, ok
}

// emit delivers one sink callback on its own goroutine, swallowing panics
// in host code.
func (e *Engine) emit(fn func()) {
	go func() {
		defer func() { recover() }()
		fn()
	}()
}

// surface converts err into an attributed StoreError and delivers it. Auth
// failures additionally push the engine into Unauthenticated.
func (e *Engine) surface(op string, err error) {
	se := asStoreError(op, err)
	if se.Code == CodeAuth {
		e.setState(StateUnauthenticated)
	}
	e.logger.Warn("operation failed", "op", op, "code", se.Code, "error", se.Message)
	e.emit(func() { e.sink.Error(se) })
}

func asStoreError(op string, err error) *StoreError {
	var se *StoreError
	if errors.As(err, &se) {
		out := *se
		out.Op = op
		return &out
	}
	if isConflict(err) {
		return storeErr(op, CodeConflictExceeded, "%v", err)
	}
	return storeErr(op, CodeNetwork, "%v", err)
}

// ============================================================================
// Value helpers
// ============================================================================

func marshalValue(op string, value any) (json.RawMessage, error) {
	if value == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, storeErr(op, CodeBadRequest, "value is not serializable: %v", err)
	}
	return raw, nil
}

// decodeList interprets raw as a JSON array; absent (nil or null) means the
// empty list. Anything else stored at the tag is a BAD_REQUEST.
func decodeList(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, storeErr("", CodeBadRequest, "stored value is not a list")
	}
	return list, nil
}

func mergeTags(remote, queued []string) []string {
	seen := make(map[string]struct{}, len(remote))
	out := append([]string{}, remote...)
	for _, t := range remote {
		seen[t] = struct{}{}
	}
	for _, t := range queued {
		if _, ok := seen[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}
