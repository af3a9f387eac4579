package tagsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// Test backend
// ============================================================================

type backendRec struct {
	value   json.RawMessage
	version int
}

// testBackend is an httptest server speaking the tag store REST protocol,
// including the version preconditions the client's transactions rely on.
type testBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu   sync.Mutex
	recs map[string]backendRec
	next int

	tokenCalls atomic.Int32
	rejectAuth atomic.Bool

	hdrMu      sync.Mutex
	lastAuth   string
	lastAPIKey string
	lastOp     string
	lastOrigin string
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	b := &testBackend{t: t, recs: make(map[string]backendRec)}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/token", b.handleToken)
	mux.HandleFunc("/v1/buckets/", b.handleBuckets)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBackend) client(opts ...ClientOption) *Client {
	all := append([]ClientOption{
		WithBaseURL(b.srv.URL),
		WithProjectBucket("proj"),
		WithDeveloperBucket("dev"),
	}, opts...)
	return NewClient("dev-token-1", all...)
}

func (b *testBackend) handleToken(w http.ResponseWriter, r *http.Request) {
	b.tokenCalls.Add(1)
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if b.rejectAuth.Load() {
		http.Error(w, `{"code":"AUTH","message":"developer token revoked"}`, http.StatusForbidden)
		return
	}
	var req struct {
		DeveloperToken string `json:"developerToken"`
		ProjectBucket  string `json:"projectBucket"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeveloperToken == "" {
		http.Error(w, "bad token request", http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(Credential{
		Token:      fmt.Sprintf("cred-%d", b.tokenCalls.Load()),
		IssuedFor:  req.ProjectBucket,
		ValidUntil: time.Now().Add(time.Hour),
	})
}

func (b *testBackend) handleBuckets(w http.ResponseWriter, r *http.Request) {
	b.hdrMu.Lock()
	b.lastAuth = r.Header.Get("Authorization")
	b.lastAPIKey = r.Header.Get("X-Api-Key")
	b.lastOrigin = r.Header.Get("X-Origin")
	if op := r.Header.Get("X-Op"); op != "" {
		b.lastOp = op
	}
	b.hdrMu.Unlock()

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer cred-") {
		http.Error(w, `{"code":"AUTH","message":"missing or stale credential"}`, http.StatusUnauthorized)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/buckets/proj/dev")
	switch {
	case rest == "/tags" && r.Method == http.MethodGet:
		b.handleTagList(w)
	case strings.HasPrefix(rest, "/tags/"):
		b.handleTag(w, r, strings.TrimPrefix(rest, "/tags/"))
	default:
		http.NotFound(w, r)
	}
}

func (b *testBackend) handleTagList(w http.ResponseWriter) {
	b.mu.Lock()
	tags := make([]string, 0, len(b.recs))
	for tag := range b.recs {
		tags = append(tags, tag)
	}
	b.mu.Unlock()
	json.NewEncoder(w).Encode(map[string][]string{"tags": tags})
}

func (b *testBackend) handleTag(w http.ResponseWriter, r *http.Request, tag string) {
	switch r.Method {
	case http.MethodGet:
		b.mu.Lock()
		rec, ok := b.recs[tag]
		b.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(tagRecord{Value: rec.value, Version: strconv.Itoa(rec.version)})

	case http.MethodPut:
		var req struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		rec, exists := b.recs[tag]
		if r.Header.Get("If-None-Match") == "*" && exists {
			b.mu.Unlock()
			http.Error(w, `{"code":"CONFLICT","message":"tag already exists"}`, http.StatusPreconditionFailed)
			return
		}
		if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
			if !exists || strconv.Itoa(rec.version) != ifMatch {
				b.mu.Unlock()
				http.Error(w, `{"code":"CONFLICT","message":"version moved"}`, http.StatusConflict)
				return
			}
		}
		b.next++
		version := b.next
		b.recs[tag] = backendRec{value: req.Value, version: version}
		b.mu.Unlock()
		json.NewEncoder(w).Encode(tagRecord{Value: req.Value, Version: strconv.Itoa(version)})

	case http.MethodDelete:
		b.mu.Lock()
		delete(b.recs, tag)
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (b *testBackend) set(tag string, value json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.recs[tag] = backendRec{value: value, version: b.next}
}

// ============================================================================
// Read / Write / Delete
// ============================================================================

func TestClientReadAbsentTag(t *testing.T) {
	backend := newTestBackend(t)
	client := backend.client()

	_, _, ok, err := client.Read(context.Background(), "missing")
	if err != nil {
		t.Fatalf("absent tag must not be an error, got %v", err)
	}
	if ok {
		t.Error("expected ok=false for absent tag")
	}
}

func TestClientWriteThenRead(t *testing.T) {
	backend := newTestBackend(t)
	client := backend.client()
	ctx := context.Background()

	version, err := client.Write(ctx, "greeting", raw(t, "hello"), "", newOpID())
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if version == "" {
		t.Fatal("write returned no version")
	}

	value, gotVersion, ok, err := client.Read(ctx, "greeting")
	if err != nil || !ok {
		t.Fatalf("read back: ok=%v err=%v", ok, err)
	}
	if string(value) != `"hello"` || gotVersion != version {
		t.Errorf("read %s@%s, want %q@%s", value, gotVersion, "hello", version)
	}
}

func TestClientWriteVersionPrecondition(t *testing.T) {
	backend := newTestBackend(t)
	client := backend.client()
	ctx := context.Background()

	version, err := client.Write(ctx, "t", raw(t, 1), "", newOpID())
	if err != nil {
		t.Fatalf("seed write: %v", err)
	}

	if _, err := client.Write(ctx, "t", raw(t, 2), "999", newOpID()); !isConflict(err) {
		t.Errorf("stale If-Match should conflict, got %v", err)
	}
	if _, err := client.Write(ctx, "t", raw(t, 2), VersionAbsent, newOpID()); !isConflict(err) {
		t.Errorf("If-None-Match on existing tag should conflict, got %v", err)
	}
	if _, err := client.Write(ctx, "t", raw(t, 2), version, newOpID()); err != nil {
		t.Errorf("matching If-Match should succeed, got %v", err)
	}
}

func TestClientDeleteIsIdempotent(t *testing.T) {
	backend := newTestBackend(t)
	client := backend.client()
	ctx := context.Background()

	backend.set("doomed", raw(t, 1))
	if err := client.Delete(ctx, "doomed", newOpID()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := client.Delete(ctx, "doomed", newOpID()); err != nil {
		t.Errorf("deleting an absent tag must not fail, got %v", err)
	}
	if _, _, ok, _ := client.Read(ctx, "doomed"); ok {
		t.Error("tag still present after delete")
	}
}

// ============================================================================
// Transact
// ============================================================================

func TestClientTransactRetriesPastConflict(t *testing.T) {
	backend := newTestBackend(t)
	client := backend.client()
	ctx := context.Background()
	backend.set("list", raw(t, []int{1}))

	var calls int
	_, err := client.Transact(ctx, "list", newOpID(), func(current json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			// Another writer sneaks in between our read and write.
			backend.set("list", raw(t, []int{1, 99}))
		}
		var list []json.RawMessage
		if err := json.Unmarshal(current, &list); err != nil {
			return nil, err
		}
		return json.Marshal(append(list, raw(t, 2)))
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected one conflict retry (2 calls), got %d", calls)
	}

	value, _, _, err := client.Read(ctx, "list")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(value) != "[1,99,2]" {
		t.Errorf("expected transform applied over the interleaved write, got %s", value)
	}
}

func TestClientTransactExhaustsRetryBudget(t *testing.T) {
	backend := newTestBackend(t)
	client := backend.client(WithTxRetries(3))
	ctx := context.Background()
	backend.set("hot", raw(t, 0))

	var calls int
	_, err := client.Transact(ctx, "hot", newOpID(), func(json.RawMessage) (json.RawMessage, error) {
		calls++
		// Permanent contention: the version moves on every attempt.
		backend.set("hot", raw(t, calls))
		return raw(t, -1), nil
	})
	if errCode(err) != CodeConflictExceeded {
		t.Fatalf("expected %s, got %v", CodeConflictExceeded, err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestClientTransactPropagatesTransformError(t *testing.T) {
	backend := newTestBackend(t)
	client := backend.client()

	wantErr := storeErr("RemoveFirst", CodeEmptyList, "nothing to remove")
	_, err := client.Transact(context.Background(), "t", newOpID(), func(json.RawMessage) (json.RawMessage, error) {
		return nil, wantErr
	})
	if errCode(err) != CodeEmptyList {
		t.Errorf("transform error should pass through untouched, got %v", err)
	}
	if backend.tokenCalls.Load() == 0 {
		t.Error("expected the read before the transform to have authenticated")
	}
}

// ============================================================================
// Auth plumbing
// ============================================================================

func TestClientFetchesTokenOncePerSession(t *testing.T) {
	backend := newTestBackend(t)
	client := backend.client()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := client.Write(ctx, "t", raw(t, i), "", newOpID()); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if got := backend.tokenCalls.Load(); got != 1 {
		t.Errorf("expected a single token fetch across requests, got %d", got)
	}
	backend.hdrMu.Lock()
	auth := backend.lastAuth
	backend.hdrMu.Unlock()
	if auth != "Bearer cred-1" {
		t.Errorf("unexpected Authorization header %q", auth)
	}
}

func TestClientAuthRejectionIsAuthError(t *testing.T) {
	backend := newTestBackend(t)
	client := backend.client()
	backend.rejectAuth.Store(true)

	_, _, _, err := client.Read(context.Background(), "t")
	if errCode(err) != CodeAuth {
		t.Errorf("expected %s from rejected token fetch, got %v", CodeAuth, err)
	}
}

func TestClientUnauthenticateForcesFreshFetch(t *testing.T) {
	backend := newTestBackend(t)
	client := backend.client()
	ctx := context.Background()

	if _, err := client.Write(ctx, "t", raw(t, 1), "", newOpID()); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.Unauthenticate()
	if _, err := client.Write(ctx, "t", raw(t, 2), "", newOpID()); err != nil {
		t.Fatalf("write after unauthenticate: %v", err)
	}
	if got := backend.tokenCalls.Load(); got != 2 {
		t.Errorf("expected exactly one fresh fetch after Unauthenticate, got %d total", got)
	}
}

// ============================================================================
// Headers and namespace
// ============================================================================

func TestClientSendsAPIKeyOverride(t *testing.T) {
	backend := newTestBackend(t)
	client := backend.client(WithAPIKeyOverride("key-from-host-app"))

	client.Read(context.Background(), "t")
	backend.hdrMu.Lock()
	defer backend.hdrMu.Unlock()
	if backend.lastAPIKey != "key-from-host-app" {
		t.Errorf("expected override key on the wire, got %q", backend.lastAPIKey)
	}
}

func TestClientAttachesOriginAndOp(t *testing.T) {
	backend := newTestBackend(t)
	client := backend.client()

	op := newOpID()
	if _, err := client.Write(context.Background(), "t", raw(t, 1), "", op); err != nil {
		t.Fatalf("write: %v", err)
	}
	backend.hdrMu.Lock()
	defer backend.hdrMu.Unlock()
	if backend.lastOrigin != client.Origin() {
		t.Errorf("expected origin %q on the wire, got %q", client.Origin(), backend.lastOrigin)
	}
	if backend.lastOp != op {
		t.Errorf("expected op %q on the wire, got %q", op, backend.lastOp)
	}
}

func TestClientTagList(t *testing.T) {
	backend := newTestBackend(t)
	client := backend.client()
	backend.set("a", raw(t, 1))
	backend.set("b", raw(t, 2))

	tags, err := client.TagList(context.Background())
	if err != nil {
		t.Fatalf("tag list: %v", err)
	}
	if len(tags) != 2 {
		t.Errorf("expected 2 tags, got %v", tags)
	}
}
