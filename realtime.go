package tagsync

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	heartbeatInterval  = 25 * time.Second
)

// WithWatchPrefix narrows the watch stream to tags under prefix. The
// default subscribes to the whole bucket namespace.
func WithWatchPrefix(prefix string) ClientOption {
	return func(c *Client) { c.watchPrefix = prefix }
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes backoff delays between connection attempts:
// exponential with jitter, capped, and reset after a minute of stable
// uptime.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector() *reconnector {
	return &reconnector{baseDelay: reconnectBaseDelay, maxDelay: reconnectMaxDelay}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Watcher
// ============================================================================

// errWatchAuth marks a connection attempt rejected by the backend for
// credential reasons; it is not retried automatically.
var errWatchAuth = errors.New("watch stream unauthenticated")

// Watcher maintains the websocket watch stream: it dials, reads envelopes,
// and reconnects with backoff when the stream drops. Reconnects resume at
// the last delivered version, so no notification is lost across a gap.
//
// An auth rejection parks the watcher in Unauthenticated until Wake is
// called (the engine does so on the next token-requiring operation).
type Watcher struct {
	client  *Client
	onEvent EventHandler
	onState StateHandler
	recon   *reconnector
	wakeCh  chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	closed bool

	// lastVersion is the resume cursor sent on reconnect.
	lastVersion string
}

// Subscribe opens the watch stream for the client's bucket namespace. The
// returned Subscription keeps reconnecting until closed; connectivity
// transitions arrive through onState.
func (c *Client) Subscribe(ctx context.Context, onEvent EventHandler, onState StateHandler) (Subscription, error) {
	if onEvent == nil || onState == nil {
		return nil, errors.New("subscribe: onEvent and onState are required")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		client:  c,
		onEvent: onEvent,
		onState: onState,
		recon:   newReconnector(),
		wakeCh:  make(chan struct{}, 1),
		cancel:  cancel,
	}
	go w.run(runCtx)
	return w, nil
}

// Close stops reconnect attempts and tears down the stream.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	w.cancel()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Wake retries the connection immediately, skipping the remaining backoff
// delay. It is the exit path from the Unauthenticated park.
func (w *Watcher) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *Watcher) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Watcher) run(ctx context.Context) {
	for {
		if ctx.Err() != nil || w.isClosed() {
			return
		}

		w.onState(StateConnecting)
		err := w.connectOnce(ctx)
		if ctx.Err() != nil || w.isClosed() {
			return
		}

		if errors.Is(err, errWatchAuth) {
			w.onState(StateUnauthenticated)
			w.recon.reset()
			// Auth failures are not retried on a timer; wait to be woken.
			select {
			case <-w.wakeCh:
			case <-ctx.Done():
				return
			}
			continue
		}

		w.onState(StateDisconnected)
		select {
		case <-time.After(w.recon.nextDelay()):
		case <-w.wakeCh:
		case <-ctx.Done():
			return
		}
	}
}

// connectOnce dials the stream and reads until it fails. The returned
// error classifies the failure for the retry policy.
func (w *Watcher) connectOnce(ctx context.Context) error {
	c := w.client

	cred, err := c.tokens.Current(ctx)
	if err != nil {
		if errCode(err) == CodeAuth {
			return errWatchAuth
		}
		return err
	}

	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += c.bucketPath() + "/watch"

	params := url.Values{}
	params.Set("token", cred.Token)
	if c.watchPrefix != "" {
		params.Set("prefix", c.watchPrefix)
	}
	w.mu.Lock()
	if w.lastVersion != "" {
		params.Set("since", w.lastVersion)
	}
	w.mu.Unlock()
	wsURL += "?" + params.Encode()

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.tokens.Invalidate()
			return errWatchAuth
		}
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	w.conn = conn
	w.mu.Unlock()

	w.recon.markConnected()
	w.onState(StateConnected)
	c.logger.Debug("watch stream connected", "prefix", c.watchPrefix)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.heartbeatLoop(connCtx, conn)

	err = w.readLoop(connCtx, conn)

	w.mu.Lock()
	w.conn = nil
	w.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")

	if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
		// Backend revoked the credential mid-stream.
		c.tokens.Invalidate()
		return errWatchAuth
	}
	return err
}

func (w *Watcher) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Version != "" {
			w.mu.Lock()
			w.lastVersion = env.Version
			w.mu.Unlock()
		}
		w.onEvent(env)
	}
}

func (w *Watcher) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Stalled stream; closing unblocks the read loop so the
				// reconnect cycle takes over.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
