// duplexsseclient/transport.go
package duplexsseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpetrov/duplexsse/pantry/retry"
	"github.com/mpetrov/duplexsse/toolkit/http/webutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultErrorDebounce = 5 * time.Second
	reconnectBackoff     = 1 * time.Second
)

// Config configures a Transport, the client side of a duplex connection.
type Config struct {
	// ServerUrl is the base URL of the ServerHandler endpoint; the
	// client appends sseClientId (and, in ordered mode, messageId).
	ServerUrl string

	// Ordered selects the outbound submission mode. Default: unordered
	// (each Submit fires an independent, concurrent POST).
	Ordered bool

	// ErrorDebounce is how long a transient SSE error is tolerated
	// before it is surfaced and the transport closes. Default: 5s.
	ErrorDebounce time.Duration

	// HTTPClient, if set, is used as the base transport for both the
	// SSE subscription and outbound POSTs (wrapped in retry.Transport
	// for POSTs). Defaults to http.DefaultTransport.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// Transport is the client side of the duplex connection: it maintains
// an SSE subscription identified by a generated ClientId, exposes the
// resulting message stream, and posts outgoing messages back to the
// same id, optionally preserving submission order.
//
// Grounded on the reconnect-loop/retry shape of pantry/retry (circuit
// breaker + exponential backoff for the POST path) and on
// Tangerg-lynx/sse's decode-from-reader pattern for the inbound side,
// since this module's Go client has no browser EventSource to lean on
// — the state such a client would normally supply (automatic
// reconnect, the debounce-then-surface error policy) is reimplemented
// here instead of borrowed from a runtime collaborator.
type Transport struct {
	id         string
	serverURL  string
	subscribe  string
	ordered    bool
	debounce   time.Duration
	httpClient *http.Client
	postClient *http.Client
	circuit    *retry.Circuit
	logger     *zap.Logger

	inbound chan string

	outMu    sync.Mutex
	outQueue []string
	outCond  *sync.Cond
	nextMsgID uint64

	mu           sync.Mutex
	debounceTimer *time.Timer
	lastErr      error
	err          error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// New opens an SSE subscription against cfg.ServerUrl with a freshly
// generated ClientId and returns a Transport ready for Submit/Messages.
func New(cfg Config) *Transport {
	debounce := cfg.ErrorDebounce
	if debounce <= 0 {
		debounce = defaultErrorDebounce
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	t := &Transport{
		id:         id,
		serverURL:  cfg.ServerUrl,
		subscribe:  webutil.AddOrSetQueryParams(cfg.ServerUrl, map[string]string{"sseClientId": id}),
		ordered:    cfg.Ordered,
		debounce:   debounce,
		httpClient: httpClient,
		postClient: retry.ClientWithBase(httpClient.Transport, retry.DefaultHTTPConfig()),
		circuit:    retry.NewCircuit(retry.DefaultCircuitConfig()),
		logger:     cfg.Logger,
		inbound:    make(chan string, 64),
		ctx:        ctx,
		cancel:     cancel,
		closeCh:    make(chan struct{}),
	}
	t.outCond = sync.NewCond(&t.outMu)

	t.wg.Add(1)
	go t.subscribeLoop()

	if t.ordered {
		t.wg.Add(1)
		go t.orderedSender()
	}

	return t
}

// ID returns this transport's ClientId.
func (t *Transport) ID() string { return t.id }

// Messages returns the inbound stream of application payloads. It is
// closed when the transport closes; call Err() afterward to find out
// whether closure was graceful (nil) or due to an unrecoverable error.
func (t *Transport) Messages() <-chan string { return t.inbound }

// Err returns the error that caused the transport to close, or nil if
// it closed gracefully (explicit Close, or a server control "close").
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Submit sends an application payload to the server. In unordered
// mode it fires an independent POST immediately; in ordered mode it
// is enqueued and sent by the single ordered sender goroutine after
// all previously submitted messages, each POST carrying an increasing
// messageId.
func (t *Transport) Submit(msg string) {
	select {
	case <-t.closeCh:
		return
	default:
	}

	if !t.ordered {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.post(msg, 0, false); err != nil {
				t.noteError(fmt.Errorf("post failed: %w", err))
			}
		}()
		return
	}

	t.outMu.Lock()
	t.outQueue = append(t.outQueue, msg)
	t.outCond.Broadcast()
	t.outMu.Unlock()
}

// Close cancels the subscription and any in-flight POSTs, stops the
// outbound pipeline, and waits for the transport's goroutines to exit.
// The HTTP clients themselves are left open.
func (t *Transport) Close() error {
	t.closeLocal(nil)
	t.wg.Wait()
	return nil
}

func (t *Transport) closeLocal(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		if t.debounceTimer != nil {
			t.debounceTimer.Stop()
		}
		t.mu.Unlock()

		close(t.closeCh)
		t.cancel()

		t.outMu.Lock()
		t.outCond.Broadcast()
		t.outMu.Unlock()

		// t.inbound is closed by subscribeLoop itself, once it has
		// actually stopped running — it is the only goroutine that ever
		// sends on it, so closing it here instead could race a send
		// still in flight on that goroutine.
	})
}

// noteError starts (if not already running) the error debounce timer.
// If the subscription recovers before it fires, noteRecovered cancels
// it and the error is suppressed, exactly as a browser EventSource's
// built-in reconnect would absorb a transient drop.
func (t *Transport) noteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err
	if t.debounceTimer == nil {
		t.debounceTimer = time.AfterFunc(t.debounce, func() {
			t.mu.Lock()
			final := t.lastErr
			t.mu.Unlock()
			t.closeLocal(final)
		})
	}
}

func (t *Transport) noteRecovered() {
	t.mu.Lock()
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
		t.debounceTimer = nil
	}
	t.lastErr = nil
	t.mu.Unlock()
}

// subscribeLoop maintains the SSE GET, reconnecting on transient
// failure until the error debounce fires or the transport is closed.
func (t *Transport) subscribeLoop() {
	defer t.wg.Done()
	// Only this goroutine ever sends on t.inbound, so only it may close
	// it — after the loop below has fully stopped, guaranteeing no send
	// is still in flight.
	defer close(t.inbound)

	for {
		select {
		case <-t.closeCh:
			return
		default:
		}

		if err := t.runSubscription(); err != nil {
			t.noteError(err)
			select {
			case <-time.After(reconnectBackoff):
			case <-t.closeCh:
				return
			}
			continue
		}
		// runSubscription returning nil means the transport is already
		// closed (a control frame was handled, or Close ran); there is
		// nothing left to retry.
		return
	}
}

// runSubscription performs one SSE GET and processes frames until the
// stream ends or an unrecoverable protocol error occurs. A nil return
// means the transport is closed: by a control "close" (no error), by an
// unknown control value (closed with an error), or by Close; a non-nil
// return is a transient failure the caller should retry.
func (t *Transport) runSubscription() error {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.subscribe, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("subscribe: unexpected status %d", resp.StatusCode)
	}

	t.noteRecovered()

	reader := newSSEReader(resp.Body)
	for reader.Next() {
		evt := reader.Current()
		switch evt.event {
		case "", "message":
			var payload string
			if err := json.Unmarshal([]byte(evt.data), &payload); err != nil {
				if t.logger != nil {
					t.logger.Warn("duplexsseclient: dropping unparseable message frame", zap.Error(err))
				}
				continue
			}
			select {
			case t.inbound <- payload:
			case <-t.closeCh:
				return nil
			}
		case "control":
			var payload string
			_ = json.Unmarshal([]byte(evt.data), &payload)
			if payload == "close" {
				t.closeLocal(nil)
				return nil
			}
			// Unknown control directive: protocol-version mismatch,
			// a hard error on the client — not absorbed like a
			// transient transport error.
			t.closeLocal(fmt.Errorf("unknown control event: %q", payload))
			return nil
		default:
			if t.logger != nil {
				t.logger.Debug("duplexsseclient: ignoring unknown SSE event", zap.String("event", evt.event))
			}
		}
	}

	select {
	case <-t.closeCh:
		return nil
	default:
	}
	if err := reader.Err(); err != nil {
		return err
	}
	return fmt.Errorf("subscribe: stream ended")
}

// orderedSender drains outQueue one message at a time, awaiting each
// POST's completion before sending the next, guaranteeing the
// server-observed order matches submission order.
func (t *Transport) orderedSender() {
	defer t.wg.Done()

	for {
		t.outMu.Lock()
		for len(t.outQueue) == 0 {
			select {
			case <-t.closeCh:
				t.outMu.Unlock()
				return
			default:
			}
			t.outCond.Wait()
		}
		select {
		case <-t.closeCh:
			t.outMu.Unlock()
			return
		default:
		}
		msg := t.outQueue[0]
		t.outQueue = t.outQueue[1:]
		t.outMu.Unlock()

		id := atomic.AddUint64(&t.nextMsgID, 1)
		if err := t.post(msg, id, true); err != nil {
			t.noteError(fmt.Errorf("ordered post failed: %w", err))
		}
	}
}

// post issues a single outbound POST, optionally running it through
// the circuit breaker (ordered mode only — an unordered POST failing
// is independent of the others and shouldn't trip a breaker that
// would then block unrelated concurrent sends).
func (t *Transport) post(msg string, messageID uint64, useCircuit bool) error {
	doPost := func(ctx context.Context) error {
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		u := t.subscribe
		if messageID > 0 {
			u = webutil.AddOrSetQueryParams(u, map[string]string{"messageId": strconv.FormatUint(messageID, 10)})
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.postClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("post: unexpected status %d", resp.StatusCode)
		}
		return nil
	}

	if !useCircuit {
		return doPost(t.ctx)
	}
	return t.circuit.Do(t.ctx, doPost)
}
