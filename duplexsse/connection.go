// duplexsse/connection.go
package duplexsse

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ClientId is the opaque identifier a client chooses at subscription
// time (in practice a UUID) to correlate its SSE GET with its POSTs,
// and to survive reconnects within a keep-alive window.
type ClientId = string

// Sink is the minimal capability a ServerConnection needs from its
// attached response writer: write a frame, or be told the connection
// is done. Concrete implementations: the real HTTP response body
// (see handler.go), the proxy's downstream pump (see duplexproxy), or
// an in-memory double used in tests.
type Sink interface {
	Write(p []byte) error
	Close() error
}

// connState is the LIVE / KEEP_ALIVE / CLOSED state machine a
// connection moves through over its lifetime.
type connState int

const (
	stateLive connState = iota
	stateKeepAlive
	stateClosed
)

// ServerConnection is the per-client connection object: it owns an
// inbound queue fed by POSTs, an outbound queue drained into whichever
// Sink is currently attached, and the keep-alive timer that lets a
// connection survive a dropped sink without losing buffered outbound
// messages.
//
// Grounded on pantry/sse.Broker's Client type, generalized
// in three ways the broker didn't need: Client.Send there drops the
// message on a full/closed buffer, which would violate I4, so here
// the outbound queue is unbounded and a detached consumer blocks
// instead of discarding; the broker has no reattach/keep-alive notion
// at all (a dropped client is simply gone); and delivery order across
// a reattach is explicit here via the single-consumer drain loop in
// drainOutbound.
type ServerConnection struct {
	id        ClientId
	keepAlive time.Duration
	logger    *zap.Logger

	mu             sync.Mutex
	cond           *sync.Cond
	sink           Sink
	outbound       []outboundItem
	state          connState
	keepAliveTimer *time.Timer
	closed         bool

	inbound   chan string
	closeCh   chan struct{}
	closeOnce sync.Once

	// deliverWG tracks deliver calls that passed the closed check before
	// Close could observe it, so Close can wait for them to finish
	// touching inbound before closing it (see deliver and Close).
	deliverWG sync.WaitGroup

	// onClose is invoked exactly once, after the connection has fully
	// torn down, so the owning registry can evict it.
	onClose func(*ServerConnection)
}

// outboundItem is either an application message (encoded via
// encodeMessage) or a transport-level control frame (encodeControl).
// Queuing both through the same slice keeps messages arriving in
// exact submission order for control frames too, instead of writing
// them out-of-band.
type outboundItem struct {
	control bool
	value   string
}

// newServerConnection constructs a connection in the LIVE state with
// no sink attached yet; the caller (ServerHandler) attaches the first
// sink immediately after construction.
func newServerConnection(id ClientId, keepAlive time.Duration, bufferSize int, logger *zap.Logger, onClose func(*ServerConnection)) *ServerConnection {
	c := &ServerConnection{
		id:        id,
		keepAlive: keepAlive,
		logger:    logger,
		state:     stateLive,
		inbound:   make(chan string, bufferSize),
		closeCh:   make(chan struct{}),
		onClose:   onClose,
	}
	c.cond = sync.NewCond(&c.mu)
	go c.drainOutbound()
	return c
}

// ID returns the connection's ClientId.
func (c *ServerConnection) ID() ClientId { return c.id }

// Submit enqueues an outbound message. It never blocks on network I/O;
// it only acquires the connection's in-memory mutex.
func (c *ServerConnection) Submit(msg string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.outbound = append(c.outbound, outboundItem{value: msg})
	c.cond.Broadcast()
	c.mu.Unlock()
}

// SubmitClose enqueues a control "close" frame after any
// already-queued outbound messages, then closes the connection once
// that frame (and everything ahead of it) has actually been written
// to the client (or immediately, if no sink is attached and no
// keep-alive is configured). This is a graceful, server-initiated
// close that the client observes as its inbound stream completing.
func (c *ServerConnection) SubmitClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.outbound = append(c.outbound, outboundItem{control: true, value: controlClose})
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Messages returns the inbound stream: a finite, non-restartable
// sequence of messages delivered by POSTs, closed when the connection
// closes.
func (c *ServerConnection) Messages() <-chan string {
	return c.inbound
}

// IsInKeepAlivePeriod reports whether the connection currently has no
// attached sink but is still alive, waiting for the keep-alive timer.
func (c *ServerConnection) IsInKeepAlivePeriod() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateKeepAlive
}

// Closed reports whether the connection has finished tearing down.
func (c *ServerConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done returns a channel closed once the connection is fully closed.
func (c *ServerConnection) Done() <-chan struct{} {
	return c.closeCh
}

// attach binds a new Sink to the connection. If a sink is already
// attached (the handler's "evict and create new" policy is applied by
// the caller before this is ever reached for a LIVE connection — see
// handler.go), the previous one is closed first. Any armed keep-alive
// timer is cancelled and the state returns to LIVE.
func (c *ServerConnection) attach(sink Sink) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sink.Close()
		return
	}
	if c.keepAliveTimer != nil {
		c.keepAliveTimer.Stop()
		c.keepAliveTimer = nil
	}
	prev := c.sink
	c.sink = sink
	c.state = stateLive
	c.cond.Broadcast()
	c.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
}

// detach removes the current sink after it dropped: a write to it
// failed, the handler saw its GET request end, or CloseSink closed it.
// failedSink is the sink that dropped, used to avoid clobbering a sink
// that was concurrently attached; nil detaches whatever is attached. If
// keepAlive is configured the connection enters KEEP_ALIVE and the
// timer is armed; otherwise the connection closes immediately.
func (c *ServerConnection) detach(failedSink Sink) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if failedSink != nil && c.sink != failedSink {
		// A new sink was attached concurrently; nothing to do.
		c.mu.Unlock()
		return
	}
	c.sink = nil

	if c.keepAlive <= 0 {
		c.mu.Unlock()
		c.Close()
		return
	}

	c.state = stateKeepAlive
	c.keepAliveTimer = time.AfterFunc(c.keepAlive, func() {
		if c.logger != nil {
			c.logger.Info("duplexsse: keep-alive expired, closing connection", zap.String("client_id", c.id))
		}
		c.Close()
	})
	c.cond.Broadcast()
	c.mu.Unlock()
}

// CloseSink terminates the currently attached sink without closing
// the connection, for use only by tests that want to simulate a
// dropped underlying transport.
func (c *ServerConnection) CloseSink() {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink.Close()
		c.detach(sink)
	}
}

// Close tears the connection down: the close latch completes, the
// inbound queue is closed, the attached sink (if any) is closed, and
// onClose fires exactly once so the registry evicts the entry.
// Reachable from: an explicit Close by the application (the way it
// cancels its inbound stream; merely no longer reading Messages does
// not close anything), SubmitClose once its control frame is written,
// keep-alive expiry, or a dropped sink with no keep-alive configured.
func (c *ServerConnection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.state = stateClosed
		if c.keepAliveTimer != nil {
			c.keepAliveTimer.Stop()
			c.keepAliveTimer = nil
		}
		sink := c.sink
		c.sink = nil
		c.cond.Broadcast()
		c.mu.Unlock()

		if sink != nil {
			sink.Close()
		}

		// closeCh unblocks any deliver call already past the closed
		// check and blocked trying to send; deliverWG then lets Close
		// wait for that send to actually finish before the channel it
		// targets is closed out from under it.
		close(c.closeCh)
		c.deliverWG.Wait()
		close(c.inbound)

		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// deliver pushes a POST-decoded message onto the inbound queue. It is
// called by the ServerHandler; a full buffer blocks the POST response
// momentarily (bounded by ClientBufferSize), an acceptable, explicit
// form of backpressure — no more than TCP and in-memory queues provide.
func (c *ServerConnection) deliver(msg string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.deliverWG.Add(1)
	c.mu.Unlock()
	defer c.deliverWG.Done()

	select {
	case c.inbound <- msg:
	case <-c.closeCh:
	}
}

// drainOutbound is the single owned goroutine per connection: one
// consumer, never spawned per-message. It never discards the queue
// head until a write of it has actually succeeded.
func (c *ServerConnection) drainOutbound() {
	for {
		c.mu.Lock()
		for len(c.outbound) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		for c.sink == nil && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}

		item := c.outbound[0]
		sink := c.sink
		c.mu.Unlock()

		var encoded []byte
		if item.control {
			encoded = encodeControl(item.value)
		} else {
			enc, err := encodeMessage(item.value)
			if err != nil {
				// Unencodable outbound payload: log, drop, do not close.
				if c.logger != nil {
					c.logger.Warn("duplexsse: dropping unencodable outbound message",
						zap.String("client_id", c.id), zap.Error(err))
				}
				c.popHead()
				continue
			}
			encoded = enc
		}

		if err := sink.Write(encoded); err != nil {
			if c.logger != nil {
				c.logger.Info("duplexsse: sink write failed, detaching",
					zap.String("client_id", c.id), zap.Error(err))
			}
			c.detach(sink)
			continue
		}

		c.popHead()
		if item.control && item.value == controlClose {
			c.Close()
			return
		}
	}
}

// popHead removes the delivered head message from the outbound queue.
func (c *ServerConnection) popHead() {
	c.mu.Lock()
	if len(c.outbound) > 0 {
		c.outbound = c.outbound[1:]
	}
	c.mu.Unlock()
}

