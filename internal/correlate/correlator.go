package correlate

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Kind is the category of a correlated request. Each kind has its own
// in-flight slot: serialising requests per kind removes any ambiguity about
// which response belongs to which request, even if the broker reorders
// deliveries.
type Kind int

const (
	// KindTwinGet is a full twin retrieval request.
	KindTwinGet Kind = iota

	// KindTwinReport is a reported-properties patch request.
	KindTwinReport
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case KindTwinGet:
		return "twin_get"
	case KindTwinReport:
		return "twin_report"
	default:
		return "unknown"
	}
}

// Result is the resolution of a correlated request.
type Result struct {
	// Status is the HTTP-style code embedded in the response topic.
	Status int

	// Version is the twin version from the response topic, when present.
	Version int

	// Payload is the response body. May be empty (report acknowledgements
	// carry no body).
	Payload []byte
}

// outcome is what lands in a pending request's resolution slot: a result or
// a failure, never both.
type outcome struct {
	res Result
	err error
}

// pending tracks one in-flight request from issue to resolution.
//
// The channel is the single-assignment resolution slot: buffered with
// capacity one, written exactly once by Resolve, FailAll or Cancel, read
// exactly once by Await.
type pending struct {
	id       string
	kind     Kind
	issuedAt time.Time
	timeout  time.Duration
	ch       chan outcome
}

// Logger is the minimal logging interface the correlator needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
}

// Correlator issues request identifiers, tracks in-flight requests with
// deadlines and matches inbound responses back to their waiting callers.
//
// Request ids are a monotonically incremented counter formatted as a decimal
// string; they are unique for the lifetime of the correlator and never
// reused while a request is live.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Correlator struct {
	mu       sync.Mutex
	nextID   uint64
	pending  map[string]*pending
	inflight map[Kind]string

	logger Logger
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{
		pending:  make(map[string]*pending),
		inflight: make(map[Kind]string),
	}
}

// SetLogger sets a logger for dropped-response warnings.
// If not set, unknown resolutions are silently ignored.
func (c *Correlator) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

// NextID returns a fresh request id without registering a pending request.
//
// Used for fire-and-forget publishes that still need a request id on the
// wire but never wait for the response. Ids from this counter are shared
// with Issue, so an uncorrelated id can never collide with a tracked one.
func (c *Correlator) NextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocID()
}

// Issue registers a new in-flight request of the given kind.
//
// A negative timeout disables the deadline ("wait forever").
//
// Parameters:
//   - kind: The request category
//   - timeout: Maximum time Await will wait, measured from now
//
// Returns:
//   - string: The request id to embed in the outbound topic
//   - error: ErrRequestInProgress if the kind already has a request in flight
func (c *Correlator) Issue(kind Kind, timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, busy := c.inflight[kind]; busy {
		return "", fmt.Errorf("%w: %s request %s still pending", ErrRequestInProgress, kind, id)
	}

	id := c.allocID()
	c.pending[id] = &pending{
		id:       id,
		kind:     kind,
		issuedAt: time.Now(),
		timeout:  timeout,
		ch:       make(chan outcome, 1),
	}
	c.inflight[kind] = id

	return id, nil
}

// Resolve delivers a response to the request that issued the given id and
// wakes its waiter.
//
// An unknown id is not an error: the request may have timed out already, or
// the broker may have duplicated a delivery. Those are logged and dropped.
func (c *Correlator) Resolve(id string, res Result) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		logger := c.logger
		c.mu.Unlock()
		if logger != nil {
			logger.Warn("response for unknown request id dropped",
				"request_id", id,
				"status", res.Status,
			)
		}
		return
	}
	c.remove(p)
	c.mu.Unlock()

	p.ch <- outcome{res: res}
}

// Await blocks until the request resolves or its deadline passes.
//
// The deadline is measured from Issue, not from Await. On timeout the
// pending request is removed, so a new request of the same kind may be
// issued immediately afterwards.
//
// Parameters:
//   - id: A request id previously returned by Issue
//
// Returns:
//   - Result: The resolution delivered by Resolve
//   - error: ErrTimeout on deadline, ErrUnknownRequest for a stale id, or
//     the failure passed to FailAll
func (c *Correlator) Await(id string) (Result, error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	if p.timeout < 0 {
		out := <-p.ch
		return out.res, out.err
	}

	timer := time.NewTimer(time.Until(p.issuedAt.Add(p.timeout)))
	defer timer.Stop()

	select {
	case out := <-p.ch:
		return out.res, out.err
	case <-timer.C:
		c.mu.Lock()
		// A resolution may have landed between the timer firing and the
		// lock being taken; prefer it over the timeout.
		select {
		case out := <-p.ch:
			c.mu.Unlock()
			return out.res, out.err
		default:
		}
		c.remove(p)
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s request %s after %v", ErrTimeout, p.kind, id, p.timeout)
	}
}

// Cancel removes a pending request whose publish never made it onto the
// wire. No waiter is signalled; the caller already has the publish error.
func (c *Correlator) Cancel(id string) {
	c.mu.Lock()
	if p, ok := c.pending[id]; ok {
		c.remove(p)
	}
	c.mu.Unlock()
}

// FailAll resolves every pending request with the given error. Called on
// connection loss so no waiter hangs on a response that can never arrive.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	failed := make([]*pending, 0, len(c.pending))
	for _, p := range c.pending {
		failed = append(failed, p)
	}
	c.pending = make(map[string]*pending)
	c.inflight = make(map[Kind]string)
	c.mu.Unlock()

	for _, p := range failed {
		p.ch <- outcome{err: err}
	}
}

// Pending returns the number of requests currently in flight.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// allocID hands out the next request id. Caller must hold the lock.
func (c *Correlator) allocID() string {
	c.nextID++
	return strconv.FormatUint(c.nextID, 10)
}

// remove drops a pending request and frees its kind slot. Caller must hold
// the lock.
func (c *Correlator) remove(p *pending) {
	delete(c.pending, p.id)
	if c.inflight[p.kind] == p.id {
		delete(c.inflight, p.kind)
	}
}
