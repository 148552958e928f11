package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/hublink/internal/correlate"
	"github.com/nerrad567/hublink/internal/infrastructure/config"
	"github.com/nerrad567/hublink/internal/infrastructure/mqtt"
	"github.com/nerrad567/hublink/internal/topics"
	"github.com/nerrad567/hublink/internal/twin"
)

// State is the session lifecycle state.
//
// Transitions:
//
//	Created → Connecting → Connected ⇄ Disconnected
//	any state → Closed (terminal)
//
// Disconnected is recoverable: the transport reconnects on its own and the
// session re-enters Connected. Closed is not.
type State int

const (
	// StateCreated is the initial state before the first Connect.
	StateCreated State = iota

	// StateConnecting is a Connect in progress.
	StateConnecting

	// StateConnected is an established hub connection.
	StateConnected

	// StateDisconnected is a lost connection awaiting transport reconnect.
	StateDisconnected

	// StateClosed is the terminal state; every operation fails with ErrClosed.
	StateClosed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the hub connection the session drives.
// Satisfied by *mqtt.Client.
type Transport interface {
	Publish(topic string, payload []byte, qos byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
	SetOnConnect(func())
	SetOnDisconnect(func(err error))
	Close() error
}

// Dialer establishes a connected transport. Called once per Connect;
// reconnection after that is the transport's own responsibility.
type Dialer func() (Transport, error)

// BoundHandler is invoked for each cloud-to-device message.
// Properties come from the topic's property bag, the payload from the body.
type BoundHandler func(properties map[string]string, payload []byte)

// MethodHandler handles one direct method invocation.
//
// The payload is the decoded request body (nil when the body was empty or
// JSON null). The returned status travels in the response topic; the
// response value is JSON-encoded as the body, nil encoding as null.
type MethodHandler func(payload []byte) (status int, response any)

// EventSpool buffers telemetry while the session is offline.
// Satisfied by *spool.Spool.
type EventSpool interface {
	Enqueue(topic string, payload []byte, qos byte) error
	Drain(publish func(topic string, payload []byte, qos byte) error) (int, error)
}

// Logger is the minimal logging interface the session needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Method response statuses used when no handler can run.
const (
	statusNotImplemented = 501
	statusInternalError  = 500
)

// Session is the device-facing facade over the hub connection.
//
// It owns the lifecycle state machine, the callback table, the request
// correlator and the twin synchronizer, and routes every inbound message to
// the right place. One session serves one device identity.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Inbound dispatch is serialized: handlers and twin merges never run
//     concurrently with each other.
type Session struct {
	topics         topics.Topics
	corr           *correlate.Correlator
	twin           *twin.Synchronizer
	qos            byte
	requestTimeout time.Duration

	dial      Dialer
	transport Transport

	stateMu sync.RWMutex
	state   State

	cbMu    sync.RWMutex
	onBound BoundHandler
	methods map[string]MethodHandler

	// dispatchMu serializes inbound dispatch across the four topic surfaces.
	dispatchMu sync.Mutex

	spool EventSpool

	logger Logger
}

// New creates a session for one device identity.
//
// Parameters:
//   - hub: Hub and device identity
//   - cfg: Transport tuning (default QoS, request timeout)
//   - dial: Transport factory invoked by Connect
func New(hub config.HubConfig, cfg config.MQTTConfig, dial Dialer) *Session {
	s := &Session{
		topics:         topics.Topics{DeviceID: hub.DeviceID},
		corr:           correlate.New(),
		qos:            byte(cfg.QoS),
		requestTimeout: cfg.GetRequestTimeout(),
		dial:           dial,
		state:          StateCreated,
		methods:        make(map[string]MethodHandler),
	}
	s.twin = twin.New(s.topics, publisher{s}, s.corr)
	return s
}

// SetLogger sets a logger for the session, correlator and twin synchronizer.
func (s *Session) SetLogger(logger Logger) {
	s.stateMu.Lock()
	s.logger = logger
	s.stateMu.Unlock()
	s.corr.SetLogger(logger)
	s.twin.SetLogger(logger)
}

// SetSpool attaches an offline telemetry spool. Events published while
// disconnected are enqueued instead of failing, and drained on reconnect.
func (s *Session) SetSpool(sp EventSpool) {
	s.stateMu.Lock()
	s.spool = sp
	s.stateMu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Connect establishes the hub connection and subscribes to every inbound
// surface: twin responses, desired pushes, method requests and
// cloud-to-device messages.
//
// Connect is idempotent while connected and an error after Close. After a
// connection loss the transport reconnects on its own; Connect does not need
// to be called again.
//
// Returns:
//   - error: ErrClosed after Close, dial errors, or subscribe errors
func (s *Session) Connect() error {
	s.stateMu.Lock()
	switch s.state {
	case StateClosed:
		s.stateMu.Unlock()
		return ErrClosed
	case StateConnected, StateConnecting:
		s.stateMu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.stateMu.Unlock()

	transport, err := s.dial()
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("connecting to hub: %w", err)
	}

	transport.SetOnConnect(s.handleReconnect)
	transport.SetOnDisconnect(s.handleConnectionLost)

	s.stateMu.Lock()
	s.transport = transport
	s.stateMu.Unlock()

	for _, pattern := range s.topics.SubscriptionPatterns() {
		if err := transport.Subscribe(pattern, s.qos, s.handleInbound); err != nil {
			transport.Close()
			s.setState(StateDisconnected)
			return fmt.Errorf("subscribing to %s: %w", pattern, err)
		}
	}

	s.setState(StateConnected)
	s.drainSpool()
	return nil
}

// Close tears the session down. Terminal: pending requests fail with
// ErrClosed and every subsequent operation returns ErrClosed.
func (s *Session) Close() error {
	s.stateMu.Lock()
	if s.state == StateClosed {
		s.stateMu.Unlock()
		return nil
	}
	s.state = StateClosed
	transport := s.transport
	s.stateMu.Unlock()

	s.corr.FailAll(ErrClosed)

	if transport != nil {
		return transport.Close()
	}
	return nil
}

// =============================================================================
// Callback Registration
// =============================================================================

// OnBound registers the cloud-to-device message handler. Last writer wins;
// nil disables delivery.
func (s *Session) OnBound(handler BoundHandler) {
	s.cbMu.Lock()
	s.onBound = handler
	s.cbMu.Unlock()
}

// OnMethod registers a direct method handler by name. Last writer wins per
// name; a nil handler removes the registration.
func (s *Session) OnMethod(name string, handler MethodHandler) {
	s.cbMu.Lock()
	if handler == nil {
		delete(s.methods, name)
	} else {
		s.methods[name] = handler
	}
	s.cbMu.Unlock()
}

// OnTwinUpdate registers the desired-property update callback. A non-nil
// return from the callback is reported back to the hub fire-and-forget.
func (s *Session) OnTwinUpdate(cb twin.Callback) {
	s.twin.SetCallback(cb)
}

// =============================================================================
// Operations
// =============================================================================

// PublishEvent sends a device-to-cloud telemetry event.
//
// The event is JSON-serialized as the body; the properties travel in the
// topic as a url-encoded bag. While disconnected, the event is spooled when
// a spool is attached and fails with ErrNotConnected otherwise.
//
// Parameters:
//   - event: JSON-serializable event body
//   - properties: Optional message properties (may be nil)
//
// Returns:
//   - error: ErrClosed, ErrSerialization, ErrNotConnected, or publish errors
func (s *Session) PublishEvent(event any, properties map[string]string) error {
	if s.State() == StateClosed {
		return ErrClosed
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	topic := s.topics.Telemetry(properties)

	s.stateMu.RLock()
	transport := s.transport
	connected := s.state == StateConnected && transport != nil && transport.IsConnected()
	sp := s.spool
	s.stateMu.RUnlock()

	if !connected {
		if sp != nil {
			if err := sp.Enqueue(topic, payload, s.qos); err != nil {
				return fmt.Errorf("spooling event: %w", err)
			}
			return nil
		}
		return ErrNotConnected
	}

	return transport.Publish(topic, payload, s.qos)
}

// GetTwin retrieves the full twin document from the hub.
//
// A zero timeout uses the configured request timeout; negative waits
// forever.
func (s *Session) GetTwin(timeout time.Duration) (int, twin.Document, error) {
	if s.State() == StateClosed {
		return 0, s.twin.Document(), ErrClosed
	}
	if timeout == 0 {
		timeout = s.requestTimeout
	}
	return s.twin.Get(timeout)
}

// ReportTwin publishes a reported-properties patch. See twin.Report for the
// confirmation semantics. A zero timeout uses the configured request
// timeout.
func (s *Session) ReportTwin(delta map[string]any, waitConfirm bool, timeout time.Duration) (int, error) {
	if s.State() == StateClosed {
		return 0, ErrClosed
	}
	if timeout == 0 {
		timeout = s.requestTimeout
	}
	return s.twin.Report(delta, waitConfirm, timeout)
}

// Twin returns a snapshot of the local twin document.
func (s *Session) Twin() twin.Document {
	return s.twin.Document()
}

// =============================================================================
// Connection Events
// =============================================================================

// handleReconnect fires on every transport (re)connect.
func (s *Session) handleReconnect() {
	s.stateMu.Lock()
	if s.state == StateClosed {
		s.stateMu.Unlock()
		return
	}
	s.state = StateConnected
	logger := s.logger
	s.stateMu.Unlock()

	if logger != nil {
		logger.Info("hub connection established")
	}
	s.drainSpool()
}

// handleConnectionLost fires when the transport drops. Pending correlated
// requests can never resolve on the new connection, so they all fail now.
func (s *Session) handleConnectionLost(err error) {
	s.stateMu.Lock()
	if s.state == StateClosed {
		s.stateMu.Unlock()
		return
	}
	s.state = StateDisconnected
	logger := s.logger
	s.stateMu.Unlock()

	if logger != nil {
		logger.Warn("hub connection lost", "error", err)
	}
	s.corr.FailAll(fmt.Errorf("%w: %w", ErrConnectionLost, err))
}

// drainSpool flushes spooled telemetry through the transport, oldest first.
func (s *Session) drainSpool() {
	s.stateMu.RLock()
	sp := s.spool
	transport := s.transport
	logger := s.logger
	s.stateMu.RUnlock()
	if sp == nil || transport == nil {
		return
	}

	published, err := sp.Drain(transport.Publish)
	if err != nil && logger != nil {
		logger.Warn("spool drain interrupted", "published", published, "error", err)
	}
	if published > 0 && logger != nil {
		logger.Info("spooled events published", "count", published)
	}
}

// =============================================================================
// Inbound Dispatch
// =============================================================================

// handleInbound routes one inbound message. Dispatch is serialized so
// handlers and twin merges never interleave.
func (s *Session) handleInbound(topic string, payload []byte) error {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	ev, ok := s.topics.Classify(topic)
	if !ok {
		if logger := s.getLogger(); logger != nil {
			logger.Debug("unrecognized topic dropped", "topic", topic)
		}
		return nil
	}

	switch ev := ev.(type) {
	case topics.TwinResponse:
		s.corr.Resolve(ev.RequestID, correlate.Result{
			Status:  ev.Status,
			Version: ev.Version,
			Payload: payload,
		})
		return nil

	case topics.TwinPush:
		return s.twin.HandlePush(payload, ev.Version)

	case topics.MethodInvoke:
		return s.dispatchMethod(ev, payload)

	case topics.BoundMessage:
		s.cbMu.RLock()
		handler := s.onBound
		s.cbMu.RUnlock()
		if handler != nil {
			handler(ev.Properties, payload)
		}
		return nil
	}

	return nil
}

// dispatchMethod runs a direct method handler and publishes its response.
//
// The response must echo the received request id: the cloud-side caller is
// blocked on it. Unregistered methods answer 501; a panicking handler
// answers 500 and never takes the session down.
func (s *Session) dispatchMethod(inv topics.MethodInvoke, payload []byte) error {
	s.cbMu.RLock()
	handler := s.methods[inv.Method]
	s.cbMu.RUnlock()

	if handler == nil {
		if logger := s.getLogger(); logger != nil {
			logger.Warn("unregistered method invoked", "method", inv.Method)
		}
		return s.publishMethodResponse(statusNotImplemented, inv.RequestID, nil)
	}

	// Normalize the request body: empty and JSON null both mean no argument.
	if len(payload) == 0 || string(payload) == "null" {
		payload = nil
	}

	status, response := s.runMethodHandler(inv.Method, handler, payload)

	body, err := json.Marshal(response)
	if err != nil {
		if logger := s.getLogger(); logger != nil {
			logger.Error("method response not serializable", "method", inv.Method, "error", err)
		}
		return s.publishMethodResponse(statusInternalError, inv.RequestID, nil)
	}

	return s.publishMethodResponse(status, inv.RequestID, body)
}

// runMethodHandler invokes a handler with panic containment.
func (s *Session) runMethodHandler(method string, handler MethodHandler, payload []byte) (status int, response any) {
	defer func() {
		if r := recover(); r != nil {
			if logger := s.getLogger(); logger != nil {
				logger.Error("method handler panic recovered", "method", method, "panic", r)
			}
			status = statusInternalError
			response = nil
		}
	}()
	return handler(payload)
}

// publishMethodResponse sends a method response. A nil body encodes as null.
func (s *Session) publishMethodResponse(status int, requestID string, body []byte) error {
	if body == nil {
		body = []byte("null")
	}

	s.stateMu.RLock()
	transport := s.transport
	s.stateMu.RUnlock()
	if transport == nil {
		return ErrNotConnected
	}

	return transport.Publish(s.topics.MethodResponse(status, requestID), body, s.qos)
}

// setState transitions the lifecycle state unless closed.
func (s *Session) setState(state State) {
	s.stateMu.Lock()
	if s.state != StateClosed {
		s.state = state
	}
	s.stateMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (s *Session) getLogger() Logger {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.logger
}

// publisher adapts the session to the twin synchronizer's Publisher
// interface, binding the default QoS and the live transport.
type publisher struct {
	s *Session
}

func (p publisher) Publish(topic string, payload []byte) error {
	p.s.stateMu.RLock()
	transport := p.s.transport
	p.s.stateMu.RUnlock()
	if transport == nil {
		return ErrNotConnected
	}
	return transport.Publish(topic, payload, p.s.qos)
}
