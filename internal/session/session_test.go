package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hublink/internal/infrastructure/config"
	"github.com/nerrad567/hublink/internal/infrastructure/mqtt"
)

// fakeTransport implements Transport in memory. Inbound messages are
// injected with deliver; outbound publishes are recorded and optionally
// answered through the respond hook, playing the hub's half.
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	published    []publication
	handler      mqtt.MessageHandler
	subscribed   []string
	onConnect    func()
	onDisconnect func(err error)
	publishErr   error

	// respond, when set, maps an outbound publish to an inbound reply.
	respond func(topic string, payload []byte) (string, []byte, bool)
}

type publication struct {
	topic   string
	payload string
	qos     byte
}

func (f *fakeTransport) Publish(topic string, payload []byte, qos byte) error {
	f.mu.Lock()
	f.published = append(f.published, publication{topic: topic, payload: string(payload), qos: qos})
	respond := f.respond
	err := f.publishErr
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if respond != nil {
		if replyTopic, replyPayload, ok := respond(topic, payload); ok {
			go f.deliver(replyTopic, replyPayload)
		}
	}
	return nil
}

func (f *fakeTransport) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, topic)
	f.handler = handler
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SetOnConnect(cb func())         { f.onConnect = cb }
func (f *fakeTransport) SetOnDisconnect(cb func(error)) { f.onDisconnect = cb }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

// deliver injects an inbound message through the subscribed handler.
func (f *fakeTransport) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

// lostConnection simulates a transport-level connection loss.
func (f *fakeTransport) lostConnection(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	if f.onDisconnect != nil {
		f.onDisconnect(err)
	}
}

// reconnected simulates the transport's automatic reconnect completing.
func (f *fakeTransport) reconnected() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.onConnect != nil {
		f.onConnect()
	}
}

func (f *fakeTransport) publications() []publication {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publication, len(f.published))
	copy(out, f.published)
	return out
}

// lastPublication waits briefly for an async publish to land.
func (f *fakeTransport) waitPublications(t *testing.T, n int) []publication {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pubs := f.publications(); len(pubs) >= n {
			return pubs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d publications, have %d", n, len(f.publications()))
	return nil
}

func testHubConfig() config.HubConfig {
	return config.HubConfig{
		HubID:      "test-hub",
		Domain:     "azure-devices.net",
		DeviceID:   "my-device",
		APIVersion: "2017-06-30",
	}
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{Port: 8883, QoS: 1, RequestTimeout: 2}
}

func newTestSession() (*Session, *fakeTransport) {
	ft := &fakeTransport{connected: true}
	s := New(testHubConfig(), testMQTTConfig(), func() (Transport, error) { return ft, nil })
	return s, ft
}

func requestID(topic string) string {
	_, after, found := strings.Cut(topic, "$rid=")
	if !found {
		return ""
	}
	id, _, _ := strings.Cut(after, "&")
	return id
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestStateCreated(t *testing.T) {
	s, _ := newTestSession()

	if s.State() != StateCreated {
		t.Errorf("State() = %v, want created", s.State())
	}
}

func TestConnect(t *testing.T) {
	s, ft := newTestSession()

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if s.State() != StateConnected {
		t.Errorf("State() = %v, want connected", s.State())
	}
	if len(ft.subscribed) != 4 {
		t.Errorf("subscribed to %d patterns, want 4", len(ft.subscribed))
	}
}

func TestConnectDialFailure(t *testing.T) {
	dialErr := errors.New("dial failed")
	s := New(testHubConfig(), testMQTTConfig(), func() (Transport, error) { return nil, dialErr })

	err := s.Connect()
	if !errors.Is(err, dialErr) {
		t.Fatalf("Connect() error = %v, want dial failure", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
}

func TestConnectIdempotent(t *testing.T) {
	s, ft := newTestSession()

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Connect(); err != nil {
		t.Errorf("second Connect() error = %v, want nil", err)
	}
	if len(ft.subscribed) != 4 {
		t.Errorf("subscribed to %d patterns after double connect, want 4", len(ft.subscribed))
	}
}

func TestCloseTerminal(t *testing.T) {
	s, _ := newTestSession()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}

	if err := s.Connect(); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
	if err := s.PublishEvent(map[string]any{"t": 1}, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("PublishEvent() after Close error = %v, want ErrClosed", err)
	}
	if _, _, err := s.GetTwin(0); !errors.Is(err, ErrClosed) {
		t.Errorf("GetTwin() after Close error = %v, want ErrClosed", err)
	}
	if _, err := s.ReportTwin(map[string]any{"a": 1}, true, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("ReportTwin() after Close error = %v, want ErrClosed", err)
	}
}

func TestConnectionLostFailsPending(t *testing.T) {
	s, ft := newTestSession()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, _, err := s.GetTwin(-1)
		errs <- err
	}()

	// Wait for the request to go on the wire, then drop the link.
	ft.waitPublications(t, 1)
	ft.lostConnection(errors.New("EOF"))

	select {
	case err := <-errs:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("GetTwin() error = %v, want ErrConnectionLost", err)
		}
	case <-time.After(time.Second):
		t.Fatal("GetTwin() not failed by connection loss")
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
}

// =============================================================================
// Telemetry Tests
// =============================================================================

func TestPublishEvent(t *testing.T) {
	s, ft := newTestSession()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := s.PublishEvent(map[string]any{"temp": 21.5}, map[string]string{"above_th": "0"})
	if err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	pubs := ft.publications()
	if len(pubs) != 1 {
		t.Fatalf("publications = %d, want 1", len(pubs))
	}
	if pubs[0].topic != "devices/my-device/messages/events/above_th=0" {
		t.Errorf("topic = %q", pubs[0].topic)
	}
	if pubs[0].payload != `{"temp":21.5}` {
		t.Errorf("payload = %q", pubs[0].payload)
	}
	if pubs[0].qos != 1 {
		t.Errorf("qos = %d, want 1", pubs[0].qos)
	}
}

func TestPublishEventNotSerializable(t *testing.T) {
	s, _ := newTestSession()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := s.PublishEvent(make(chan int), nil)
	if !errors.Is(err, ErrSerialization) {
		t.Errorf("PublishEvent() error = %v, want ErrSerialization", err)
	}
}

func TestPublishEventDisconnected(t *testing.T) {
	s, ft := newTestSession()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ft.lostConnection(errors.New("EOF"))

	err := s.PublishEvent(map[string]any{"temp": 21.5}, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishEvent() error = %v, want ErrNotConnected", err)
	}
}

// fakeSpool is an in-memory EventSpool.
type fakeSpool struct {
	mu      sync.Mutex
	entries []publication
}

func (f *fakeSpool) Enqueue(topic string, payload []byte, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, publication{topic: topic, payload: string(payload), qos: qos})
	return nil
}

func (f *fakeSpool) Drain(publish func(topic string, payload []byte, qos byte) error) (int, error) {
	f.mu.Lock()
	entries := f.entries
	f.entries = nil
	f.mu.Unlock()

	for i, e := range entries {
		if err := publish(e.topic, []byte(e.payload), e.qos); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}

func (f *fakeSpool) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestPublishEventSpooledWhileDisconnected(t *testing.T) {
	s, ft := newTestSession()
	sp := &fakeSpool{}
	s.SetSpool(sp)
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ft.lostConnection(errors.New("EOF"))

	if err := s.PublishEvent(map[string]any{"temp": 21.5}, nil); err != nil {
		t.Fatalf("PublishEvent() error = %v, want spooled", err)
	}
	if sp.len() != 1 {
		t.Fatalf("spool entries = %d, want 1", sp.len())
	}

	// Reconnect drains the spool through the transport.
	ft.reconnected()
	pubs := ft.waitPublications(t, 1)
	if pubs[len(pubs)-1].payload != `{"temp":21.5}` {
		t.Errorf("drained payload = %q", pubs[len(pubs)-1].payload)
	}
	if sp.len() != 0 {
		t.Errorf("spool entries = %d after drain, want 0", sp.len())
	}
}

// =============================================================================
// Twin Tests
// =============================================================================

func TestGetTwinRoundTrip(t *testing.T) {
	s, ft := newTestSession()
	ft.respond = func(topic string, payload []byte) (string, []byte, bool) {
		if !strings.HasPrefix(topic, "$iothub/twin/GET/") {
			return "", nil, false
		}
		reply := fmt.Sprintf("$iothub/twin/res/200/?$rid=%s", requestID(topic))
		return reply, []byte(`{"desired":{"publish_period_ms":1000,"$version":3},"reported":{}}`), true
	}
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	status, doc, err := s.GetTwin(0)
	if err != nil {
		t.Fatalf("GetTwin() error = %v", err)
	}
	if status != 200 {
		t.Errorf("GetTwin() status = %d, want 200", status)
	}
	if doc.Version != 3 {
		t.Errorf("Version = %d, want 3", doc.Version)
	}
	if doc.Desired["publish_period_ms"] != float64(1000) {
		t.Errorf("Desired = %v", doc.Desired)
	}
}

func TestReportTwinRoundTrip(t *testing.T) {
	s, ft := newTestSession()
	ft.respond = func(topic string, payload []byte) (string, []byte, bool) {
		if !strings.HasPrefix(topic, "$iothub/twin/PATCH/properties/reported/") {
			return "", nil, false
		}
		reply := fmt.Sprintf("$iothub/twin/res/204/?$rid=%s&$version=5", requestID(topic))
		return reply, nil, true
	}
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	status, err := s.ReportTwin(map[string]any{"fw": "1.3"}, true, 0)
	if err != nil {
		t.Fatalf("ReportTwin() error = %v", err)
	}
	if status != 204 {
		t.Errorf("ReportTwin() status = %d, want 204", status)
	}
	if doc := s.Twin(); doc.Reported["fw"] != "1.3" || doc.Version != 5 {
		t.Errorf("Twin() = %+v", doc)
	}
}

func TestTwinPushInvokesCallback(t *testing.T) {
	s, ft := newTestSession()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	got := make(chan int, 1)
	s.OnTwinUpdate(func(desired map[string]any, version int) map[string]any {
		got <- version
		return map[string]any{"publish_period_ms": desired["publish_period_ms"]}
	})

	ft.deliver("$iothub/twin/PATCH/properties/desired/?$version=4", []byte(`{"publish_period_ms":2000}`))

	select {
	case version := <-got:
		if version != 4 {
			t.Errorf("callback version = %d, want 4", version)
		}
	case <-time.After(time.Second):
		t.Fatal("twin callback not invoked")
	}

	// The non-nil callback return reports back fire-and-forget.
	pubs := ft.waitPublications(t, 1)
	if !strings.HasPrefix(pubs[len(pubs)-1].topic, "$iothub/twin/PATCH/properties/reported/") {
		t.Errorf("acknowledgement topic = %q", pubs[len(pubs)-1].topic)
	}
}

// =============================================================================
// Method Dispatch Tests
// =============================================================================

func TestMethodDispatch(t *testing.T) {
	s, ft := newTestSession()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	s.OnMethod("reboot", func(payload []byte) (int, any) {
		return 200, map[string]any{"rebooting": true}
	})

	ft.deliver("$iothub/methods/POST/reboot/?$rid=42", []byte(`{"delay":5}`))

	pubs := ft.waitPublications(t, 1)
	last := pubs[len(pubs)-1]
	if last.topic != "$iothub/methods/res/200/?$rid=42" {
		t.Errorf("response topic = %q", last.topic)
	}
	if last.payload != `{"rebooting":true}` {
		t.Errorf("response payload = %q", last.payload)
	}
}

func TestMethodUnregistered(t *testing.T) {
	s, ft := newTestSession()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ft.deliver("$iothub/methods/POST/nonexistent/?$rid=7", nil)

	pubs := ft.waitPublications(t, 1)
	last := pubs[len(pubs)-1]
	if last.topic != "$iothub/methods/res/501/?$rid=7" {
		t.Errorf("response topic = %q, want 501 echoing rid", last.topic)
	}
	if last.payload != "null" {
		t.Errorf("response payload = %q, want null", last.payload)
	}
}

func TestMethodHandlerPanic(t *testing.T) {
	s, ft := newTestSession()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	s.OnMethod("explode", func(payload []byte) (int, any) {
		panic("boom")
	})

	ft.deliver("$iothub/methods/POST/explode/?$rid=9", nil)

	pubs := ft.waitPublications(t, 1)
	last := pubs[len(pubs)-1]
	if last.topic != "$iothub/methods/res/500/?$rid=9" {
		t.Errorf("response topic = %q, want 500 echoing rid", last.topic)
	}

	// The session must survive the panic.
	s.OnMethod("ping", func(payload []byte) (int, any) { return 200, "pong" })
	ft.deliver("$iothub/methods/POST/ping/?$rid=10", nil)
	pubs = ft.waitPublications(t, 2)
	if pubs[len(pubs)-1].topic != "$iothub/methods/res/200/?$rid=10" {
		t.Errorf("post-panic response topic = %q", pubs[len(pubs)-1].topic)
	}
}

func TestMethodNullPayloadNormalized(t *testing.T) {
	s, ft := newTestSession()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	got := make(chan []byte, 1)
	s.OnMethod("check", func(payload []byte) (int, any) {
		got <- payload
		return 200, nil
	})

	ft.deliver("$iothub/methods/POST/check/?$rid=3", []byte("null"))

	select {
	case payload := <-got:
		if payload != nil {
			t.Errorf("handler payload = %q, want nil for JSON null", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("method handler not invoked")
	}

	pubs := ft.waitPublications(t, 1)
	if pubs[len(pubs)-1].payload != "null" {
		t.Errorf("nil response payload = %q, want null", pubs[len(pubs)-1].payload)
	}
}

func TestMethodLastWriterWins(t *testing.T) {
	s, ft := newTestSession()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	s.OnMethod("probe", func(payload []byte) (int, any) { return 200, "first" })
	s.OnMethod("probe", func(payload []byte) (int, any) { return 200, "second" })

	ft.deliver("$iothub/methods/POST/probe/?$rid=1", nil)

	pubs := ft.waitPublications(t, 1)
	if pubs[len(pubs)-1].payload != `"second"` {
		t.Errorf("response payload = %q, want the later handler's", pubs[len(pubs)-1].payload)
	}
}

// =============================================================================
// Cloud-to-Device Tests
// =============================================================================

func TestBoundMessage(t *testing.T) {
	s, ft := newTestSession()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	type bound struct {
		properties map[string]string
		payload    string
	}
	got := make(chan bound, 1)
	s.OnBound(func(properties map[string]string, payload []byte) {
		got <- bound{properties: properties, payload: string(payload)}
	})

	ft.deliver("devices/my-device/messages/devicebound/alert=1", []byte("check the valve"))

	select {
	case b := <-got:
		if b.properties["alert"] != "1" {
			t.Errorf("properties = %v", b.properties)
		}
		if b.payload != "check the valve" {
			t.Errorf("payload = %q", b.payload)
		}
	case <-time.After(time.Second):
		t.Fatal("bound handler not invoked")
	}
}

func TestUnrecognizedTopicDropped(t *testing.T) {
	s, ft := newTestSession()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Must not panic or publish anything.
	ft.deliver("some/random/topic", []byte("noise"))

	if pubs := ft.publications(); len(pubs) != 0 {
		t.Errorf("publications = %d after unrecognized topic, want 0", len(pubs))
	}
}
