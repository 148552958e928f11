// Package session is the device-facing facade over a hub connection.
//
// A session ties the pieces together for one device identity: the transport,
// the topic grammar, the request correlator and the twin synchronizer. Device
// code talks to the session; everything underneath is plumbing.
//
// # Lifecycle
//
//	s := session.New(cfg.Hub, cfg.MQTT, dial)
//	s.OnMethod("reboot", rebootHandler)
//	s.OnTwinUpdate(twinHandler)
//	if err := s.Connect(); err != nil { ... }
//	defer s.Close()
//
// Connect subscribes to all four inbound surfaces. After a connection loss
// the transport reconnects on its own and the session re-enters Connected;
// pending correlated requests fail with ErrConnectionLost, the in-memory
// twin and callback registrations survive. Close is terminal.
//
// # Dispatch
//
// Inbound messages are classified by topic and dispatched serially: twin
// responses resolve the correlator, desired pushes merge into the twin,
// method invocations run their handler, cloud-to-device messages hit the
// bound handler. Serial dispatch means handlers never run concurrently with
// each other — and also that a handler must not block on a correlated
// operation like GetTwin, whose response could not be dispatched until the
// handler returns.
//
// Method handlers are contained: an unregistered method answers 501, a
// panicking handler answers 500, and either way the response echoes the
// request id the cloud-side caller is blocked on.
package session
