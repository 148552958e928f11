package correlate

import (
	"errors"
	"testing"
	"time"
)

// =============================================================================
// Issue / Resolve / Await
// =============================================================================

func TestIssueResolveAwait(t *testing.T) {
	c := New()

	id, err := c.Issue(KindTwinGet, 5*time.Second)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if id != "1" {
		t.Errorf("Issue() id = %q, want %q", id, "1")
	}

	go c.Resolve(id, Result{Status: 200, Payload: []byte(`{"desired":{}}`)})

	res, err := c.Await(id)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if res.Status != 200 {
		t.Errorf("Await() status = %d, want 200", res.Status)
	}
	if string(res.Payload) != `{"desired":{}}` {
		t.Errorf("Await() payload = %q", res.Payload)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after resolution, want 0", c.Pending())
	}
}

func TestResolveBeforeAwait(t *testing.T) {
	// The response may land before the caller starts waiting; the buffered
	// slot holds it.
	c := New()

	id, err := c.Issue(KindTwinReport, 5*time.Second)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	c.Resolve(id, Result{Status: 204, Version: 7})

	res, err := c.Await(id)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if res.Status != 204 || res.Version != 7 {
		t.Errorf("Await() = %+v, want status 204 version 7", res)
	}
}

func TestIDsIncrement(t *testing.T) {
	c := New()

	first, _ := c.Issue(KindTwinGet, -1)
	second := c.NextID()
	third, _ := c.Issue(KindTwinReport, -1)

	if first != "1" || second != "2" || third != "3" {
		t.Errorf("ids = %q, %q, %q, want 1, 2, 3", first, second, third)
	}
}

func TestNextIDDoesNotRegister(t *testing.T) {
	c := New()

	id := c.NextID()
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after NextID, want 0", c.Pending())
	}

	// Resolving an uncorrelated id is a no-op.
	c.Resolve(id, Result{Status: 204})
}

// =============================================================================
// In-Flight Slots
// =============================================================================

func TestSameKindInProgress(t *testing.T) {
	c := New()

	if _, err := c.Issue(KindTwinGet, 5*time.Second); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, err := c.Issue(KindTwinGet, 5*time.Second)
	if !errors.Is(err, ErrRequestInProgress) {
		t.Errorf("Issue() error = %v, want ErrRequestInProgress", err)
	}
}

func TestDifferentKindsIndependent(t *testing.T) {
	c := New()

	if _, err := c.Issue(KindTwinGet, 5*time.Second); err != nil {
		t.Fatalf("Issue(KindTwinGet) error = %v", err)
	}
	if _, err := c.Issue(KindTwinReport, 5*time.Second); err != nil {
		t.Errorf("Issue(KindTwinReport) error = %v, want nil", err)
	}
}

func TestSlotFreedAfterResolution(t *testing.T) {
	c := New()

	id, _ := c.Issue(KindTwinGet, 5*time.Second)
	c.Resolve(id, Result{Status: 200})
	if _, err := c.Await(id); err != nil {
		t.Fatalf("Await() error = %v", err)
	}

	if _, err := c.Issue(KindTwinGet, 5*time.Second); err != nil {
		t.Errorf("Issue() after resolution error = %v, want nil", err)
	}
}

// =============================================================================
// Timeouts
// =============================================================================

func TestAwaitTimeout(t *testing.T) {
	c := New()

	id, _ := c.Issue(KindTwinGet, 20*time.Millisecond)

	_, err := c.Await(id)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Await() error = %v, want ErrTimeout", err)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after timeout, want 0", c.Pending())
	}

	// The slot must free so the caller can retry.
	if _, err := c.Issue(KindTwinGet, 5*time.Second); err != nil {
		t.Errorf("Issue() after timeout error = %v, want nil", err)
	}
}

func TestDeadlineMeasuredFromIssue(t *testing.T) {
	c := New()

	id, _ := c.Issue(KindTwinGet, 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	start := time.Now()
	_, err := c.Await(id)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Await() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Millisecond {
		t.Errorf("Await() on an expired deadline blocked for %v", elapsed)
	}
}

func TestNegativeTimeoutWaitsForever(t *testing.T) {
	c := New()

	id, _ := c.Issue(KindTwinGet, -1)

	go func() {
		time.Sleep(30 * time.Millisecond)
		c.Resolve(id, Result{Status: 200})
	}()

	res, err := c.Await(id)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if res.Status != 200 {
		t.Errorf("Await() status = %d, want 200", res.Status)
	}
}

func TestResolveAfterTimeoutDropped(t *testing.T) {
	c := New()

	id, _ := c.Issue(KindTwinGet, 10*time.Millisecond)
	if _, err := c.Await(id); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Await() error = %v, want ErrTimeout", err)
	}

	// Late response for a timed-out request must not panic or leak.
	c.Resolve(id, Result{Status: 200})
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

// =============================================================================
// Failure Paths
// =============================================================================

func TestAwaitUnknownID(t *testing.T) {
	c := New()

	_, err := c.Await("99")
	if !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Await() error = %v, want ErrUnknownRequest", err)
	}
}

func TestCancel(t *testing.T) {
	c := New()

	id, _ := c.Issue(KindTwinReport, 5*time.Second)
	c.Cancel(id)

	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after Cancel, want 0", c.Pending())
	}
	if _, err := c.Issue(KindTwinReport, 5*time.Second); err != nil {
		t.Errorf("Issue() after Cancel error = %v, want nil", err)
	}
}

func TestFailAll(t *testing.T) {
	c := New()
	connLost := errors.New("connection lost")

	getID, _ := c.Issue(KindTwinGet, 5*time.Second)
	reportID, _ := c.Issue(KindTwinReport, 5*time.Second)

	c.FailAll(connLost)

	// FailAll clears every pending request; ids issued before it are gone.
	for _, id := range []string{getID, reportID} {
		if _, err := c.Await(id); !errors.Is(err, ErrUnknownRequest) {
			t.Errorf("Await(%s) error = %v, want ErrUnknownRequest", id, err)
		}
	}

	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after FailAll, want 0", c.Pending())
	}
	if _, err := c.Issue(KindTwinGet, 5*time.Second); err != nil {
		t.Errorf("Issue() after FailAll error = %v, want nil", err)
	}
}

func TestFailAllWakesBlockedWaiters(t *testing.T) {
	c := New()
	connLost := errors.New("connection lost")

	id, _ := c.Issue(KindTwinGet, -1)

	done := make(chan error, 1)
	go func() {
		_, err := c.Await(id)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.FailAll(connLost)

	select {
	case err := <-done:
		if !errors.Is(err, connLost) {
			t.Errorf("Await() error = %v, want connection lost", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Await() not woken by FailAll")
	}
}

// =============================================================================
// Logging
// =============================================================================

type captureLogger struct {
	warnings []string
}

func (l *captureLogger) Warn(msg string, args ...any) {
	l.warnings = append(l.warnings, msg)
}

func TestResolveUnknownIDWarns(t *testing.T) {
	c := New()
	logger := &captureLogger{}
	c.SetLogger(logger)

	c.Resolve("404", Result{Status: 200})

	if len(logger.warnings) != 1 {
		t.Fatalf("warnings = %d, want 1", len(logger.warnings))
	}
}
