package twin

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/hublink/internal/correlate"
	"github.com/nerrad567/hublink/internal/topics"
)

// Document is the device's local view of its twin.
//
// Version is monotonically non-decreasing: full retrievals, report
// acknowledgements and desired-property pushes all carry versions, and the
// document only ever moves forward. All mutation funnels through the
// synchronizer.
type Document struct {
	// Desired holds the cloud-set desired properties.
	Desired map[string]any

	// Reported holds the device-set reported properties as last confirmed.
	Reported map[string]any

	// Version is the highest twin version observed so far.
	Version int

	// LastSyncedAt is when the document last changed from hub traffic.
	LastSyncedAt time.Time
}

// Callback is invoked when a desired-property push is applied. It receives
// the merged desired section and the new version. A non-nil return value is
// reported back to the hub fire-and-forget, acknowledging the change.
type Callback func(desired map[string]any, version int) map[string]any

// Publisher sends a payload to a topic. Satisfied by the session's
// transport.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Correlator pairs twin requests with their responses. Satisfied by
// *correlate.Correlator.
type Correlator interface {
	Issue(kind correlate.Kind, timeout time.Duration) (string, error)
	Await(id string) (correlate.Result, error)
	Cancel(id string)
	NextID() string
}

// Logger is the minimal logging interface the synchronizer needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Synchronizer keeps the local twin document in step with the hub.
//
// It owns the document: retrievals replace it, report acknowledgements and
// desired pushes merge into it, and every path enforces the monotonic
// version rule.
//
// Thread Safety:
//   - All methods are safe for concurrent use. The registered callback is
//     invoked without the document lock held, so it may call back into the
//     synchronizer.
type Synchronizer struct {
	topics topics.Topics
	pub    Publisher
	corr   Correlator

	mu       sync.Mutex
	doc      Document
	callback Callback

	logger Logger
}

// New creates a synchronizer with an empty document.
func New(t topics.Topics, pub Publisher, corr Correlator) *Synchronizer {
	return &Synchronizer{
		topics: t,
		pub:    pub,
		corr:   corr,
		doc: Document{
			Desired:  map[string]any{},
			Reported: map[string]any{},
		},
	}
}

// SetLogger sets a logger for drop decisions and push handling.
func (s *Synchronizer) SetLogger(logger Logger) {
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

// SetCallback registers the desired-property update callback.
// Last writer wins; a nil callback disables notification.
func (s *Synchronizer) SetCallback(cb Callback) {
	s.mu.Lock()
	s.callback = cb
	s.mu.Unlock()
}

// Document returns a snapshot of the current document. The maps are copies;
// mutating them does not affect the synchronizer.
func (s *Synchronizer) Document() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Get retrieves the full twin document from the hub and replaces the local
// one.
//
// Parameters:
//   - timeout: Deadline for the response; negative waits forever
//
// Returns:
//   - int: The hub's status code (200 on success, 0 if no response arrived)
//   - Document: Snapshot after the update
//   - error: Correlation errors, publish errors, or ErrRejected on a
//     non-2xx status
func (s *Synchronizer) Get(timeout time.Duration) (int, Document, error) {
	id, err := s.corr.Issue(correlate.KindTwinGet, timeout)
	if err != nil {
		return 0, s.Document(), err
	}

	if err := s.pub.Publish(s.topics.TwinGet(id), nil); err != nil {
		s.corr.Cancel(id)
		return 0, s.Document(), fmt.Errorf("publishing twin retrieval: %w", err)
	}

	res, err := s.corr.Await(id)
	if err != nil {
		return 0, s.Document(), err
	}
	if res.Status/100 != 2 {
		return res.Status, s.Document(), fmt.Errorf("%w: twin retrieval status %d", ErrRejected, res.Status)
	}

	var body struct {
		Desired  map[string]any `json:"desired"`
		Reported map[string]any `json:"reported"`
	}
	if err := json.Unmarshal(res.Payload, &body); err != nil {
		return res.Status, s.Document(), fmt.Errorf("decoding twin document: %w", err)
	}

	version := extractVersion(body.Desired)
	delete(body.Desired, "$version")
	delete(body.Reported, "$version")

	s.mu.Lock()
	if body.Desired == nil {
		body.Desired = map[string]any{}
	}
	if body.Reported == nil {
		body.Reported = map[string]any{}
	}
	s.doc.Desired = body.Desired
	s.doc.Reported = body.Reported
	if version > s.doc.Version {
		s.doc.Version = version
	}
	s.doc.LastSyncedAt = time.Now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	return res.Status, snap, nil
}

// Report publishes a reported-properties patch.
//
// With waitConfirm the request is correlated: on a 2xx acknowledgement the
// delta merges into the local Reported section and the version advances to
// the one the hub assigned. Without it the patch is fire-and-forget: a
// throwaway request id goes on the wire, nothing is tracked, and the
// returned status is 0.
//
// Parameters:
//   - delta: Reported properties to set; a nil value removes a key
//   - waitConfirm: Whether to block for the hub's acknowledgement
//   - timeout: Deadline when confirming; negative waits forever
//
// Returns:
//   - int: The hub's status code (204 on success), or 0 fire-and-forget
//   - error: Encoding, correlation or publish errors, or ErrRejected
func (s *Synchronizer) Report(delta map[string]any, waitConfirm bool, timeout time.Duration) (int, error) {
	payload, err := json.Marshal(delta)
	if err != nil {
		return 0, fmt.Errorf("encoding reported properties: %w", err)
	}

	if !waitConfirm {
		id := s.corr.NextID()
		if err := s.pub.Publish(s.topics.TwinReport(id), payload); err != nil {
			return 0, fmt.Errorf("publishing reported properties: %w", err)
		}
		return 0, nil
	}

	id, err := s.corr.Issue(correlate.KindTwinReport, timeout)
	if err != nil {
		return 0, err
	}
	if err := s.pub.Publish(s.topics.TwinReport(id), payload); err != nil {
		s.corr.Cancel(id)
		return 0, fmt.Errorf("publishing reported properties: %w", err)
	}

	res, err := s.corr.Await(id)
	if err != nil {
		return 0, err
	}
	if res.Status/100 != 2 {
		return res.Status, fmt.Errorf("%w: report status %d", ErrRejected, res.Status)
	}

	s.mu.Lock()
	mergeInto(s.doc.Reported, delta)
	if res.Version > s.doc.Version {
		s.doc.Version = res.Version
	}
	s.doc.LastSyncedAt = time.Now()
	s.mu.Unlock()

	return res.Status, nil
}

// HandlePush applies a desired-property push from the hub.
//
// Stale pushes (version at or below the current document version) are
// dropped: the hub redelivers patches after reconnects, and applying one
// twice would regress the document. Fresh pushes merge into Desired, advance
// the version and invoke the registered callback. A non-nil callback return
// is reported fire-and-forget; the dispatch path never blocks on a
// confirmation.
func (s *Synchronizer) HandlePush(payload []byte, version int) error {
	s.mu.Lock()
	if version <= s.doc.Version {
		logger := s.logger
		current := s.doc.Version
		s.mu.Unlock()
		if logger != nil {
			logger.Debug("stale twin push dropped",
				"push_version", version,
				"current_version", current,
			)
		}
		return nil
	}
	s.mu.Unlock()

	var fragment map[string]any
	if err := json.Unmarshal(payload, &fragment); err != nil {
		return fmt.Errorf("decoding twin push: %w", err)
	}
	delete(fragment, "$version")

	s.mu.Lock()
	// Re-check under the lock: a concurrent push may have advanced the
	// version while the payload was decoding.
	if version <= s.doc.Version {
		s.mu.Unlock()
		return nil
	}
	mergeInto(s.doc.Desired, fragment)
	s.doc.Version = version
	s.doc.LastSyncedAt = time.Now()
	callback := s.callback
	desired := copyMap(s.doc.Desired)
	s.mu.Unlock()

	if callback == nil {
		return nil
	}

	ack := callback(desired, version)
	if ack == nil {
		return nil
	}
	if _, err := s.Report(ack, false, 0); err != nil {
		s.mu.Lock()
		logger := s.logger
		s.mu.Unlock()
		if logger != nil {
			logger.Warn("twin push acknowledgement failed", "error", err)
		}
	}
	return nil
}

// snapshotLocked copies the document. Caller must hold the lock.
func (s *Synchronizer) snapshotLocked() Document {
	return Document{
		Desired:      copyMap(s.doc.Desired),
		Reported:     copyMap(s.doc.Reported),
		Version:      s.doc.Version,
		LastSyncedAt: s.doc.LastSyncedAt,
	}
}

// mergeInto applies a patch to a property map. A nil value removes the key,
// matching the hub's patch semantics.
func mergeInto(dst, patch map[string]any) {
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
}

// copyMap shallow-copies a property map.
func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// extractVersion pulls $version out of a desired section. JSON numbers
// decode as float64.
func extractVersion(desired map[string]any) int {
	v, ok := desired["$version"].(float64)
	if !ok {
		return 0
	}
	return int(v)
}
