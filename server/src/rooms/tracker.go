package rooms

// ReadyTracker records which participants have reported readiness for the
// clip currently undergoing ready-sync. It only accumulates ids; the room
// intersects them with its live participant set when deciding completion,
// so stale entries from departed participants never block the barrier.
type ReadyTracker struct {
	readiness map[string]bool
}

func NewReadyTracker() *ReadyTracker {
	return &ReadyTracker{readiness: make(map[string]bool)}
}

func (tracker *ReadyTracker) SetReady(participantID string) {
	tracker.readiness[participantID] = true
}

func (tracker *ReadyTracker) Delete(participantID string) {
	delete(tracker.readiness, participantID)
}

func (tracker *ReadyTracker) IsReady(participantID string) bool {
	return tracker.readiness[participantID]
}

// Reset clears the tracker for a new pending clip, seeding it with the
// initiator who already holds the bytes locally.
func (tracker *ReadyTracker) Reset(initiatorID string) {
	tracker.readiness = make(map[string]bool)
	tracker.readiness[initiatorID] = true
}

// CountAmong reports how many of the given participant ids are ready.
func (tracker *ReadyTracker) CountAmong(participantIDs []string) int {
	count := 0
	for _, id := range participantIDs {
		if tracker.readiness[id] {
			count++
		}
	}
	return count
}
