// Package controlframe implements the Control-Frame Manager: it owns
// retransmittable non-stream control frames (RST_STREAM,
// WINDOW_UPDATE, BLOCKED, GOAWAY, PING) across their entire lifetime,
// assigning them stable IDs, retaining copies for possible resend, and
// tracking which are lost and pending retransmission.
package controlframe

import (
	"go.uber.org/zap"

	"github.com/quicproto/qcore/internal/quic/frame"
)

// Manager tracks control frames by a contiguous ID window starting at
// leastUnacked; queue[i] holds the frame with ID leastUnacked+i. The
// pending-retransmissions set preserves insertion order (a
// linked-hash-map in the original), modeled here as an ordered slice
// of IDs plus a membership set for O(1) lookups.
type Manager struct {
	log *zap.Logger

	leastUnacked frame.ControlFrameID
	queue        []frame.ControlFrame

	pendingOrder []frame.ControlFrameID
	pendingSet   map[frame.ControlFrameID]bool

	nextID frame.ControlFrameID
}

// New creates an empty Manager. The first frame enqueued is assigned
// ID 1 (0 is the "not retransmittable" sentinel).
func New(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:          log,
		leastUnacked: 1,
		nextID:       1,
		pendingSet:   make(map[frame.ControlFrameID]bool),
	}
}

func (m *Manager) bug(msg string, fields ...zap.Field) {
	fields = append(fields, zap.Bool("bug", true))
	m.log.Warn(msg, fields...)
}

// NextID allocates and assigns the next control-frame ID to f, to be
// called when a new retransmittable control frame is first queued for
// sending (before OnControlFrameSent).
func (m *Manager) NextID(f frame.ControlFrame) frame.ControlFrameID {
	id := m.nextID
	m.nextID++
	f.SetID(id)
	return id
}

// size returns the number of ID slots the queue currently spans.
func (m *Manager) size() frame.ControlFrameID {
	return frame.ControlFrameID(len(m.queue))
}

// OnControlFrameSent records that f has been handed to the transport.
// If f's ID equals leastUnacked+size(queue) this is a first send: a
// deep copy is pushed onto the tail. If f's ID is pending
// retransmission, that pending entry is cleared (the retransmission is
// now in flight). Anything else is an invariant violation.
func (m *Manager) OnControlFrameSent(f frame.ControlFrame) {
	id := f.ID()
	if id == m.leastUnacked+m.size() {
		m.queue = append(m.queue, f.Clone())
		return
	}
	if m.pendingSet[id] {
		m.removePending(id)
		return
	}
	m.bug("OnControlFrameSent: frame is neither new nor a tracked retransmission", zap.Uint64("id", uint64(id)))
}

// OnControlFrameAcked processes an ack of f. IDs below leastUnacked are
// already acked and are ignored. IDs at or beyond the queue's span are
// unsent and a bug. Otherwise the stored copy's ID is cleared to the
// sentinel, any pending-retransmission entry is removed, and the head
// of the queue is popped (advancing leastUnacked) while it is sentinel.
func (m *Manager) OnControlFrameAcked(f frame.ControlFrame) {
	id := f.ID()
	if id < m.leastUnacked {
		return
	}
	if id >= m.leastUnacked+m.size() {
		m.bug("OnControlFrameAcked: frame not yet sent", zap.Uint64("id", uint64(id)))
		return
	}

	idx := id - m.leastUnacked
	m.queue[idx].SetID(0)
	m.removePending(id)

	for len(m.queue) > 0 && m.queue[0].ID().IsSentinel() {
		m.queue = m.queue[1:]
		m.leastUnacked++
	}
}

// OnControlFrameLost marks f's ID as pending retransmission, unless it
// is already acked (below leastUnacked) or already cleared.
func (m *Manager) OnControlFrameLost(f frame.ControlFrame) {
	id := f.ID()
	if id < m.leastUnacked {
		return
	}
	idx := id - m.leastUnacked
	if int(idx) >= len(m.queue) || m.queue[idx].ID().IsSentinel() {
		return
	}
	if m.pendingSet[id] {
		return
	}
	m.pendingSet[id] = true
	m.pendingOrder = append(m.pendingOrder, id)
}

// IsControlFrameOutstanding reports whether f's ID falls within
// [leastUnacked, leastUnacked+size) and its stored copy has not been
// acked (is not the sentinel).
func (m *Manager) IsControlFrameOutstanding(f frame.ControlFrame) bool {
	id := f.ID()
	if id < m.leastUnacked || id >= m.leastUnacked+m.size() {
		return false
	}
	idx := id - m.leastUnacked
	return !m.queue[idx].ID().IsSentinel()
}

// HasPendingRetransmission reports whether any control frame is
// currently queued for retransmission.
func (m *Manager) HasPendingRetransmission() bool {
	return len(m.pendingOrder) > 0
}

// OutstandingCount returns the number of control frames that have been
// sent but not yet acked.
func (m *Manager) OutstandingCount() int {
	n := 0
	for _, f := range m.queue {
		if !f.ID().IsSentinel() {
			n++
		}
	}
	return n
}

// NextPendingRetransmission returns the pending frame that was marked
// pending earliest (insertion-ordered, linked-hash-map semantics; this
// need not be the smallest pending ID), or nil if none is pending.
func (m *Manager) NextPendingRetransmission() frame.ControlFrame {
	if len(m.pendingOrder) == 0 {
		return nil
	}
	id := m.pendingOrder[0]
	idx := id - m.leastUnacked
	if idx < 0 || int(idx) >= len(m.queue) {
		return nil
	}
	return m.queue[idx]
}

// removePending deletes id from the pending-retransmissions set,
// preserving the relative order of the remaining entries.
func (m *Manager) removePending(id frame.ControlFrameID) {
	if !m.pendingSet[id] {
		return
	}
	delete(m.pendingSet, id)
	for i, pid := range m.pendingOrder {
		if pid == id {
			m.pendingOrder = append(m.pendingOrder[:i], m.pendingOrder[i+1:]...)
			break
		}
	}
}
