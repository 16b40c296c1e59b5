package rsp

import (
	"sync"

	"github.com/rs/xid"
)

// receiveSlotCount is the default depth of the per-sender receive-slot ring
// (a receiver holds at most this many of one sender's sequences at once;
// DATA for a further sequence is dropped until a slot is empty again).
// Overridable per-Connection via Config.NBuffers.
const receiveSlotCount = 4

// slotState is the lifecycle of one receive slot.
type slotState int

const (
	slotEmpty slotState = iota
	slotReceiving
	slotAckSent
	slotDrained
)

// receiveSlot reassembles one sequence's fragments into a contiguous buffer.
type receiveSlot struct {
	state      slotState
	sequenceID uint16
	got        []bool // one entry per expected fragment index
	data       []byte // payload accumulated so far, sized to the full sequence once known
	totalLen   int    // full sequence length, known once fragment 0 (or any late one) arrives
	ackSent    bool
	allRead    bool
	readCursor int
}

func newReceiveSlot() *receiveSlot {
	return &receiveSlot{state: slotEmpty}
}

func (s *receiveSlot) reset() {
	s.state = slotEmpty
	s.sequenceID = 0
	s.got = nil
	s.data = nil
	s.totalLen = 0
	s.ackSent = false
	s.allRead = false
	s.readCursor = 0
}

// complete reports whether every expected fragment has arrived.
func (s *receiveSlot) complete() bool {
	if s.got == nil {
		return false
	}
	for _, g := range s.got {
		if !g {
			return false
		}
	}
	return true
}

// peerRecord is what a listener knows about one remote group member. It
// holds no pointers to other peer records or to the listener itself — only
// the integer peer ID, reached through the listener's map, to avoid cyclic
// back-references.
type peerRecord struct {
	mu sync.Mutex

	id  uint16
	xid xid.ID // correlation label for logs/metrics only, never on the wire

	// writer-side bookkeeping: this peer as a reader of OUR sequences.
	ackReceived    bool   // has this reader ACKed the sequence currently being written
	lastAckSeqID   uint16 // last sequence ID this reader has fully ACKed
	lastNackSeqID  uint16
	pendingNacks   []fragmentRange

	// reader-side bookkeeping: this peer as a writer whose sequences WE receive.
	slots      []*receiveSlot
	nextSeqID  uint16 // next sequence ID expected from this writer

	loopback bool // true when this peer record refers to ourselves (self as child)
}

// newPeerRecord allocates a peer record with an nBuffers-deep receive-slot
// ring; nBuffers <= 0 falls back to receiveSlotCount.
func newPeerRecord(id uint16, loopback bool, nBuffers int) *peerRecord {
	if nBuffers <= 0 {
		nBuffers = receiveSlotCount
	}
	p := &peerRecord{
		id:       id,
		xid:      xid.New(),
		loopback: loopback,
		slots:    make([]*receiveSlot, nBuffers),
	}
	for i := range p.slots {
		p.slots[i] = newReceiveSlot()
	}
	return p
}

// slotFor returns the receive slot assigned to sequenceID, promoting a
// slot from empty/drained if the sequence isn't already in flight. The
// second return is false when the ring is full and the slot cannot be
// assigned yet (caller must wait for space, i.e. a read to drain a slot).
func (p *peerRecord) slotFor(sequenceID uint16) (*receiveSlot, bool) {
	for _, s := range p.slots {
		if s.state != slotEmpty && s.sequenceID == sequenceID {
			return s, true
		}
	}
	for _, s := range p.slots {
		if s.state == slotEmpty {
			s.state = slotReceiving
			s.sequenceID = sequenceID
			return s, true
		}
	}
	return nil, false
}
