package rsp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// helloAttempts and helloInterval are the defaults used when
// Config.HelloAttempts/HelloInterval are left unset; see connection.go.
const (
	helloAttempts = 10
	helloInterval = 100 * time.Millisecond
)

// membership owns peer discovery and the fleet-size convergence gossip. It
// is the only place that mutates the listener's peer map, so it carries its
// own mutex rather than relying on the caller to serialize access.
type membership struct {
	mu       sync.Mutex
	selfID   uint16
	peers    map[uint16]*peerRecord
	quiesced bool // stopped re-broadcasting COUNTNODE; convergence reached
	nBuffers int  // receive-slot ring depth handed to each new peerRecord
}

// newMembership constructs a membership table using the default receive-slot
// ring depth (receiveSlotCount); used by tests and any caller that doesn't
// need a configured depth.
func newMembership() *membership {
	return newMembershipN(receiveSlotCount)
}

// newMembershipN constructs a membership table whose peer records each get
// an nBuffers-deep receive-slot ring (falls back to receiveSlotCount if
// nBuffers <= 0), per Config.NBuffers.
func newMembershipN(nBuffers int) *membership {
	if nBuffers <= 0 {
		nBuffers = receiveSlotCount
	}
	return &membership{peers: make(map[uint16]*peerRecord), nBuffers: nBuffers}
}

// randomPeerID draws a random candidate 16-bit peer ID. Zero is never
// generated, reserved by convention as an invalid placeholder on the wire.
func randomPeerID() (uint16, error) {
	var b [2]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		id := binary.LittleEndian.Uint16(b[:])
		if id != 0 {
			return id, nil
		}
	}
}

// acquireID runs the HELLO/DENY/CONFIRM handshake to claim a unique peer ID
// within the group: up to attempts broadcasts, interval apart, each one
// either drawing a DENY (collision — pick a new candidate and retry) or
// silence for the full interval (candidate accepted). Only the winning
// candidate, once accepted, broadcasts CONFIRM — per the original's
// self-sent CONFIRM after its own 10 silent timeouts, nothing else on the
// wire announces a candidate as accepted. attempts <= 0 falls back to
// helloAttempts, interval <= 0 falls back to helloInterval.
//
// send broadcasts a HELLO for the candidate, denied reports whether any
// DENY for that candidate arrived before the interval elapsed, and confirm
// broadcasts the genuine CONFIRM for the accepted candidate.
func acquireID(ctx context.Context, send func(candidate uint16) error, denied func(candidate uint16, timeout <-chan time.Time) bool, confirm func(candidate uint16) error, attempts int, interval time.Duration) (uint16, error) {
	if attempts <= 0 {
		attempts = helloAttempts
	}
	if interval <= 0 {
		interval = helloInterval
	}
	for attempt := 0; attempt < attempts; attempt++ {
		candidate, err := randomPeerID()
		if err != nil {
			return 0, err
		}
		if err := send(candidate); err != nil {
			return 0, err
		}
		timer := time.NewTimer(interval)
		collided := denied(candidate, timer.C)
		timer.Stop()
		if !collided {
			if err := confirm(candidate); err != nil {
				return 0, err
			}
			return candidate, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}
	return 0, ErrPeerIDExhausted
}

// addPeer registers a newly-confirmed group member. loopback marks a peer
// record standing in for the local connection itself (self as its own
// child), used by the ACK/NACK short-circuit in Connection.sendAck/sendNack.
func (m *membership) addPeer(id uint16, loopback bool) *peerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[id]; ok {
		return p
	}
	p := newPeerRecord(id, loopback, m.nBuffers)
	m.peers[id] = p
	return p
}

func (m *membership) removePeer(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}

func (m *membership) peer(id uint16) (*peerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	return p, ok
}

func (m *membership) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func (m *membership) each(fn func(*peerRecord)) {
	m.mu.Lock()
	peers := make([]*peerRecord, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		fn(p)
	}
}

// handleCountNode applies one COUNTNODE gossip datagram, per
// _handleInitData in the original: we stop re-broadcasting our own count
// once it agrees with the incoming one AND we know more than one child.
// The single-child case never quiesces, since a 2-member group (this peer
// plus exactly one child) hasn't necessarily heard from every member yet.
func (m *membership) handleCountNode(nClients uint32) (shouldRebroadcast bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.peers)
	if uint32(n) == nClients && n > 1 {
		m.quiesced = true
		return false
	}
	return !m.quiesced
}

func (m *membership) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("membership{self=%d, peers=%d, quiesced=%v}", m.selfID, len(m.peers), m.quiesced)
}
