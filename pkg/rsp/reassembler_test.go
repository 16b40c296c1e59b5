package rsp

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
)

func newTestReassemblerConn(t *testing.T, mtu int) *Connection {
	t.Helper()
	c := &Connection{
		selfID:     2,
		mtu:        mtu,
		ackFreq:    64,
		membership: newMembership(),
		counters:   &counters{},
		log:        zerolog.Nop(),
		incoming:   make(chan []byte, 4),
	}
	c.sender = newSender(c)
	c.reassembler = newReassembler(c)
	return c
}

func TestHandleDataSingleFragmentCompletesSlot(t *testing.T) {
	c := newTestReassemblerConn(t, 1500)
	writer := c.membership.addPeer(9, true) // loopback so sendAck doesn't touch a nil transport

	payload := []byte("fragment payload")
	d := dataDatagram{
		WriteSeqID:   uint32(9)<<16 | 1,
		DataIDLength: 0<<16 | uint32(len(payload)),
		Payload:      payload,
	}
	if err := c.reassembler.handleData(writer, d); err != nil {
		t.Fatalf("handleData: %v", err)
	}

	writer.mu.Lock()
	slot := writer.slots[0]
	complete := slot.complete()
	state := slot.state
	writer.mu.Unlock()

	if !complete {
		t.Fatalf("expected slot to be complete after its only fragment")
	}
	if state != slotAckSent {
		t.Fatalf("expected slot state slotAckSent, got %v", state)
	}
}

func TestHandleDataOutOfOrderFragmentsReassembleCorrectly(t *testing.T) {
	c := newTestReassemblerConn(t, 64)
	writer := c.membership.addPeer(9, true)
	ps := payloadSize(64)

	full := make([]byte, ps*2+3)
	for i := range full {
		full[i] = byte(i + 1)
	}

	frag := func(idx int) dataDatagram {
		off := idx * ps
		end := off + ps
		if end > len(full) {
			end = len(full)
		}
		return dataDatagram{
			WriteSeqID:   uint32(9)<<16 | 5,
			DataIDLength: uint32(idx)<<16 | uint32(end-off),
			Payload:      full[off:end],
		}
	}

	// Deliver fragment 2 before fragment 0 and 1.
	if err := c.reassembler.handleData(writer, frag(2)); err != nil {
		t.Fatalf("handleData(2): %v", err)
	}
	if err := c.reassembler.handleData(writer, frag(0)); err != nil {
		t.Fatalf("handleData(0): %v", err)
	}
	if err := c.reassembler.handleData(writer, frag(1)); err != nil {
		t.Fatalf("handleData(1): %v", err)
	}

	writer.mu.Lock()
	slot := writer.slots[0]
	data := append([]byte(nil), slot.data...)
	complete := slot.complete()
	writer.mu.Unlock()

	if !complete {
		t.Fatalf("expected slot complete once all three fragments arrive")
	}
	if !bytes.Equal(data, full) {
		t.Fatalf("reassembled data mismatch")
	}
}

func TestHandleDataSingleGapTriggersEarlyNack(t *testing.T) {
	c := newTestReassemblerConn(t, 64)
	writer := c.membership.addPeer(9, true)
	ps := payloadSize(64)

	full := make([]byte, ps*3)
	frag := func(idx int) dataDatagram {
		off := idx * ps
		return dataDatagram{
			WriteSeqID:   uint32(9)<<16 | 5,
			DataIDLength: uint32(idx)<<16 | uint32(ps),
			Payload:      full[off : off+ps],
		}
	}

	// Fragment 0 arrives, then fragment 2 arrives while fragment 1 is still
	// missing: this is the textbook single-gap case the early-NACK exists
	// for, and must fire immediately rather than waiting for ACKREQ.
	if err := c.reassembler.handleData(writer, frag(0)); err != nil {
		t.Fatalf("handleData(0): %v", err)
	}
	if c.counters.nacksSent != 0 {
		t.Fatalf("no gap yet, expected no NACK")
	}
	if err := c.reassembler.handleData(writer, frag(2)); err != nil {
		t.Fatalf("handleData(2): %v", err)
	}
	if c.counters.nacksSent == 0 {
		t.Fatalf("expected early NACK for the gap at fragment 1")
	}
}

func TestHandleDataStaleRetransmitAfterAckIsIgnored(t *testing.T) {
	c := newTestReassemblerConn(t, 1500)
	writer := c.membership.addPeer(9, true)

	payload := []byte("once")
	d := dataDatagram{WriteSeqID: uint32(9)<<16 | 1, DataIDLength: uint32(len(payload)), Payload: payload}
	if err := c.reassembler.handleData(writer, d); err != nil {
		t.Fatalf("first handleData: %v", err)
	}
	// Retransmit of the same, already fully-acked sequence should be a
	// silent no-op rather than re-triggering an ACK or erroring.
	if err := c.reassembler.handleData(writer, d); err != nil {
		t.Fatalf("stale retransmit: %v", err)
	}
}

func TestHandleAckReqSendsNackForMissingFragments(t *testing.T) {
	c := newTestReassemblerConn(t, 64)
	writer := c.membership.addPeer(9, true)
	ps := payloadSize(64)

	full := make([]byte, ps*3)
	d0 := dataDatagram{WriteSeqID: uint32(9)<<16 | 1, DataIDLength: 0, Payload: full[:ps]}
	if err := c.reassembler.handleData(writer, d0); err != nil {
		t.Fatalf("handleData(0): %v", err)
	}
	// Fragments 1 and 2 never arrive; an ACKREQ should provoke a NACK
	// rather than a premature ACK.
	c.reassembler.handleAckReq(writer, ackReqDatagram{WriterID: 9, LastDatagramID: 2, SequenceID: 1})

	writer.mu.Lock()
	state := writer.slots[0].state
	writer.mu.Unlock()
	if state == slotAckSent {
		t.Fatalf("incomplete slot should not have been ACKed")
	}
}
