package rsp

import (
	"testing"

	"github.com/rs/zerolog"
)

// newLoopbackConnection builds a Connection with no real transport,
// registered as its own only group member. This exercises the full
// write -> self-dispatch -> reassemble -> ack -> write-complete path
// without a socket, the way a single-node group behaves in production
// (DATA is always self-delivered explicitly; see Connection.sendData).
func newLoopbackConnection(t *testing.T, mtu, ackFreq int) *Connection {
	t.Helper()
	c := &Connection{
		selfID:     1,
		mtu:        mtu,
		ackFreq:    ackFreq,
		membership: newMembership(),
		counters:   &counters{},
		log:        zerolog.Nop(),
		incoming:   make(chan []byte, 16),
		writeReq:   make(chan writeRequest),
		done:       make(chan struct{}),
	}
	c.sender = newSender(c)
	c.reassembler = newReassembler(c)
	c.rate = newRateController(bufferSize(mtu, ackFreq)*4, bufferSize(mtu, ackFreq))
	c.membership.selfID = 1
	c.membership.addPeer(1, true)
	return c
}

func TestLoopbackSingleFragmentWriteCompletesAndIsReadable(t *testing.T) {
	c := newLoopbackConnection(t, 1500, 64)
	payload := []byte("hello, rsp")

	c.sender.beginWrite(payload)
	if !c.sender.writing {
		t.Fatalf("expected sender.writing to be true after beginWrite")
	}
	// Self-delivery during sendAllFragments should have driven the ACK all
	// the way through synchronously, since our only child is ourselves.
	if done := c.sender.serviceRepeatQueue(); !done {
		t.Fatalf("expected a DONE entry in the repeat queue after a fully-acked loopback write")
	}
	c.sender.finishWrite()
	if c.sender.writing {
		t.Fatalf("expected sender.writing to be false after finishWrite")
	}

	select {
	case got := <-c.incoming:
		if string(got) != string(payload) {
			t.Errorf("got %q, want %q", got, payload)
		}
	default:
		t.Fatalf("expected a reassembled sequence on the incoming channel")
	}
}

func TestLoopbackMultiFragmentWrite(t *testing.T) {
	// mtu small enough that the payload below needs several fragments.
	c := newLoopbackConnection(t, 64, 64)
	ps := payloadSize(64)
	payload := make([]byte, ps*3+5)
	for i := range payload {
		payload[i] = byte(i)
	}

	c.sender.beginWrite(payload)
	if got := c.sender.fragments; got != fragmentCount(len(payload), 64) {
		t.Fatalf("fragments = %d, want %d", got, fragmentCount(len(payload), 64))
	}
	if !c.sender.serviceRepeatQueue() {
		t.Fatalf("expected write to complete via loopback self-ack")
	}
	c.sender.finishWrite()

	select {
	case got := <-c.incoming:
		if len(got) != len(payload) {
			t.Fatalf("reassembled length = %d, want %d", len(got), len(payload))
		}
		for i := range payload {
			if got[i] != payload[i] {
				t.Fatalf("byte %d mismatch: got %d, want %d", i, got[i], payload[i])
			}
		}
	default:
		t.Fatalf("expected a reassembled sequence on the incoming channel")
	}
}

func TestSendAckLoopbackBypassesTransport(t *testing.T) {
	c := newLoopbackConnection(t, 1500, 64)
	c.sender.beginWrite([]byte("x"))
	self, _ := c.membership.peer(1)
	if !self.ackReceived {
		t.Fatalf("expected self-loopback peer to have ACKed synchronously, since sendAck short-circuits for loopback peers")
	}
}
