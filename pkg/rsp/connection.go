package rsp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// writeRequest is submitted to the network goroutine by Write; result
// carries the outcome back to the blocked caller.
type writeRequest struct {
	data   []byte
	result chan error
}

// Connection is one member of an RSP multicast group: it owns the
// multicast socket, the peer/membership table, the outstanding-write
// state, and the single network goroutine that serializes all of the
// above. Read and Write are safe to call from different goroutines; at
// most one Write may be outstanding at a time (the protocol is a single
// ordered byte stream per sender).
type Connection struct {
	selfID  uint16
	mtu     int
	ackFreq int
	ctx     context.Context

	helloAttempts     int
	helloInterval     time.Duration
	fatalTimeoutLimit uint32

	transport   *transport
	membership  *membership
	sender      *sender
	reassembler *reassembler
	rate        *rateController
	counters    *counters
	log         zerolog.Logger

	incoming chan []byte // reassembled sequences ready for Read, in arrival order
	writeReq chan writeRequest

	closeOnce sync.Once
	done      chan struct{}
	fatal     atomic.Value // holds error

	consecutiveTimeouts uint32
}

// Config bundles the tunables a Connection needs; internal/config.Config
// builds one of these from a YAML file. Every numeric field except TTL left
// at its zero value falls back to the default named beside it; a zero TTL
// leaves the socket's multicast TTL at the system default.
type Config struct {
	GroupAddress string // e.g. "239.0.0.1:9123"
	Interface    string // empty = let the OS pick
	MTU          int    // default defaultMTU (1500)
	AckFreq      int    // default defaultAckFreq (64)
	TTL          int
	InitialRate  int // bytes/sec, before the first adapt() call, default 4 buffers/sec

	NBuffers          int           // per-sender receive-slot ring depth, default receiveSlotCount (4)
	HelloAttempts     int           // HELLO attempts during ID acquisition, default helloAttempts (10)
	HelloInterval     time.Duration // gap between HELLO attempts, default helloInterval (100ms)
	FatalTimeoutLimit int           // consecutive event-loop timeouts mid-write before Unreachable, default fatalTimeoutLimit (1000)
}

// Listen joins the multicast group named by cfg, runs the HELLO/DENY/CONFIRM
// handshake to acquire a unique peer ID, and starts the network goroutine.
// The returned Connection is ready for Read/Write once it returns.
func Listen(ctx context.Context, cfg Config, log zerolog.Logger) (*Connection, error) {
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = defaultMTU
	}
	ackFreq := cfg.AckFreq
	if ackFreq <= 0 {
		ackFreq = defaultAckFreq
	}
	fatalTimeouts := cfg.FatalTimeoutLimit
	if fatalTimeouts <= 0 {
		fatalTimeouts = fatalTimeoutLimit
	}

	t, err := newTransport(transportConfig{
		GroupAddress: cfg.GroupAddress,
		Interface:    cfg.Interface,
		MTU:          mtu,
		TTL:          cfg.TTL,
	})
	if err != nil {
		return nil, err
	}

	c := &Connection{
		ctx:               ctx,
		mtu:               mtu,
		ackFreq:           ackFreq,
		helloAttempts:     cfg.HelloAttempts,
		helloInterval:     cfg.HelloInterval,
		fatalTimeoutLimit: uint32(fatalTimeouts),
		transport:         t,
		membership:        newMembershipN(cfg.NBuffers),
		counters:          &counters{},
		log:               log,
		incoming:          make(chan []byte, 16),
		writeReq:          make(chan writeRequest),
		done:              make(chan struct{}),
	}
	c.sender = newSender(c)
	c.reassembler = newReassembler(c)
	initialRate := cfg.InitialRate
	if initialRate <= 0 {
		initialRate = bufferSize(mtu, ackFreq) * 4
	}
	c.rate = newRateController(initialRate, bufferSize(mtu, ackFreq))

	id, err := acquireID(ctx, c.broadcastHello, c.waitDeny, c.broadcastConfirm, c.helloAttempts, c.helloInterval)
	if err != nil {
		t.close()
		return nil, err
	}
	c.selfID = id
	c.membership.selfID = id
	// The local connection is always its own reader for anything it
	// multicasts to the group it belongs to; registering a loopback peer
	// lets sendAck/sendNack short-circuit straight to our own handlers
	// instead of round-tripping through the socket, per the original's
	// loopback special case.
	c.membership.addPeer(id, true)

	c.log.Info().Uint16("peer_id", id).Str("group", cfg.GroupAddress).Msg("joined rsp group")

	go c.run()
	return c, nil
}

func (c *Connection) broadcastHello(candidate uint16) error {
	return c.transport.send(nodeDatagram{Kind: KindHello, PeerID: candidate}.encode())
}

// broadcastConfirm announces that candidate has survived its acceptance
// window and is now this connection's genuine peer ID. Per the original's
// self-sent CONFIRM (rspConnection.cpp:387-392), this is the only place a
// CONFIRM is ever broadcast — every other peer's dispatch only reacts to it.
func (c *Connection) broadcastConfirm(candidate uint16) error {
	return c.transport.send(nodeDatagram{Kind: KindConfirm, PeerID: candidate}.encode())
}

// waitDeny is the bootstrap-phase read loop used only during acquireID,
// before the network goroutine starts. It watches for a DENY naming our
// candidate within the interval, and mirrors the original's _handleAcceptID
// behavior of processing every datagram seen during this window: a HELLO
// from another peer racing for the same candidate ID is itself a collision,
// so it draws a DENY and ends our own attempt too, catching the race where
// two peers concurrently drew the same random ID.
func (c *Connection) waitDeny(candidate uint16, timeout <-chan time.Time) bool {
	for {
		select {
		case <-timeout:
			return false
		case ev := <-c.transport.reactor.datagrams:
			kind, err := peekKind(ev.data)
			if err != nil {
				continue
			}
			switch kind {
			case KindDeny:
				d, err := decodeNodeDatagram(ev.data)
				if err == nil && d.PeerID == candidate {
					return true
				}
			case KindHello:
				d, err := decodeNodeDatagram(ev.data)
				if err != nil {
					continue
				}
				if d.PeerID == candidate {
					c.transport.send(nodeDatagram{Kind: KindDeny, PeerID: d.PeerID}.encode())
					return true
				}
			}
		}
	}
}

// run is the single network goroutine: it owns the reactor, the
// outstanding write, and every peer record. All mutation of membership or
// sender state happens here or under peerRecord's own mutex, so the rest
// of the package never needs a connection-wide lock.
func (c *Connection) run() {
	var pendingResult chan error

	for {
		timeout := time.Duration(-1)
		if c.sender.writing && len(c.sender.repeatQueue) == 0 {
			timeout = eventLoopPollPeriod * time.Millisecond
		}

		ev, err := c.transport.reactor.wait(timeout)
		if err != nil {
			c.fail(newConnError(KindTransportFailure, err))
			return
		}

		switch ev.kind {
		case eventTimeout:
			atomic.AddUint64(&c.counters.eventLoopTimeouts, 1)
			if c.sender.writing {
				c.consecutiveTimeouts++
				limit := c.fatalTimeoutLimit
				if limit == 0 {
					limit = fatalTimeoutLimit
				}
				if c.consecutiveTimeouts >= limit {
					c.fail(newConnError(KindUnreachable, fmt.Errorf("no progress after %d timeouts", limit)))
					if pendingResult != nil {
						pendingResult <- c.fatalErr()
					}
					return
				}
			}
		case eventData:
			c.consecutiveTimeouts = 0
			c.dispatch(ev.data)
		case eventInterrupt:
			c.consecutiveTimeouts = 0
		}

		if c.sender.writing {
			if c.sender.serviceRepeatQueue() {
				c.sender.finishWrite()
				if pendingResult != nil {
					pendingResult <- nil
					pendingResult = nil
				}
			}
		}

		if !c.sender.writing {
			select {
			case wr := <-c.writeReq:
				c.sender.beginWrite(wr.data)
				pendingResult = wr.result
			case <-c.done:
				return
			default:
			}
		}
	}
}

func (c *Connection) fail(err error) {
	c.fatal.Store(err)
	c.Close()
}

func (c *Connection) fatalErr() error {
	if v := c.fatal.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// dispatch decodes one received datagram and routes it by kind.
func (c *Connection) dispatch(b []byte) {
	kind, err := peekKind(b)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropped undersized datagram")
		return
	}
	switch kind {
	case KindHello:
		// Mirrors the original's _checkNewID exactly: DENY if the
		// candidate matches our own id or a child we already track, and
		// otherwise stay silent. A peer never CONFIRMs on another peer's
		// behalf — the only genuine CONFIRM is self-broadcast by the
		// claimant in acquireID once its own candidate has survived the
		// acceptance window.
		d, err := decodeNodeDatagram(b)
		if err != nil {
			return
		}
		if d.PeerID == c.selfID {
			c.transport.send(nodeDatagram{Kind: KindDeny, PeerID: d.PeerID}.encode())
			return
		}
		if _, known := c.membership.peer(d.PeerID); known {
			c.transport.send(nodeDatagram{Kind: KindDeny, PeerID: d.PeerID}.encode())
		}
	case KindConfirm:
		d, err := decodeNodeDatagram(b)
		if err != nil {
			return
		}
		if d.PeerID == c.selfID {
			return
		}
		c.membership.addPeer(d.PeerID, false)
		c.broadcastCountNode()
	case KindExit:
		d, err := decodeNodeDatagram(b)
		if err != nil {
			return
		}
		c.membership.removePeer(d.PeerID)
	case KindCountNode:
		d, err := decodeCountNodeDatagram(b)
		if err != nil {
			return
		}
		if c.membership.handleCountNode(d.NClients) {
			c.broadcastCountNode()
		}
	case KindData:
		d, err := decodeDataDatagram(b)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropped malformed DATA")
			return
		}
		writer, ok := c.membership.peer(d.writerID())
		if !ok {
			writer = c.membership.addPeer(d.writerID(), false)
		}
		if err := c.reassembler.handleData(writer, d); err != nil {
			var ce *ConnError
			if cerr, is := err.(*ConnError); is {
				ce = cerr
			}
			if ce == nil || ce.Kind != KindResourceExhaustion {
				c.log.Warn().Err(err).Msg("dropped DATA")
			}
			return
		}
		if slotData, ok := c.completedSlot(writer, d.sequenceID()); ok {
			select {
			case c.incoming <- slotData:
			default:
				c.log.Warn().Msg("incoming queue full, dropping reassembled sequence")
			}
		}
	case KindAck:
		d, err := decodeAckDatagram(b)
		if err != nil {
			return
		}
		if reader, ok := c.membership.peer(d.ReaderID); ok {
			c.sender.handleAck(reader, d)
		}
	case KindNack:
		d, err := decodeNackDatagram(b)
		if err != nil {
			return
		}
		if reader, ok := c.membership.peer(d.ReaderID); ok {
			c.sender.handleNack(reader, d)
		}
	case KindAckReq:
		d, err := decodeAckReqDatagram(b)
		if err != nil {
			return
		}
		if writer, ok := c.membership.peer(d.WriterID); ok {
			c.reassembler.handleAckReq(writer, d)
		}
	default:
		c.log.Warn().Stringer("kind", kind).Msg("unknown datagram kind")
	}
}

// completedSlot returns the fully-reassembled payload for (writer,
// sequenceID) if handleData just finished it, and drains the slot.
func (c *Connection) completedSlot(writer *peerRecord, sequenceID uint16) ([]byte, bool) {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	for _, s := range writer.slots {
		if s.state == slotAckSent && s.sequenceID == sequenceID && !s.allRead {
			data := s.data
			s.allRead = true
			s.reset()
			return data, true
		}
	}
	return nil, false
}

func (c *Connection) broadcastCountNode() {
	cn := countNodeDatagram{ClientID: c.selfID, NClients: uint32(c.membership.count())}
	c.transport.send(cn.encode())
}

// sendData transmits one fragment. It always self-processes the datagram
// through dispatch before handing it to the transport, rather than relying
// on the kernel's multicast loopback to hear our own traffic (the socket
// disables IP_MULTICAST_LOOP in tuneSocket for exactly this reason) — this
// mirrors the original's _sendDatagram, which self-delivers before the
// network write so a group member is always its own reader.
func (c *Connection) sendData(writeSeqID uint32, index uint16, payload []byte) {
	d := dataDatagram{WriteSeqID: writeSeqID, DataIDLength: uint32(index)<<16 | uint32(len(payload)), Payload: payload}
	atomic.AddUint64(&c.counters.datagramsSent, 1)
	encoded := d.encode()
	c.dispatch(encoded)
	if c.transport != nil {
		c.rate.waitWritable(c.ctx, len(encoded))
		c.transport.send(encoded)
	}
}

func (c *Connection) sendDataRepeat(writeSeqID uint32, index uint16, payload []byte) {
	d := dataDatagram{WriteSeqID: writeSeqID, DataIDLength: uint32(index)<<16 | uint32(len(payload)), Payload: payload}
	atomic.AddUint64(&c.counters.datagramsSent, 1)
	atomic.AddUint64(&c.counters.datagramsRepeated, 1)
	encoded := d.encode()
	c.dispatch(encoded)
	if c.transport != nil {
		c.rate.waitWritable(c.ctx, len(encoded))
		c.transport.send(encoded)
	}
}

func (c *Connection) broadcastAckReq(sequenceID, lastDatagramID uint16) {
	if c.transport == nil {
		return
	}
	d := ackReqDatagram{WriterID: c.selfID, LastDatagramID: lastDatagramID, SequenceID: sequenceID}
	c.transport.send(d.encode())
}

// sendAck sends (or self-delivers, for a loopback writer) an ACK to
// writer for sequenceID.
func (c *Connection) sendAck(writer *peerRecord, sequenceID uint16) {
	atomic.AddUint64(&c.counters.acksSent, 1)
	a := ackDatagram{ReaderID: c.selfID, WriterID: writer.id, SequenceID: sequenceID}
	if writer.loopback {
		c.sender.handleAck(writer, a)
		return
	}
	c.transport.send(a.encode())
}

func (c *Connection) sendNack(writer *peerRecord, sequenceID uint16, ranges []fragmentRange) {
	atomic.AddUint64(&c.counters.nacksSent, 1)
	n := nackDatagram{ReaderID: c.selfID, WriterID: writer.id, SequenceID: sequenceID, Ranges: ranges}
	if writer.loopback {
		c.sender.handleNack(writer, n)
		return
	}
	c.transport.send(n.encode())
}

// Write blocks until every known group member has ACKed data, a fatal
// error ends the connection, or ctx is cancelled (which returns ctx.Err()
// and leaves the connection open). data longer
// than one buffer's worth is clamped; callers needing to send more than
// bufferSize(mtu, ackFreq) bytes must loop (pkg/stream's façade does this).
func (c *Connection) Write(ctx context.Context, data []byte) (int, error) {
	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}

	result := make(chan error, 1)
	select {
	case c.writeReq <- writeRequest{data: data, result: result}:
	case <-c.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case err := <-result:
		if err != nil {
			return 0, err
		}
		max := bufferSize(c.mtu, c.ackFreq)
		if len(data) > max {
			return max, nil
		}
		return len(data), nil
	case <-c.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Read blocks until one fully-reassembled sequence from any sender is
// available, the connection closes, or ctx is cancelled.
func (c *Connection) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the connection down: the network goroutine exits on its
// next turn, Read/Write callers unblock with ErrClosed.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.transport == nil {
			return
		}
		if c.fatal.Load() == nil {
			c.log.Info().Uint16("peer_id", c.selfID).Msg("closing rsp connection")
			c.transport.send(nodeDatagram{Kind: KindExit, PeerID: c.selfID}.encode())
		}
		c.transport.close()
	})
	return nil
}

// Metrics returns a prometheus.Collector exposing this connection's
// counters and current send rate, labeled with a stable per-peer
// correlation ID (not the wire peer ID).
func (c *Connection) Metrics() prometheus.Collector {
	self, _ := c.membership.peer(c.selfID)
	label := fmt.Sprintf("%d", c.selfID)
	if self != nil {
		label = self.xid.String()
	}
	return newMetricsCollector(label, c.counters, c.rate.bytesPerSecond)
}
