package rsp

// repeatKind classifies one entry in the outstanding-write repeat queue.
type repeatKind int

const (
	repeatNack   repeatKind = iota // retransmit fragments [start,end]
	repeatAckReq                   // re-issue an ACKREQ pulse
	repeatDone                     // every known child has ACKed; write may return
)

// repeatRequest is one unit of work the writer's event-loop turn must
// service before the current write can complete.
type repeatRequest struct {
	kind  repeatKind
	start uint16
	end   uint16
}

// sender owns the outstanding-write state: the current sequence's fragment
// buffer, which children have ACKed it, and the merged repeat queue that
// NACKs feed into.
type sender struct {
	conn *Connection

	seqCounter uint16
	writing    bool

	current     []byte // payload of the sequence currently being written
	fragments   int    // number of fragments current was split into
	repeated    map[uint16]bool // fragment indices retransmitted at least once, for rate adaptation
	repeatQueue []repeatRequest
}

func newSender(conn *Connection) *sender {
	return &sender{conn: conn}
}

// addRepeat merges candidate into the pending NACK ranges of the repeat
// queue, per the original's quadratic overlap-merge: any existing pending
// range that shares at least one index with candidate is unioned into it
// (merely adjacent ranges such as [0,2] and [3,4] stay separate) rather than
// kept as a second entry, so a slow reader can't make the queue grow
// without bound across repeated NACKs for the same gap.
func (s *sender) addRepeat(req repeatRequest) {
	if req.kind != repeatNack {
		s.repeatQueue = append(s.repeatQueue, req)
		return
	}
	merged := req
	kept := s.repeatQueue[:0]
	for _, old := range s.repeatQueue {
		if old.kind == repeatNack && old.start <= merged.end && old.end >= merged.start {
			if old.start < merged.start {
				merged.start = old.start
			}
			if old.end > merged.end {
				merged.end = old.end
			}
			continue
		}
		kept = append(kept, old)
	}
	s.repeatQueue = append(kept, merged)
}

// handleAck applies an ACK from reader for the sequence currently being
// written. Idempotent: a duplicate ACK for a sequence already recorded as
// ACKed by this reader is a no-op, matching the original's ackReceived
// guard in _handleAck.
func (s *sender) handleAck(reader *peerRecord, a ackDatagram) {
	if !s.writing || a.SequenceID != s.seqCounter {
		return
	}
	reader.mu.Lock()
	already := reader.ackReceived
	reader.ackReceived = true
	reader.lastAckSeqID = a.SequenceID
	reader.mu.Unlock()
	if already {
		return
	}

	if s.allChildrenAcked() {
		s.addRepeat(repeatRequest{kind: repeatDone})
	}
}

// handleNack merges a NACK's ranges into the repeat queue and asks the
// reactor to wake the network goroutine so it services the queue instead
// of waiting out the remaining poll interval.
func (s *sender) handleNack(reader *peerRecord, n nackDatagram) {
	if !s.writing || n.SequenceID != s.seqCounter {
		return
	}
	for _, r := range n.Ranges {
		s.addRepeat(repeatRequest{kind: repeatNack, start: r.Start, end: r.End})
	}
	if s.conn.transport != nil {
		s.conn.transport.reactor.interrupt()
	}
}

func (s *sender) allChildrenAcked() bool {
	acked := true
	s.conn.membership.each(func(p *peerRecord) {
		p.mu.Lock()
		if !p.ackReceived {
			acked = false
		}
		p.mu.Unlock()
	})
	return acked
}

// beginWrite clamps data to bufferSize, frames it as `fragments` DATA
// datagrams, resets every known child's ackReceived flag, and sends the
// first pass over the network, matching the original's write(): clamp,
// bump _sequenceIDWrite, reset children, send, request acks.
func (s *sender) beginWrite(data []byte) []byte {
	max := bufferSize(s.conn.mtu, s.conn.ackFreq)
	if len(data) > max {
		data = data[:max]
	}
	s.seqCounter++
	s.current = data
	s.fragments = fragmentCount(len(data), s.conn.mtu)
	s.repeated = make(map[uint16]bool)
	s.repeatQueue = nil
	s.writing = true

	s.conn.membership.each(func(p *peerRecord) {
		p.mu.Lock()
		p.ackReceived = false
		p.mu.Unlock()
	})

	s.sendAllFragments()
	s.sendAckRequest()
	return data
}

func (s *sender) sendAllFragments() {
	ps := payloadSize(s.conn.mtu)
	for i := 0; i < s.fragments; i++ {
		off := i * ps
		end := off + ps
		if end > len(s.current) {
			end = len(s.current)
		}
		s.conn.sendData(s.writeSeqID(), uint16(i), s.current[off:end])
	}
}

func (s *sender) writeSeqID() uint32 {
	return uint32(s.conn.selfID)<<16 | uint32(s.seqCounter)
}

func (s *sender) sendAckRequest() {
	s.conn.broadcastAckReq(s.seqCounter, uint16(s.fragments-1))
}

// serviceRepeatQueue retransmits every pending NACK range, re-issues any
// pending ACKREQ, and reports whether a DONE entry was reached (write
// complete). Called from the network goroutine each turn the queue is
// non-empty.
func (s *sender) serviceRepeatQueue() (done bool) {
	queue := s.repeatQueue
	s.repeatQueue = nil
	ps := payloadSize(s.conn.mtu)
	for _, req := range queue {
		switch req.kind {
		case repeatNack:
			for i := req.start; i <= req.end; i++ {
				off := int(i) * ps
				if off >= len(s.current) {
					break
				}
				end := off + ps
				if end > len(s.current) {
					end = len(s.current)
				}
				s.conn.sendDataRepeat(s.writeSeqID(), i, s.current[off:end])
				s.repeated[i] = true
				if i == 0xFFFF {
					break
				}
			}
		case repeatAckReq:
			s.sendAckRequest()
		case repeatDone:
			done = true
		}
	}
	return done
}

// finishWrite applies the rate controller's stepped adjustment for the
// completed sequence and resets writer state so the next write can begin.
func (s *sender) finishWrite() {
	s.conn.rate.adapt(s.fragments, len(s.repeated))
	s.writing = false
	s.current = nil
	s.repeatQueue = nil
}
