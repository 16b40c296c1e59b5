package rsp

// reassembler owns the receive path: applying DATA fragments to the right
// receiver's slot ring, deciding when a slot is done, and answering ACKREQ
// with either an ACK or a bounded NACK.
type reassembler struct {
	conn *Connection
}

func newReassembler(conn *Connection) *reassembler {
	return &reassembler{conn: conn}
}

// handleData applies one DATA datagram from writer, per the original's
// _handleDataDatagram: promote/select the slot for this sequence, record
// the fragment, grow the backing buffer once the total length is known,
// and fire an early NACK the first time a fragment arrives out of order
// with a gap behind it (rather than waiting for the writer's ACKREQ).
func (r *reassembler) handleData(writer *peerRecord, d dataDatagram) error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	seq := d.sequenceID()
	slot, ok := writer.slotFor(seq)
	if !ok {
		// Ring full: every slot holds an older, still-unread sequence.
		// This is resource exhaustion, not a protocol violation — drop the
		// datagram, the writer's repeat queue will resend it once a slot
		// frees up via ACKREQ/NACK.
		return newConnError(KindResourceExhaustion, nil)
	}

	if slot.state == slotDrained || slot.state == slotAckSent {
		// Stale retransmit of a sequence we've already fully acknowledged.
		return nil
	}

	idx := int(d.index())
	length := int(d.length())
	total := idx*payloadSize(r.conn.mtu) + length
	// Late-arriving fragments may reveal a larger total than fragment 0 did
	// if a prior estimate undershot; grow, never shrink.
	if slot.got == nil || idx >= len(slot.got) {
		need := idx + 1
		got := make([]bool, need)
		copy(got, slot.got)
		slot.got = got
	}
	if total > slot.totalLen {
		data := make([]byte, total)
		copy(data, slot.data)
		slot.data = data
		slot.totalLen = total
	}

	slot.got[idx] = true
	off := idx * payloadSize(r.conn.mtu)
	copy(slot.data[off:off+length], d.Payload[:length])

	// Early-NACK heuristic: a fragment index arrived while the
	// immediately-preceding index is still missing. Ask for the gap
	// immediately instead of waiting for the writer's next ACKREQ, matching
	// the original's got[index-1] check.
	if idx > 0 && !slot.got[idx-1] {
		var missing []fragmentRange
		start := -1
		for i := 0; i < idx; i++ {
			if !slot.got[i] {
				if start == -1 {
					start = i
				}
			} else if start != -1 {
				missing = append(missing, fragmentRange{Start: uint16(start), End: uint16(i - 1)})
				start = -1
			}
		}
		if start != -1 {
			missing = append(missing, fragmentRange{Start: uint16(start), End: uint16(idx - 1)})
		}
		if len(missing) > 0 {
			r.conn.sendNack(writer, seq, missing)
		}
	}

	if slot.complete() {
		r.conn.sendAck(writer, seq)
		slot.state = slotAckSent
		slot.ackSent = true
	}
	return nil
}

// handleAckReq answers a writer's liveness pulse for sequenceID: ACK if the
// slot is complete, otherwise NACK the missing ranges bounded to maxNack
// entries (lowest indices first, mirroring the original's _handleAckRequest
// truncation under _maxNAck).
func (r *reassembler) handleAckReq(writer *peerRecord, req ackReqDatagram) {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	var slot *receiveSlot
	for _, s := range writer.slots {
		if s.state != slotEmpty && s.sequenceID == req.SequenceID {
			slot = s
			break
		}
	}
	if slot == nil {
		// Every slot is busy with some other sequence: we have no record of
		// this one at all, so every fragment in range is "missing" as far
		// as we know. NACK the full range rather than falsely ACKing.
		r.conn.sendNack(writer, req.SequenceID, []fragmentRange{{Start: 0, End: req.LastDatagramID}})
		return
	}
	if slot.complete() {
		slot.state = slotAckSent
		slot.ackSent = true
		r.conn.sendAck(writer, req.SequenceID)
		return
	}

	var missing []fragmentRange
	start := -1
	last := int(req.LastDatagramID)
	for i := 0; i <= last; i++ {
		got := i < len(slot.got) && slot.got[i]
		if !got {
			if start == -1 {
				start = i
			}
		} else if start != -1 {
			missing = append(missing, fragmentRange{Start: uint16(start), End: uint16(i - 1)})
			start = -1
		}
	}
	if start != -1 {
		missing = append(missing, fragmentRange{Start: uint16(start), End: uint16(last)})
	}

	limit := maxNack(r.conn.mtu)
	if len(missing) > limit {
		missing = missing[:limit]
	}
	r.conn.sendNack(writer, req.SequenceID, missing)
}

// drainSlot marks a fully-read slot available for reuse, per the
// ack_sent -> drained -> empty lifecycle.
func (r *reassembler) drainSlot(writer *peerRecord, sequenceID uint16) {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	for _, s := range writer.slots {
		if s.state == slotAckSent && s.sequenceID == sequenceID {
			s.allRead = true
			s.reset()
			return
		}
	}
}
