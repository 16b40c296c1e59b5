// Package rsp implements the Reliable Stream Protocol: an ordered,
// reliable byte-stream abstraction delivered to a group of receivers over
// a single IP multicast group.
package rsp

import (
	"encoding/binary"
	"fmt"
)

// Kind is the 16-bit prefix every datagram on the wire starts with.
type Kind uint16

const (
	KindHello     Kind = 0x01
	KindDeny      Kind = 0x02
	KindConfirm   Kind = 0x03
	KindExit      Kind = 0x04
	KindCountNode Kind = 0x05
	KindData      Kind = 0x10
	KindAck       Kind = 0x11
	KindNack      Kind = 0x12
	KindAckReq    Kind = 0x13
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindDeny:
		return "DENY"
	case KindConfirm:
		return "CONFIRM"
	case KindExit:
		return "EXIT"
	case KindCountNode:
		return "COUNTNODE"
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindNack:
		return "NACK"
	case KindAckReq:
		return "ACKREQ"
	default:
		return fmt.Sprintf("KIND(0x%02x)", uint16(k))
	}
}

// peekKind reads the leading 16-bit kind prefix without consuming the buffer.
func peekKind(b []byte) (Kind, error) {
	if len(b) < 2 {
		return 0, ErrShortDatagram
	}
	return Kind(binary.LittleEndian.Uint16(b)), nil
}

// nodeDatagram carries HELLO / DENY / CONFIRM / EXIT.
type nodeDatagram struct {
	Kind   Kind
	PeerID uint16
}

func (d nodeDatagram) encode() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], uint16(d.Kind))
	binary.LittleEndian.PutUint16(b[2:4], d.PeerID)
	return b
}

func decodeNodeDatagram(b []byte) (nodeDatagram, error) {
	if len(b) < 4 {
		return nodeDatagram{}, ErrShortDatagram
	}
	return nodeDatagram{
		Kind:   Kind(binary.LittleEndian.Uint16(b[0:2])),
		PeerID: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// countNodeDatagram carries COUNTNODE fleet-size gossip.
type countNodeDatagram struct {
	ClientID uint16
	NClients uint32
}

func (d countNodeDatagram) encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], uint16(KindCountNode))
	binary.LittleEndian.PutUint16(b[2:4], d.ClientID)
	binary.LittleEndian.PutUint32(b[4:8], d.NClients)
	return b
}

func decodeCountNodeDatagram(b []byte) (countNodeDatagram, error) {
	if len(b) < 8 {
		return countNodeDatagram{}, ErrShortDatagram
	}
	return countNodeDatagram{
		ClientID: binary.LittleEndian.Uint16(b[2:4]),
		NClients: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// dataHeaderSize is the on-wire header of a DATA datagram, before payload.
const dataHeaderSize = 2 + 4 + 4 // kind + writeSeqID + dataIDLength

// dataDatagram carries one fragment of one sequence.
type dataDatagram struct {
	WriteSeqID   uint32 // (peerID << 16) | sequenceID
	DataIDLength uint32 // (index << 16) | length
	Payload      []byte
}

func (d dataDatagram) writerID() uint16   { return uint16(d.WriteSeqID >> 16) }
func (d dataDatagram) sequenceID() uint16 { return uint16(d.WriteSeqID & 0xFFFF) }
func (d dataDatagram) index() uint16      { return uint16(d.DataIDLength >> 16) }
func (d dataDatagram) length() uint16     { return uint16(d.DataIDLength & 0xFFFF) }

func (d dataDatagram) encode() []byte {
	b := make([]byte, dataHeaderSize+len(d.Payload))
	binary.LittleEndian.PutUint16(b[0:2], uint16(KindData))
	binary.LittleEndian.PutUint32(b[2:6], d.WriteSeqID)
	binary.LittleEndian.PutUint32(b[6:10], d.DataIDLength)
	copy(b[dataHeaderSize:], d.Payload)
	return b
}

func decodeDataDatagram(b []byte) (dataDatagram, error) {
	if len(b) < dataHeaderSize {
		return dataDatagram{}, ErrShortDatagram
	}
	d := dataDatagram{
		WriteSeqID:   binary.LittleEndian.Uint32(b[2:6]),
		DataIDLength: binary.LittleEndian.Uint32(b[6:10]),
	}
	d.Payload = append([]byte(nil), b[dataHeaderSize:]...)
	return d, nil
}

// ackDatagram confirms full delivery of one sequence from one reader.
type ackDatagram struct {
	ReaderID   uint16
	WriterID   uint16
	SequenceID uint16
}

func (d ackDatagram) encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], uint16(KindAck))
	binary.LittleEndian.PutUint16(b[2:4], d.ReaderID)
	binary.LittleEndian.PutUint16(b[4:6], d.WriterID)
	binary.LittleEndian.PutUint16(b[6:8], d.SequenceID)
	return b
}

func decodeAckDatagram(b []byte) (ackDatagram, error) {
	if len(b) < 8 {
		return ackDatagram{}, ErrShortDatagram
	}
	return ackDatagram{
		ReaderID:   binary.LittleEndian.Uint16(b[2:4]),
		WriterID:   binary.LittleEndian.Uint16(b[4:6]),
		SequenceID: binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// fragmentRange is a contiguous [Start,End] run of missing fragment indices.
type fragmentRange struct {
	Start uint16
	End   uint16
}

func (r fragmentRange) pack() uint32   { return uint32(r.Start)<<16 | uint32(r.End) }
func unpackRange(v uint32) fragmentRange {
	return fragmentRange{Start: uint16(v >> 16), End: uint16(v & 0xFFFF)}
}

// maxNack is the most (start,end) ranges that fit one NACK datagram for a
// given MTU, per spec: (mtu - nackHeaderSize) / sizeof(uint32).
func maxNack(mtu int) int {
	n := (mtu - nackHeaderSize) / 4
	if n < 1 {
		return 1
	}
	return n
}

const nackHeaderSize = 2 + 2 + 2 + 2 + 2 // kind + readerID + writerID + sequenceID + count

// nackDatagram requests retransmission of one or more fragment ranges.
type nackDatagram struct {
	ReaderID   uint16
	WriterID   uint16
	SequenceID uint16
	Ranges     []fragmentRange
}

func (d nackDatagram) encode() []byte {
	b := make([]byte, nackHeaderSize+4*len(d.Ranges))
	binary.LittleEndian.PutUint16(b[0:2], uint16(KindNack))
	binary.LittleEndian.PutUint16(b[2:4], d.ReaderID)
	binary.LittleEndian.PutUint16(b[4:6], d.WriterID)
	binary.LittleEndian.PutUint16(b[6:8], d.SequenceID)
	binary.LittleEndian.PutUint16(b[8:10], uint16(len(d.Ranges)))
	for i, r := range d.Ranges {
		binary.LittleEndian.PutUint32(b[nackHeaderSize+4*i:], r.pack())
	}
	return b
}

func decodeNackDatagram(b []byte) (nackDatagram, error) {
	if len(b) < nackHeaderSize {
		return nackDatagram{}, ErrShortDatagram
	}
	d := nackDatagram{
		ReaderID:   binary.LittleEndian.Uint16(b[2:4]),
		WriterID:   binary.LittleEndian.Uint16(b[4:6]),
		SequenceID: binary.LittleEndian.Uint16(b[6:8]),
	}
	count := int(binary.LittleEndian.Uint16(b[8:10]))
	if len(b) < nackHeaderSize+4*count {
		return nackDatagram{}, ErrShortDatagram
	}
	d.Ranges = make([]fragmentRange, count)
	for i := range d.Ranges {
		v := binary.LittleEndian.Uint32(b[nackHeaderSize+4*i:])
		d.Ranges[i] = unpackRange(v)
	}
	return d, nil
}

// ackReqDatagram is the sender's liveness pulse asking a reader to commit
// to ACK or NACK the named sequence.
type ackReqDatagram struct {
	WriterID       uint16
	LastDatagramID uint16
	SequenceID     uint16
}

func (d ackReqDatagram) encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], uint16(KindAckReq))
	binary.LittleEndian.PutUint16(b[2:4], d.WriterID)
	binary.LittleEndian.PutUint16(b[4:6], d.LastDatagramID)
	binary.LittleEndian.PutUint16(b[6:8], d.SequenceID)
	return b
}

func decodeAckReqDatagram(b []byte) (ackReqDatagram, error) {
	if len(b) < 8 {
		return ackReqDatagram{}, ErrShortDatagram
	}
	return ackReqDatagram{
		WriterID:       binary.LittleEndian.Uint16(b[2:4]),
		LastDatagramID: binary.LittleEndian.Uint16(b[4:6]),
		SequenceID:     binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}
