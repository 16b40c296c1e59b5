package rsp

import (
	"bytes"
	"testing"
)

func TestNodeDatagramRoundTrip(t *testing.T) {
	d := nodeDatagram{Kind: KindHello, PeerID: 0xBEEF}
	got, err := decodeNodeDatagram(d.encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != d {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", got, d)
	}
}

func TestCountNodeDatagramRoundTrip(t *testing.T) {
	d := countNodeDatagram{ClientID: 7, NClients: 3}
	got, err := decodeCountNodeDatagram(d.encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != d {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", got, d)
	}
}

func TestDataDatagramRoundTrip(t *testing.T) {
	d := dataDatagram{
		WriteSeqID:   uint32(42)<<16 | 7,
		DataIDLength: uint32(3)<<16 | 5,
		Payload:      []byte("hello"),
	}
	got, err := decodeDataDatagram(d.encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.WriteSeqID != d.WriteSeqID || got.DataIDLength != d.DataIDLength {
		t.Fatalf("header mismatch: got %+v, want %+v", got, d)
	}
	if !bytes.Equal(got.Payload, d.Payload) {
		t.Errorf("payload mismatch: got %q, want %q", got.Payload, d.Payload)
	}
	if got.writerID() != 42 || got.sequenceID() != 7 {
		t.Errorf("writer/sequence unpack mismatch: %d/%d", got.writerID(), got.sequenceID())
	}
	if got.index() != 3 || got.length() != 5 {
		t.Errorf("index/length unpack mismatch: %d/%d", got.index(), got.length())
	}
}

func TestAckDatagramRoundTrip(t *testing.T) {
	d := ackDatagram{ReaderID: 1, WriterID: 2, SequenceID: 99}
	got, err := decodeAckDatagram(d.encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != d {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", got, d)
	}
}

func TestNackDatagramRoundTrip(t *testing.T) {
	d := nackDatagram{
		ReaderID:   1,
		WriterID:   2,
		SequenceID: 5,
		Ranges: []fragmentRange{
			{Start: 0, End: 2},
			{Start: 9, End: 9},
		},
	}
	got, err := decodeNackDatagram(d.encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Ranges) != len(d.Ranges) {
		t.Fatalf("range count mismatch: got %d, want %d", len(got.Ranges), len(d.Ranges))
	}
	for i := range d.Ranges {
		if got.Ranges[i] != d.Ranges[i] {
			t.Errorf("range[%d] mismatch: got %+v, want %+v", i, got.Ranges[i], d.Ranges[i])
		}
	}
}

func TestAckReqDatagramRoundTrip(t *testing.T) {
	d := ackReqDatagram{WriterID: 4, LastDatagramID: 10, SequenceID: 3}
	got, err := decodeAckReqDatagram(d.encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != d {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", got, d)
	}
}

func TestDecodeShortDatagrams(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x01},
		{0x10, 0x00, 0x01, 0x00},
	}
	for _, b := range cases {
		if _, err := decodeNodeDatagram(b); len(b) < 4 && err != ErrShortDatagram {
			t.Errorf("decodeNodeDatagram(%v): got %v, want ErrShortDatagram", b, err)
		}
	}
}

func TestPeekKind(t *testing.T) {
	d := nodeDatagram{Kind: KindConfirm, PeerID: 1}
	k, err := peekKind(d.encode())
	if err != nil {
		t.Fatalf("peekKind: %v", err)
	}
	if k != KindConfirm {
		t.Errorf("got %v, want KindConfirm", k)
	}
	if _, err := peekKind([]byte{0x01}); err != ErrShortDatagram {
		t.Errorf("short buffer: got %v, want ErrShortDatagram", err)
	}
}

func TestMaxNack(t *testing.T) {
	if n := maxNack(1500); n <= 0 {
		t.Errorf("maxNack(1500) = %d, want > 0", n)
	}
	if n := maxNack(0); n != 1 {
		t.Errorf("maxNack(0) = %d, want 1 (floor)", n)
	}
}
