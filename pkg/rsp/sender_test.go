package rsp

import "testing"

func TestAddRepeatMergesOverlappingRanges(t *testing.T) {
	s := &sender{}
	s.addRepeat(repeatRequest{kind: repeatNack, start: 0, end: 5})
	s.addRepeat(repeatRequest{kind: repeatNack, start: 4, end: 10})

	if len(s.repeatQueue) != 1 {
		t.Fatalf("expected one merged range, got %d: %+v", len(s.repeatQueue), s.repeatQueue)
	}
	got := s.repeatQueue[0]
	if got.start != 0 || got.end != 10 {
		t.Errorf("merged range = [%d,%d], want [0,10]", got.start, got.end)
	}
}

func TestAddRepeatKeepsDisjointRanges(t *testing.T) {
	s := &sender{}
	s.addRepeat(repeatRequest{kind: repeatNack, start: 0, end: 2})
	s.addRepeat(repeatRequest{kind: repeatNack, start: 10, end: 12})

	if len(s.repeatQueue) != 2 {
		t.Fatalf("expected two disjoint ranges, got %d: %+v", len(s.repeatQueue), s.repeatQueue)
	}
}

func TestAddRepeatMergesRangesSharingAnEndpoint(t *testing.T) {
	s := &sender{}
	s.addRepeat(repeatRequest{kind: repeatNack, start: 0, end: 2})
	s.addRepeat(repeatRequest{kind: repeatNack, start: 2, end: 4})

	if len(s.repeatQueue) != 1 {
		t.Fatalf("expected ranges sharing an endpoint to merge, got %d: %+v", len(s.repeatQueue), s.repeatQueue)
	}
	got := s.repeatQueue[0]
	if got.start != 0 || got.end != 4 {
		t.Errorf("merged range = [%d,%d], want [0,4]", got.start, got.end)
	}
}

func TestAddRepeatNonNackEntriesAreNotMerged(t *testing.T) {
	s := &sender{}
	s.addRepeat(repeatRequest{kind: repeatAckReq})
	s.addRepeat(repeatRequest{kind: repeatDone})

	if len(s.repeatQueue) != 2 {
		t.Fatalf("expected both non-NACK entries kept, got %d", len(s.repeatQueue))
	}
}

func TestAddRepeatMergeIsTransitiveAcrossThreeRanges(t *testing.T) {
	s := &sender{}
	s.addRepeat(repeatRequest{kind: repeatNack, start: 0, end: 2})
	s.addRepeat(repeatRequest{kind: repeatNack, start: 8, end: 10})
	// Bridges the two existing ranges into one.
	s.addRepeat(repeatRequest{kind: repeatNack, start: 2, end: 8})

	if len(s.repeatQueue) != 1 {
		t.Fatalf("expected bridging range to merge both neighbors, got %d: %+v", len(s.repeatQueue), s.repeatQueue)
	}
	got := s.repeatQueue[0]
	if got.start != 0 || got.end != 10 {
		t.Errorf("merged range = [%d,%d], want [0,10]", got.start, got.end)
	}
}
