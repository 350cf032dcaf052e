package http2

import (
	"bytes"
	"testing"
)

func TestStreamBlockerUnblockRespectsWindow(t *testing.T) {
	b := newStreamBlocker()

	b.Block(1, []byte("aaaa"), false)
	b.Block(1, []byte("bbbbb"), true)

	if !b.Pending(1) {
		t.Fatal("expected stream 1 to have pending chunks")
	}

	var sent [][]byte
	var sentEnd []bool
	remaining := b.Unblock(1, 4, func(chunk []byte, end bool) {
		sent = append(sent, chunk)
		sentEnd = append(sentEnd, end)
	})

	if len(sent) != 1 || !bytes.Equal(sent[0], []byte("aaaa")) {
		t.Fatalf("expected only the first chunk to fit in a window of 4, got %v", sent)
	}
	if sentEnd[0] {
		t.Fatal("first chunk doesn't carry END_STREAM")
	}
	if remaining != 0 {
		t.Fatalf("expected window fully spent, got %d left over", remaining)
	}
	if !b.Pending(1) {
		t.Fatal("expected the second chunk to still be queued")
	}

	sent = nil
	sentEnd = nil
	remaining = b.Unblock(1, 10, func(chunk []byte, end bool) {
		sent = append(sent, chunk)
		sentEnd = append(sentEnd, end)
	})

	if len(sent) != 1 || !bytes.Equal(sent[0], []byte("bbbbb")) {
		t.Fatalf("expected the second chunk to drain once it fits, got %v", sent)
	}
	if !sentEnd[0] {
		t.Fatal("second chunk should carry END_STREAM")
	}
	if remaining != 5 {
		t.Fatalf("expected 5 bytes of window left over, got %d", remaining)
	}
	if b.Pending(1) {
		t.Fatal("expected stream 1's queue to be empty")
	}
}

func TestStreamBlockerUnblockAllPreservesArrivalOrder(t *testing.T) {
	b := newStreamBlocker()

	b.Block(3, []byte("first"), false)
	b.Block(1, []byte("second"), false)

	var order []uint32
	b.UnblockAll(
		func(uint32) int64 { return 1 << 20 },
		func(id uint32, chunk []byte, end bool) { order = append(order, id) },
	)

	if len(order) != 2 || order[0] != 3 || order[1] != 1 {
		t.Fatalf("expected unblock order [3 1], got %v", order)
	}
	if b.Pending(3) || b.Pending(1) {
		t.Fatal("expected both queues drained")
	}
}
