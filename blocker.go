package http2

import "sync"

// streamBlocker holds DATA payloads that couldn't be written yet because a
// stream's (or the connection's) send window was exhausted, and releases
// them in arrival order as WINDOW_UPDATE frames grow that window back.
//
// https://tools.ietf.org/html/rfc7540#section-6.9.1
type blockedChunk struct {
	body []byte
	end  bool
}

type streamBlocker struct {
	mu    sync.Mutex
	queue map[uint32][]blockedChunk
	order []uint32
}

func newStreamBlocker() *streamBlocker {
	return &streamBlocker{queue: make(map[uint32][]blockedChunk)}
}

// Block appends body (and whether it carries END_STREAM) to streamID's
// pending queue.
func (b *streamBlocker) Block(streamID uint32, body []byte, end bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queue[streamID]; !ok {
		b.order = append(b.order, streamID)
	}
	buf := append([]byte(nil), body...)
	b.queue[streamID] = append(b.queue[streamID], blockedChunk{body: buf, end: end})
}

// Pending reports whether streamID has chunks waiting on window.
func (b *streamBlocker) Pending(streamID uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue[streamID]) > 0
}

// Unblock drains as many queued chunks for streamID as fit within window,
// passing each to send and deducting its length from window, stopping once
// either the queue empties or the next chunk no longer fits. The remaining
// window is returned so the caller can fold it back into stream/connection
// accounting.
//
// An emptied queue is removed from the arrival-order list immediately,
// rather than left behind as a dangling zero-length entry.
func (b *streamBlocker) Unblock(streamID uint32, window int64, send func([]byte, bool)) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue[streamID]
	for len(q) > 0 && int64(len(q[0].body)) <= window {
		chunk := q[0]
		window -= int64(len(chunk.body))
		send(chunk.body, chunk.end)
		q = q[1:]
	}

	if len(q) == 0 {
		delete(b.queue, streamID)
		for i, id := range b.order {
			if id == streamID {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	} else {
		b.queue[streamID] = q
	}

	return window
}

// UnblockAll releases whatever now fits for every stream with pending data,
// in the order it was first blocked — used after a connection-level
// WINDOW_UPDATE, which can unblock more than one stream at once.
func (b *streamBlocker) UnblockAll(windowOf func(uint32) int64, send func(uint32, []byte, bool)) {
	b.mu.Lock()
	ids := append([]uint32(nil), b.order...)
	b.mu.Unlock()

	for _, id := range ids {
		w := windowOf(id)
		b.Unblock(id, w, func(chunk []byte, end bool) { send(id, chunk, end) })
	}
}
