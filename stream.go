package http2

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// StreamState is one of the five states RFC 7540 section 5.1 assigns a
// stream, plus ReservedLocal for server-initiated push streams (the client
// role's ReservedRemote is never reached on this side of the connection).
type StreamState int8

const (
	StreamStateIdle StreamState = iota
	StreamStateReserved
	StreamStateOpen
	StreamStateHalfClosed
	StreamStateClosed
)

// closeReason records why a stream entered StreamStateClosed, since a
// second RST_STREAM on the same id needs to be treated differently
// depending on how the stream closed the first time.
type closeReason uint8

const (
	closeReasonNone closeReason = iota
	closeReasonStreamEnded
	closeReasonResetRemote
	closeReasonResetLocal
)

func (s StreamState) String() string {
	switch s {
	case StreamStateIdle:
		return "Idle"
	case StreamStateReserved:
		return "Reserved"
	case StreamStateOpen:
		return "Open"
	case StreamStateHalfClosed:
		return "HalfClosed"
	case StreamStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Stream tracks everything the connection controller needs to know about
// one HTTP/2 stream: its place in the state machine, its flow control
// window, and (while it's alive) the in-progress fasthttp request/response
// pair it's decoding headers and data into.
type Stream struct {
	id    uint32
	state StreamState

	// closeReason is only meaningful once state is StreamStateClosed.
	closeReason closeReason

	// origType is FrameHeaders for a client-initiated stream and
	// FramePushPromise for one this connection reserved via server push.
	origType FrameType

	startedAt time.Time

	headersFinished     bool
	previousHeaderBytes []byte
	headerBlockNum      int
	headerListSize      int
	scheme              []byte

	// window is this stream's send-direction flow control window: how many
	// octets of DATA this connection may still write to the peer.
	window int64

	ctx *fasthttp.RequestCtx

	// recvWindow is how many octets of DATA this stream may still receive
	// before we must top it back up with a WINDOW_UPDATE on its id.
	recvWindow int64

	// pushQueue accumulates the requests this stream's handler queued
	// through its PushHandle while it ran. Drained by announcePushes right
	// after the handler returns, before this stream's own response is sent.
	pushQueue []*PushRequest
}

var streamPool = sync.Pool{
	New: func() interface{} { return &Stream{} },
}

// NewStream acquires a pooled Stream for id with an initial send window of
// window octets and an initial receive window of recvWindow octets.
func NewStream(id uint32, window, recvWindow int32) *Stream {
	strm := streamPool.Get().(*Stream)
	strm.id = id
	strm.state = StreamStateIdle
	strm.closeReason = closeReasonNone
	strm.headerListSize = 0
	strm.window = int64(window)
	strm.recvWindow = int64(recvWindow)
	return strm
}

// ReleaseStream resets strm and returns it to the pool. Callers must not use
// strm after calling this.
func ReleaseStream(strm *Stream) {
	strm.Reset()
	streamPool.Put(strm)
}

func (strm *Stream) Reset() {
	strm.id = 0
	strm.state = StreamStateIdle
	strm.closeReason = closeReasonNone
	strm.origType = 0
	strm.startedAt = time.Time{}
	strm.headersFinished = false
	strm.previousHeaderBytes = strm.previousHeaderBytes[:0]
	strm.headerBlockNum = 0
	strm.headerListSize = 0
	strm.scheme = strm.scheme[:0]
	strm.window = 0
	strm.recvWindow = 0
	strm.ctx = nil
	strm.pushQueue = nil
}

func (strm *Stream) ID() uint32 { return strm.id }

func (strm *Stream) State() StreamState { return strm.state }

func (strm *Stream) SetState(state StreamState) { strm.state = state }

// SetClosed moves strm to StreamStateClosed, recording why so a later
// RST_STREAM on this id can be classified correctly.
func (strm *Stream) SetClosed(reason closeReason) {
	strm.state = StreamStateClosed
	strm.closeReason = reason
}

// CloseReason reports why strm closed. Only meaningful once State() is
// StreamStateClosed.
func (strm *Stream) CloseReason() closeReason { return strm.closeReason }

func (strm *Stream) Window() int64 { return atomic.LoadInt64(&strm.window) }

func (strm *Stream) SetWindow(w int64) { atomic.StoreInt64(&strm.window, w) }

func (strm *Stream) Data() interface{} { return strm.ctx }

func (strm *Stream) SetData(ctx *fasthttp.RequestCtx) { strm.ctx = ctx }

// IsPushed reports whether this stream was created by this connection via
// PUSH_PROMISE, as opposed to a client-initiated request.
func (strm *Stream) IsPushed() bool {
	return strm.origType == FramePushPromise
}

// Streams is the set of streams currently tracked by a connection, kept
// sorted by id to support the idle-stream-closing rule of RFC 7540 5.1.1
// with a binary search.
type Streams []*Stream

// Search returns the stream with the given id, or nil.
func (s Streams) Search(id uint32) *Stream {
	i := sort.Search(len(s), func(i int) bool { return s[i].id >= id })
	if i < len(s) && s[i].id == id {
		return s[i]
	}
	return nil
}

// Insert adds strm, keeping the slice sorted by id.
func (s Streams) Insert(strm *Stream) Streams {
	i := sort.Search(len(s), func(i int) bool { return s[i].id >= strm.id })
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = strm
	return s
}

// Del removes the stream with the given id, if present.
func (s Streams) Del(id uint32) Streams {
	i := sort.Search(len(s), func(i int) bool { return s[i].id >= id })
	if i < len(s) && s[i].id == id {
		s = append(s[:i], s[i+1:]...)
	}
	return s
}

// GetFirstOf returns the first (lowest id) stream whose origType is kind.
func (s Streams) GetFirstOf(kind FrameType) *Stream {
	for _, strm := range s {
		if strm.origType == kind {
			return strm
		}
	}
	return nil
}

// getPrevious returns the highest-id stream of the given origType excluding
// the very last one inserted, used to confirm the previous stream finished
// its header block before a new HEADERS frame is allowed to start another.
func (s Streams) getPrevious(kind FrameType) *Stream {
	var prev *Stream
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].origType == kind {
			if prev != nil {
				return s[i]
			}
			prev = s[i]
		}
	}
	return nil
}
