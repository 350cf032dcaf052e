package http2

import (
	"github.com/valyala/fasthttp"
)

// PushRequest is the minimal request description an application hands to
// PushHandle.Push: enough to both announce the promise on the initiating
// stream and synthesize the pushed request the handler will see.
//
// https://tools.ietf.org/html/rfc7540#section-8.2
type PushRequest struct {
	Method    string
	Path      string
	Scheme    string
	Authority string
	Header    map[string]string
}

// pushHandleUserValueKey is the fasthttp.RequestCtx user value key the
// connection stashes a request's *PushHandle under, the only channel the
// application boundary has back into the engine.
const pushHandleUserValueKey = "h2.pushHandle"

// PushHandle is attached to every request's *fasthttp.RequestCtx (reachable
// with PushHandleFromCtx) for the lifetime of a single handler invocation.
// Queued pushes are only honoured while that invocation is still running;
// the queue is drained the moment the handler returns.
type PushHandle struct {
	sc      *serverConn
	strm    *Stream
	enabled bool
}

// PushHandleFromCtx retrieves the PushHandle the engine attached to ctx, or
// nil if ctx isn't being served over this engine.
func PushHandleFromCtx(ctx *fasthttp.RequestCtx) *PushHandle {
	h, _ := ctx.UserValue(pushHandleUserValueKey).(*PushHandle)
	return h
}

// IsPushEnabled reports whether Push can succeed: the client must not have
// sent ENABLE_PUSH=0, and this request must not itself be a pushed one —
// RFC 7540 8.2 forbids promising from a promise, which would otherwise let
// a client-triggered chain of pushes recurse without bound.
func (ph *PushHandle) IsPushEnabled() bool {
	return ph.enabled
}

// Push queues req to be promised on the current stream and fulfilled right
// after the current response is sent. It returns ErrPushDisabled if
// IsPushEnabled is false, and ErrStreamsExhausted if the locally-initiated
// stream id space is exhausted.
func (ph *PushHandle) Push(req *PushRequest) error {
	if !ph.enabled {
		return ErrPushDisabled
	}
	if ph.sc.nextPushID >= maxWindowSize-1 {
		return ErrStreamsExhausted
	}

	ph.strm.pushQueue = append(ph.strm.pushQueue, req)
	return nil
}

// announcePushes sends a PUSH_PROMISE for every request strm's handler
// queued via its PushHandle during the call just made, clears the queue and
// returns the reserved streams those promises were made on. It must run
// before strm's own response is written: PUSH_PROMISE(s) on the initiating
// stream have to precede that stream's own HEADERS/DATA, which in turn
// precede the pushed streams' HEADERS/DATA.
func (sc *serverConn) announcePushes(strm *Stream) []*Stream {
	if len(strm.pushQueue) == 0 {
		return nil
	}

	queue := strm.pushQueue
	strm.pushQueue = nil

	announced := make([]*Stream, 0, len(queue))
	for _, req := range queue {
		announced = append(announced, sc.announcePush(strm, req))
	}
	return announced
}

// announcePush allocates a pushed stream id, sends its PUSH_PROMISE on
// initiator, and reserves the pushed stream. The stream's own response is
// produced later by fulfillAnnouncedPush, once initiator's response is on
// the wire.
func (sc *serverConn) announcePush(initiator *Stream, req *PushRequest) *Stream {
	id := sc.nextPushID
	sc.nextPushID += 2

	sc.sendPushPromise(initiator.ID(), id, req)

	pushed := NewStream(id, int32(sc.clientS.InitialWindowSize), sc.maxWindow)
	pushed.state = StreamStateReserved
	sc.createStream(sc.c, FramePushPromise, pushed)
	pushed.headersFinished = true
	populatePushRequest(&pushed.ctx.Request, req)

	return pushed
}

// fulfillAnnouncedPush drives pushed through the handler and writes its
// response, then retires it. Called after the stream that promised it has
// already had its own HEADERS/DATA written.
func (sc *serverConn) fulfillAnnouncedPush(pushed *Stream, closedStrms map[uint32]closeReason) {
	// ReservedLocal -> HalfClosedRemote happens the instant we'd otherwise
	// start reading a request the peer can never send; HalfClosedRemote ->
	// Closed once the synthetic response below has been fully enqueued.
	pushed.SetState(StreamStateHalfClosed)
	sc.handleEndRequest(pushed, closedStrms)
	pushed.SetClosed(closeReasonStreamEnded)

	closedStrms[pushed.ID()] = closeReasonStreamEnded
	ctxPool.Put(pushed.ctx)
	streamPool.Put(pushed)
}

func (sc *serverConn) sendPushPromise(initiatorID, promisedID uint32, req *PushRequest) {
	pp := AcquireFrame(FramePushPromise).(*PushPromise)
	pp.SetStream(promisedID)
	pp.SetEndHeaders(true)

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	method := req.Method
	if method == "" {
		method = "GET"
	}
	hf.SetKeyBytes(StringMethod)
	hf.SetValue(method)
	pp.AppendHeaderField(&sc.enc, hf, false)

	hf.SetKeyBytes(StringPath)
	hf.SetValue(req.Path)
	pp.AppendHeaderField(&sc.enc, hf, false)

	scheme := req.Scheme
	if scheme == "" {
		scheme = "https"
	}
	hf.SetKeyBytes(StringScheme)
	hf.SetValue(scheme)
	pp.AppendHeaderField(&sc.enc, hf, false)

	hf.SetKeyBytes(StringAuthority)
	hf.SetValue(req.Authority)
	pp.AppendHeaderField(&sc.enc, hf, false)

	for k, v := range req.Header {
		hf.SetKey(k)
		hf.SetValue(v)
		pp.AppendHeaderField(&sc.enc, hf, false)
	}

	fr := AcquireFrameHeader()
	fr.SetStream(initiatorID)
	fr.SetBody(pp)

	sc.writer <- fr
}

func populatePushRequest(req *fasthttp.Request, pr *PushRequest) {
	req.Reset()

	method := pr.Method
	if method == "" {
		method = "GET"
	}
	req.Header.SetMethod(method)
	req.Header.SetRequestURI(pr.Path)

	scheme := pr.Scheme
	if scheme == "" {
		scheme = "https"
	}
	req.URI().SetScheme(scheme)

	if pr.Authority != "" {
		req.Header.SetHost(pr.Authority)
		req.Header.Add("Host", pr.Authority)
	}
	req.Header.SetProtocolBytes(StringHTTP2)

	for k, v := range pr.Header {
		req.Header.Set(k, v)
	}
}
