package http2

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

type connState int32

const (
	connStateOpen connState = iota
	connStateClosed
)

type serverConn struct {
	c net.Conn
	h fasthttp.RequestHandler

	br *bufio.Reader
	bw *bufio.Writer

	enc HPACK
	dec HPACK

	// last valid ID used as a reference for new IDs
	lastID uint32

	// client's window
	// should be int64 because the user can try to overflow it
	clientWindow int64

	// our values
	maxWindow int32

	// recvWindow is how many octets of connection-level DATA the peer may
	// still send us before we must top it back up with a WINDOW_UPDATE on
	// stream 0.
	recvWindow int64

	// validator enforces that a HEADERS/PUSH_PROMISE without END_HEADERS is
	// followed only by CONTINUATION frames for the same stream, across the
	// whole connection (RFC 7540 section 6.10).
	validator frameSequenceValidator

	// blocker holds DATA payloads that couldn't be written yet because the
	// connection or stream send window was exhausted.
	blocker *streamBlocker

	// settingsOutstanding is non-zero between sending a non-ACK SETTINGS
	// frame and receiving its acknowledgement. An unexpected SETTINGS ACK
	// (none outstanding) is a connection error.
	settingsOutstanding int32

	writer chan *FrameHeader
	reader chan *FrameHeader

	state connState
	// nextPushID is the next even stream id this connection will reserve
	// for a server push, per RFC 7540 5.1.1 (locally-initiated streams are
	// even-numbered). Only ever touched from the single handleStreams
	// goroutine, so it needs no synchronization.
	nextPushID uint32

	// closeRef stores the last stream that was valid before sending a GOAWAY.
	// Thus, the number stored in closeRef is used to complete all the requests that were sent before
	// to gracefully close the connection with a GOAWAY.
	closeRef uint32

	// maxRequestTime is the max time of a request over one single stream
	maxRequestTime time.Duration
	pingInterval   time.Duration
	// maxIdleTime is the max time a client can be connected without sending any REQUEST.
	// As highlighted, PING/PONG frames are completely excluded.
	//
	// Therefore, a client that didn't send a request for more than `maxIdleTime` will see it's connection closed.
	maxIdleTime time.Duration

	st      Settings
	clientS Settings

	// pingTimer
	pingTimer       *time.Timer
	maxRequestTimer *time.Timer
	maxIdleTimer    *time.Timer

	closer chan struct{}

	debug  bool
	logger fasthttp.Logger
}

func (sc *serverConn) closeIdleConn() {
	sc.writeGoAway(0, NoError, "connection has been idle for a long time")
	if sc.debug {
		sc.logger.Printf("Connection is idle. Closing\n")
	}
	close(sc.closer)
}

func (sc *serverConn) Handshake() error {
	atomic.StoreInt32(&sc.settingsOutstanding, 1)
	return Handshake(false, sc.bw, &sc.st, sc.maxWindow)
}

func (sc *serverConn) Serve() error {
	sc.closer = make(chan struct{}, 1)
	sc.maxRequestTimer = time.NewTimer(0)
	sc.clientWindow = int64(defaultWindowSize)
	sc.recvWindow = int64(sc.maxWindow)
	sc.blocker = newStreamBlocker()
	sc.nextPushID = 2

	if sc.maxIdleTime > 0 {
		sc.maxIdleTimer = time.AfterFunc(sc.maxIdleTime, sc.closeIdleConn)
	}

	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("Serve panicked: %s:\n%s\n", err, debug.Stack())
		}
	}()

	go func() {
		// defer closing the connection in the writeLoop in case the writeLoop panics
		defer func() {
			_ = sc.c.Close()
		}()

		sc.writeLoop()
	}()

	go func() {
		sc.handleStreams()
		// Fix #55: The pingTimer fired while we were closing the connection.
		if sc.pingTimer != nil {
			sc.pingTimer.Stop()
		}
		// close the writer here to ensure that no pending requests
		// are writing to a closed channel
		close(sc.writer)
	}()

	defer func() {
		// close the reader here so we can stop handling stream updates
		close(sc.reader)
	}()

	var err error

	// unset any deadline
	if err = sc.c.SetWriteDeadline(time.Time{}); err == nil {
		err = sc.c.SetReadDeadline(time.Time{})
	}
	if err != nil {
		return err
	}

	err = sc.readLoop()
	if errors.Is(err, io.EOF) {
		err = nil
	}

	sc.close()

	return err
}

func (sc *serverConn) close() {
	if sc.pingTimer != nil {
		sc.pingTimer.Stop()
	}

	if sc.maxIdleTimer != nil {
		sc.maxIdleTimer.Stop()
	}

	sc.maxRequestTimer.Stop()
}

func (sc *serverConn) handlePing(ping *Ping) {
	fr := AcquireFrameHeader()
	ping.SetAck(true)
	fr.SetBody(ping)

	sc.writer <- fr
}

func (sc *serverConn) writePing() {
	fr := AcquireFrameHeader()

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetCurrentTime()

	fr.SetBody(ping)

	sc.writer <- fr
}

func (sc *serverConn) checkFrameWithStream(fr *FrameHeader) error {
	if fr.Stream()&1 == 0 {
		return NewGoAwayError(ProtocolError, "invalid stream id")
	}

	switch fr.Type() {
	case FramePing:
		return NewGoAwayError(ProtocolError, "ping is carrying a stream id")
	case FramePushPromise:
		return NewGoAwayError(ProtocolError, "clients can't send push_promise frames")
	}

	return nil
}

func (sc *serverConn) readLoop() (err error) {
	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("readLoop panicked: %s\n%s\n", err, debug.Stack())
		}
	}()

	var fr *FrameHeader

	for err == nil {
		fr, err = ReadFrameFromWithSize(sc.br, sc.st.MaxFrameSize)
		if err != nil {
			if errors.Is(err, ErrUnknowFrameType) {
				err = nil
				continue
			}
			if errors.Is(err, ErrPayloadExceeds) {
				sc.writeGoAway(0, FrameSizeError, "FramePayloadLargerThanSettingsValue")
				break
			}
			if ce, ok := AsConnectionError(err); ok {
				sc.writeGoAway(0, ce.Code, ce.Name)
			}

			break
		}

		if verr := sc.validator.Validate(fr); verr != nil {
			sc.writeError(nil, verr)
			ReleaseFrameHeader(fr)
			continue
		}

		if fr.Stream() != 0 {
			err := sc.checkFrameWithStream(fr)
			if err != nil {
				sc.writeError(nil, err)
			} else {
				sc.reader <- fr
			}

			continue
		}

		// handle 'anonymous' frames (frames without stream_id)
		switch fr.Type() {
		case FrameSettings:
			st := fr.Body().(*Settings)
			if st.IsAck() {
				if !atomic.CompareAndSwapInt32(&sc.settingsOutstanding, 1, 0) {
					sc.writeGoAway(0, ProtocolError, "SettingsAckWithoutOutstandingSettings")
				}
				ReleaseFrameHeader(fr)
				continue
			}
			// forwarded so handleStreams can apply INITIAL_WINDOW_SIZE
			// changes to every live stream's send window.
			sc.reader <- fr
			continue
		case FrameWindowUpdate:
			win := int64(fr.Body().(*WindowUpdate).Increment())
			if win == 0 {
				sc.writeGoAway(0, ProtocolError, "ZeroWindowSizeIncrement")
				continue
			}

			if atomic.AddInt64(&sc.clientWindow, win) > 1<<31-1 {
				sc.writeGoAway(0, FlowControlError, "WindowUpdateWouldCauseSendWindowToExceedLimit")
			} else {
				sc.unblockConnection()
			}
		case FramePing:
			ping := fr.Body().(*Ping)
			if !ping.IsAck() {
				sc.handlePing(ping)
			}
		case FrameGoAway:
			ga := fr.Body().(*GoAway)
			if ga.Code() == NoError {
				err = io.EOF
			} else {
				err = fmt.Errorf("goaway: %s: %s", ga.Code(), ga.Data())
			}
		default:
			sc.writeGoAway(0, ProtocolError, "invalid frame")
		}

		ReleaseFrameHeader(fr)
	}

	return
}

// unblockConnection releases whatever DATA now fits after the connection
// send window grew, in the order streams were first blocked.
func (sc *serverConn) unblockConnection() {
	sc.blocker.UnblockAll(
		func(uint32) int64 { return atomic.LoadInt64(&sc.clientWindow) },
		func(id uint32, chunk []byte, end bool) {
			atomic.AddInt64(&sc.clientWindow, -int64(len(chunk)))
			sc.sendDataChunk(id, chunk, end)
		},
	)
}

// handleStreams handles everything related to the streams
// and the HPACK table is accessed synchronously.
func (sc *serverConn) handleStreams() {
	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("handleStreams panicked: %s\n%s\n", err, debug.Stack())
		}
	}()

	var strms Streams
	var reqTimerArmed bool
	var openStreams int

	closedStrms := make(map[uint32]closeReason)

	closeStream := func(strm *Stream) {
		if strm.origType == FrameHeaders {
			openStreams--
		}

		strmID := strm.ID()

		reason := strm.CloseReason()
		if reason == closeReasonNone {
			reason = closeReasonStreamEnded
		}
		closedStrms[strm.ID()] = reason
		strms = strms.Del(strm.ID())

		ctxPool.Put(strm.ctx)
		streamPool.Put(strm)

		if sc.debug {
			sc.logger.Printf("Stream destroyed %d. Open streams: %d\n", strmID, openStreams)
		}
	}

loop:
	for {
		select {
		case <-sc.closer:
			break loop
		case <-sc.maxRequestTimer.C:
			reqTimerArmed = false

			deleteUntil := 0
			for _, strm := range strms {
				// the request is due if the startedAt time + maxRequestTime is in the past
				isDue := time.Now().After(
					strm.startedAt.Add(sc.maxRequestTime))
				if !isDue {
					break
				}

				deleteUntil++
			}

			for deleteUntil > 0 {
				strm := strms[0]

				if sc.debug {
					sc.logger.Printf("Stream timed out: %d\n", strm.ID())
				}
				sc.writeReset(strm.ID(), StreamCanceled)

				// set the state to closed in case it comes back to life later
				strm.SetClosed(closeReasonResetLocal)
				closeStream(strm)

				deleteUntil--
			}

			if len(strms) != 0 && sc.maxRequestTime > 0 {
				// the first in the stream list might have started with a PushPromise
				strm := strms.GetFirstOf(FrameHeaders)
				if strm != nil {
					reqTimerArmed = true
					// try to arm the timer
					when := strm.startedAt.Add(sc.maxRequestTime).Sub(time.Now())
					// if the time is negative or zero it triggers imm
					sc.maxRequestTimer.Reset(when)

					if sc.debug {
						sc.logger.Printf("Next request will timeout in %f seconds\n", when.Seconds())
					}
				}
			}
		case fr, ok := <-sc.reader:
			if !ok {
				return
			}

			if fr.Stream() == 0 {
				sc.handleConnectionFrame(fr, strms)
				ReleaseFrameHeader(fr)
				continue
			}

			isClosing := atomic.LoadInt32((*int32)(&sc.state)) == int32(connStateClosed)

			var strm *Stream
			if fr.Stream() <= sc.lastID {
				strm = strms.Search(fr.Stream())
			}

			if strm == nil {
				// if the stream doesn't exist, create it

				if fr.Type() == FrameResetStream {
					reason, ok := closedStrms[fr.Stream()]
					switch {
					case !ok:
						// only send go away on idle stream not on an already-closed stream
						sc.writeGoAway(fr.Stream(), ProtocolError, "RST_STREAM on idle stream")
					case reason == closeReasonResetRemote:
						// the client already reset this stream once; treat a
						// second RST_STREAM on the same id as a client stuck
						// resending it rather than a legitimate retry.
						sc.writeGoAway(fr.Stream(), ProtocolError, "RST_STREAM on already-reset stream")
					}

					continue
				}

				if _, ok := closedStrms[fr.Stream()]; ok {
					if fr.Type() != FramePriority && fr.Type() != FrameWindowUpdate {
						sc.writeGoAway(fr.Stream(), StreamClosedError, "frame on closed stream")
					}

					continue
				}

				// if the client has more open streams than the maximum allowed OR
				//   the connection is closing, then refuse the stream
				if openStreams >= int(sc.st.MaxConcurrentStreams) || isClosing {
					if sc.debug {
						if isClosing {
							sc.logger.Printf("Closing the connection. Rejecting stream %d\n", fr.Stream())
						} else {
							sc.logger.Printf("Max open streams reached: %d >= %d\n",
								openStreams, sc.st.MaxConcurrentStreams)
						}
					}

					sc.writeReset(fr.Stream(), RefusedStreamError)

					continue
				}

				if fr.Stream() < sc.lastID {
					sc.writeGoAway(fr.Stream(), ProtocolError, "stream ID is lower than the latest")
					continue
				}

				strm = NewStream(fr.Stream(), int32(sc.clientS.InitialWindowSize), int32(sc.st.InitialWindowSize))
				strms = append(strms, strm)

				// RFC(5.1.1):
				//
				// The identifier of a newly established stream MUST be numerically
				// greater than all streams that the initiating endpoint has opened
				// or reserved. This governs streams that are opened using a
				// HEADERS frame and streams that are reserved using PUSH_PROMISE.
				if fr.Type() == FrameHeaders {
					openStreams++
					sc.lastID = fr.Stream()
				}

				sc.createStream(sc.c, fr.Type(), strm)

				if sc.debug {
					sc.logger.Printf("Stream %d created. Open streams: %d\n", strm.ID(), openStreams)
				}

				if !reqTimerArmed && sc.maxRequestTime > 0 {
					reqTimerArmed = true
					sc.maxRequestTimer.Reset(sc.maxRequestTime)

					if sc.debug {
						sc.logger.Printf("Next request will timeout in %f seconds\n", sc.maxRequestTime.Seconds())
					}
				}
			}

			// if we have more than one stream (this one newly created) check if the previous finished sending the headers
			if fr.Type() == FrameHeaders {
				nstrm := strms.getPrevious(FrameHeaders)
				if nstrm != nil && !nstrm.headersFinished {
					sc.writeError(nstrm, NewGoAwayError(ProtocolError, "previous stream headers not ended"))
					continue
				}

				for len(strms) != 0 {
					nstrm := strms[0]
					// RFC(5.1.1):
					//
					// The first use of a new stream identifier implicitly
					// closes all streams in the "idle" state that might
					// have been initiated by that peer with a lower-valued stream identifier
					if nstrm.ID() < strm.ID() &&
						nstrm.State() == StreamStateIdle &&
						nstrm.origType == FrameHeaders {

						nstrm.SetClosed(closeReasonResetLocal)
						closeStream(nstrm)

						if sc.debug {
							sc.logger.Printf("Cancelling stream in idle state: %d\n", nstrm.ID())
						}

						sc.writeReset(nstrm.ID(), StreamCanceled)

						continue
					}

					break
				}

				if sc.maxIdleTimer != nil {
					sc.maxIdleTimer.Reset(sc.maxIdleTime)
				}
			}

			if err := sc.handleFrame(strm, fr); err != nil {
				sc.writeError(strm, err)
				strm.SetClosed(closeReasonResetLocal)
			}

			handleState(fr, strm)

			switch strm.State() {
			case StreamStateHalfClosed:
				strm.SetClosed(closeReasonStreamEnded)
				sc.handleEndRequest(strm, closedStrms)
				// we fallthrough because once we send the response
				// the stream is already consumed and thus finished
				fallthrough
			case StreamStateClosed:
				closeStream(strm)
			}

			if isClosing {
				ref := atomic.LoadUint32(&sc.closeRef)
				// if there's no reference, then just close the connection
				if ref == 0 {
					break
				}

				// if we have a ref, then check that all streams previous to that ref are closed
				for _, strm := range strms {
					// if the stream is here, then it's not closed yet
					if strm.origType == FrameHeaders && strm.ID() <= ref {
						continue loop
					}
				}

				break loop
			}
		}
	}
}

func (sc *serverConn) writeReset(strm uint32, code ErrorCode) {
	r := AcquireFrame(FrameResetStream).(*RstStream)

	fr := AcquireFrameHeader()
	fr.SetStream(strm)
	fr.SetBody(r)

	r.SetCode(code)

	sc.writer <- fr

	if sc.debug {
		sc.logger.Printf(
			"%s: Reset(stream=%d, code=%s)\n",
			sc.c.RemoteAddr(), strm, code,
		)
	}
}

func (sc *serverConn) writeGoAway(strm uint32, code ErrorCode, message string) {
	ga := AcquireFrame(FrameGoAway).(*GoAway)

	fr := AcquireFrameHeader()

	ga.SetStream(strm)
	ga.SetCode(code)
	ga.SetData([]byte(message))

	fr.SetBody(ga)

	sc.writer <- fr

	if strm != 0 {
		atomic.StoreUint32(&sc.closeRef, sc.lastID)
	}

	atomic.StoreInt32((*int32)(&sc.state), int32(connStateClosed))

	if sc.debug {
		sc.logger.Printf(
			"%s: GoAway(stream=%d, code=%s): %s\n",
			sc.c.RemoteAddr(), strm, code, message,
		)
	}
}

func (sc *serverConn) writeError(strm *Stream, err error) {
	if connErr, ok := AsConnectionError(err); ok {
		strmID := uint32(0)
		if strm != nil {
			strmID = strm.ID()
		}
		sc.writeGoAway(strmID, connErr.Code, connErr.Name)
		if strm != nil {
			strm.SetClosed(closeReasonResetLocal)
		}
		return
	}

	if strm == nil {
		sc.writeGoAway(0, InternalError, err.Error())
		return
	}

	if streamErr, ok := AsStreamError(err); ok {
		sc.writeReset(strm.ID(), streamErr.Code)
	} else {
		sc.writeReset(strm.ID(), InternalError)
	}

	strm.SetClosed(closeReasonResetLocal)
}

func handleState(fr *FrameHeader, strm *Stream) {
	if fr.Type() == FrameResetStream {
		strm.SetClosed(closeReasonResetRemote)
	}

	switch strm.State() {
	case StreamStateIdle:
		if fr.Type() == FrameHeaders {
			strm.SetState(StreamStateOpen)
			if fr.Flags().Has(FlagEndStream) {
				strm.SetState(StreamStateHalfClosed)
			}
		}
	case StreamStateReserved:
		// Reserved is only ever entered for a server-pushed stream, and
		// fulfillAnnouncedPush drives it straight through HalfClosed to
		// Closed before any client frame could legally reference its id, so
		// no inbound transition applies here.
	case StreamStateOpen:
		if fr.Flags().Has(FlagEndStream) {
			strm.SetState(StreamStateHalfClosed)
		} else if fr.Type() == FrameResetStream {
			strm.SetClosed(closeReasonResetRemote)
		}
	case StreamStateHalfClosed:
		// a stream can only go from HalfClosed to Closed if the client
		// sends a ResetStream frame.
		if fr.Type() == FrameResetStream {
			strm.SetClosed(closeReasonResetRemote)
		}
	case StreamStateClosed:
	}
}

var ctxPool = sync.Pool{
	New: func() interface{} {
		return &fasthttp.RequestCtx{}
	},
}

func (sc *serverConn) createStream(c net.Conn, frameType FrameType, strm *Stream) {
	ctx := ctxPool.Get().(*fasthttp.RequestCtx)
	ctx.Request.Reset()
	ctx.Response.Reset()
	ctx.ResetUserValues()

	ctx.Init2(c, sc.logger, false)

	strm.origType = frameType
	strm.startedAt = time.Now()
	strm.SetData(ctx)
}

func (sc *serverConn) handleFrame(strm *Stream, fr *FrameHeader) error {
	err := sc.verifyState(strm, fr)
	if err != nil {
		return err
	}

	switch fr.Type() {
	case FrameHeaders, FrameContinuation:
		if strm.State() >= StreamStateHalfClosed {
			return NewGoAwayError(ProtocolError, "received headers on a finished stream")
		}

		err = sc.handleHeaderFrame(strm, fr)
		if err != nil {
			return err
		}

		if fr.Flags().Has(FlagEndHeaders) {
			// headers are only finished if there's no previousHeaderBytes
			strm.headersFinished = len(strm.previousHeaderBytes) == 0
			if !strm.headersFinished {
				return NewGoAwayError(ProtocolError, "END_HEADERS received on an incomplete stream")
			}

			// calling req.URI() triggers a URL parsing, so because of that we need to delay the URL parsing.
			strm.ctx.Request.URI().SetSchemeBytes(strm.scheme)
		}
	case FrameData:
		if !strm.headersFinished {
			return NewGoAwayError(ProtocolError, "stream didn't end the headers")
		}

		if strm.State() >= StreamStateHalfClosed {
			return NewGoAwayError(StreamClosedError, "stream closed")
		}

		strm.ctx.Request.AppendBody(
			fr.Body().(*Data).Data())

		sc.replenishRecvWindow(strm, int64(fr.Len()))
	case FrameResetStream:
		if strm.State() == StreamStateIdle {
			return NewGoAwayError(ProtocolError, "RST_STREAM on idle stream")
		}
	case FramePriority:
		if strm.State() != StreamStateIdle && !strm.headersFinished {
			return NewGoAwayError(ProtocolError, "frame priority on an open stream")
		}

		if priorityFrame, ok := fr.Body().(*Priority); ok && priorityFrame.Stream() == strm.ID() {
			return NewGoAwayError(ProtocolError, "stream that depends on itself")
		}
	case FrameWindowUpdate:
		if strm.State() == StreamStateIdle {
			return NewGoAwayError(ProtocolError, "window update on idle stream")
		}

		win := int64(fr.Body().(*WindowUpdate).Increment())
		if win == 0 {
			return NewGoAwayError(ProtocolError, "window increment of 0")
		}

		if atomic.AddInt64(&strm.window, win) > 1<<31-1 {
			return NewResetStreamError(FlowControlError, "window is above limits")
		}

		sc.unblockStream(strm.ID(), &strm.window)
	default:
		return NewGoAwayError(ProtocolError, "invalid frame")
	}

	return err
}

func (sc *serverConn) handleHeaderFrame(strm *Stream, fr *FrameHeader) error {
	if strm.headersFinished && !fr.Flags().Has(FlagEndStream|FlagEndHeaders) {
		// TODO handle trailers
		return NewGoAwayError(ProtocolError, "stream not open")
	}

	if headerFrame, ok := fr.Body().(*Headers); ok && headerFrame.Stream() == strm.ID() {
		return NewGoAwayError(ProtocolError, "stream that depends on itself")
	}

	headerFrame := fr.Body().(FrameWithHeaders)

	strm.headerListSize += headerFrame.Len()
	if max := sc.st.MaxHeaderListSize; max != 0 && strm.headerListSize > int(max) {
		return NewResetStreamError(EnhanceYourCalm, "header list too large")
	}

	b := append(strm.previousHeaderBytes, headerFrame.Headers()...)
	hf := AcquireHeaderField()
	req := &strm.ctx.Request

	var err error

	strm.previousHeaderBytes = strm.previousHeaderBytes[:0]

	for len(b) > 0 {
		pb := b

		b, err = sc.dec.Next(hf, b)
		if err != nil {
			if errors.Is(err, ErrMissingBytes) {
				err = nil
				strm.previousHeaderBytes = append(strm.previousHeaderBytes, pb...)
			} else {
				err = NewGoAwayError(CompressionError, err.Error())
			}

			break
		}

		k, v := hf.KeyBytes(), hf.ValueBytes()
		if !hf.IsPseudo() &&
			!bytes.Equal(k, StringUserAgent) &&
			!bytes.Equal(k, StringContentType) {

			req.Header.AddBytesKV(k, v)
			continue
		}

		if hf.IsPseudo() {
			k = k[1:]
		}

		switch k[0] {
		case 'm': // method
			req.Header.SetMethodBytes(v)
		case 'p': // path
			req.Header.SetRequestURIBytes(v)
		case 's': // scheme
			if !bytes.Equal(k, StringScheme[1:]) {
				return NewGoAwayError(ProtocolError, "invalid pseudoheader")
			}

			strm.scheme = append(strm.scheme[:0], v...)
		case 'a': // authority
			req.Header.SetHostBytes(v)
			req.Header.AddBytesV("Host", v)
		case 'u': // user-agent
			req.Header.SetUserAgentBytes(v)
		case 'c': // content-type
			req.Header.SetContentTypeBytes(v)
		default:
			return NewGoAwayError(ProtocolError, fmt.Sprintf("unknown header field %s", k))
		}
	}

	strm.headerBlockNum++

	return err
}

func (sc *serverConn) verifyState(strm *Stream, fr *FrameHeader) error {
	switch strm.State() {
	case StreamStateIdle:
		if fr.Type() != FrameHeaders && fr.Type() != FramePriority {
			return NewGoAwayError(ProtocolError, "wrong frame on idle stream")
		}
	case StreamStateHalfClosed:
		if fr.Type() != FrameWindowUpdate && fr.Type() != FramePriority && fr.Type() != FrameResetStream {
			return NewResetStreamError(StreamClosedError, "wrong frame on half-closed stream")
		}
	case StreamStateClosed:
		if fr.Type() == FrameResetStream && strm.CloseReason() == closeReasonResetRemote {
			return NewGoAwayError(ProtocolError, "RST_STREAM on already-reset stream")
		}
	default:
	}

	return nil
}

// handleEndRequest dispatches the finished request to the handler, then
// writes its response. Any pushes the handler queued are announced with a
// PUSH_PROMISE before strm's own response frames go out, and fulfilled with
// their own response only afterward — see announcePushes/fulfillAnnouncedPush.
func (sc *serverConn) handleEndRequest(strm *Stream, closedStrms map[uint32]closeReason) {
	ctx := strm.ctx
	ctx.Request.Header.SetProtocolBytes(StringHTTP2)

	ph := &PushHandle{
		sc:      sc,
		strm:    strm,
		enabled: !strm.IsPushed() && !sc.clientS.DisablePush,
	}
	ctx.SetUserValue(pushHandleUserValueKey, ph)

	sc.h(ctx)

	announced := sc.announcePushes(strm)

	hasBody := ctx.Response.IsBodyStream() || len(ctx.Response.Body()) > 0

	fr := AcquireFrameHeader()
	fr.SetStream(strm.ID())

	h := AcquireFrame(FrameHeaders).(*Headers)
	h.SetEndHeaders(true)
	h.SetEndStream(!hasBody)

	fr.SetBody(h)

	fasthttpResponseHeaders(h, &sc.enc, &ctx.Response)

	sc.writer <- fr

	if hasBody {
		if ctx.Response.IsBodyStream() {
			streamWriter := acquireStreamWrite()
			streamWriter.strm = strm
			streamWriter.sc = sc
			streamWriter.size = int64(ctx.Response.Header.ContentLength())
			_ = ctx.Response.BodyWriteTo(streamWriter)
			releaseStreamWrite(streamWriter)
		} else {
			sc.writeData(strm, ctx.Response.Body())
		}
	}

	for _, pushed := range announced {
		sc.fulfillAnnouncedPush(pushed, closedStrms)
	}
}

var (
	copyBufPool = sync.Pool{
		New: func() interface{} {
			return make([]byte, 1<<14) // max frame size 16384
		},
	}
	streamWritePool = sync.Pool{
		New: func() interface{} {
			return &streamWrite{}
		},
	}
)

type streamWrite struct {
	size    int64
	written int64
	strm    *Stream
	sc      *serverConn
}

func acquireStreamWrite() *streamWrite {
	v := streamWritePool.Get()
	if v == nil {
		return &streamWrite{}
	}
	return v.(*streamWrite)
}

func releaseStreamWrite(streamWrite *streamWrite) {
	streamWrite.Reset()
	streamWritePool.Put(streamWrite)
}

func (s *streamWrite) Reset() {
	s.size = 0
	s.written = 0
	s.strm = nil
	s.sc = nil
}

func (s *streamWrite) Write(body []byte) (n int, err error) {
	if (s.size <= 0 && s.written > 0) || (s.size > 0 && s.written >= s.size) {
		return 0, errors.New("writer closed")
	}

	step := 1 << 14 // max frame size 16384

	n = len(body)
	s.written += int64(n)

	end := s.size < 0 || s.written >= s.size
	for i := 0; i < n; i += step {
		if i+step >= n {
			step = n - i
		}

		s.sc.admitData(s.strm, body[i:step+i], end && i+step == n)
	}

	return len(body), nil
}

func (s *streamWrite) ReadFrom(r io.Reader) (num int64, err error) {
	buf := copyBufPool.Get().([]byte)

	if s.size < 0 {
		lrSize := limitedReaderSize(r)
		if lrSize >= 0 {
			s.size = lrSize
		}
	}

	var n int
	for {
		n, err = r.Read(buf[0:])
		if n <= 0 && err == nil {
			err = errors.New("BUG: io.Reader returned 0, nil")
		}

		if err != nil {
			break
		}

		end := err != nil || (s.size >= 0 && num+int64(n) >= s.size)
		s.sc.admitData(s.strm, buf[:n], end)

		num += int64(n)
		if s.size >= 0 && num >= s.size {
			break
		}
	}

	copyBufPool.Put(buf)
	if errors.Is(err, io.EOF) {
		return num, nil
	}

	return num, err
}

func (sc *serverConn) writeData(strm *Stream, body []byte) {
	step := 1 << 14 // max frame size 16384

	if len(body) == 0 {
		sc.admitData(strm, body, true)
		return
	}

	for i := 0; i < len(body); i += step {
		if i+step >= len(body) {
			step = len(body) - i
		}

		sc.admitData(strm, body[i:step+i], i+step == len(body))
	}
}

// admitData reserves chunk's length from strm's window and the connection
// window before handing it to the writer, queuing it in sc.blocker instead
// when either is too small. Queued chunks are released by unblockStream and
// unblockConnection as WINDOW_UPDATE frames arrive.
//
// https://tools.ietf.org/html/rfc7540#section-6.9.1
func (sc *serverConn) admitData(strm *Stream, chunk []byte, end bool) {
	n := int64(len(chunk))

	for {
		w := atomic.LoadInt64(&strm.window)
		if n > w || sc.blocker.Pending(strm.ID()) {
			sc.blocker.Block(strm.ID(), chunk, end)
			return
		}
		if atomic.CompareAndSwapInt64(&strm.window, w, w-n) {
			break
		}
	}

	for {
		cw := atomic.LoadInt64(&sc.clientWindow)
		if n > cw {
			atomic.AddInt64(&strm.window, n)
			sc.blocker.Block(strm.ID(), chunk, end)
			return
		}
		if atomic.CompareAndSwapInt64(&sc.clientWindow, cw, cw-n) {
			break
		}
	}

	sc.sendDataChunk(strm.ID(), chunk, end)
}

// replenishRecvWindow accounts for n octets of DATA (including any padding)
// just received on strm and tops both its window and the connection window
// back up with WINDOW_UPDATE frames once they've drained past half of their
// configured size.
//
// https://tools.ietf.org/html/rfc7540#section-6.9
func (sc *serverConn) replenishRecvWindow(strm *Stream, n int64) {
	half := int64(sc.maxWindow) / 2

	if remaining := atomic.AddInt64(&strm.recvWindow, -n); remaining < half {
		increment := int64(sc.maxWindow) - remaining
		atomic.AddInt64(&strm.recvWindow, increment)
		sc.writeWindowUpdate(strm.ID(), increment)
	}

	if remaining := atomic.AddInt64(&sc.recvWindow, -n); remaining < half {
		increment := int64(sc.maxWindow) - remaining
		atomic.AddInt64(&sc.recvWindow, increment)
		sc.writeWindowUpdate(0, increment)
	}
}

func (sc *serverConn) writeWindowUpdate(streamID uint32, increment int64) {
	fr := AcquireFrameHeader()
	fr.SetStream(streamID)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(int(increment))

	fr.SetBody(wu)

	sc.writer <- fr
}

func (sc *serverConn) sendPingAndSchedule() {
	sc.writePing()

	sc.pingTimer.Reset(sc.pingInterval)
}

func (sc *serverConn) writeLoop() {
	if sc.pingInterval > 0 {
		sc.pingTimer = time.AfterFunc(sc.pingInterval, sc.sendPingAndSchedule)
	}

	buffered := 0

	for fr := range sc.writer {
		_, err := fr.WriteTo(sc.bw)
		if err == nil && (len(sc.writer) == 0 || buffered > 10) {
			err = sc.bw.Flush()
			buffered = 0
		} else if err == nil {
			buffered++
		}

		ReleaseFrameHeader(fr)

		if err != nil {
			sc.logger.Printf("ERROR: writeLoop: %s\n", err)
			// TODO: sc.writer.err <- err
			return
		}
	}
}

// handleConnectionFrame processes stream-id-0 frames that handleStreams
// forwarded because they need to see the live stream list: currently only
// non-ACK SETTINGS, whose INITIAL_WINDOW_SIZE change (RFC 7540 6.9.2) must be
// applied as a delta to every stream's send window, not the connection
// window.
func (sc *serverConn) handleConnectionFrame(fr *FrameHeader, strms Streams) {
	st, ok := fr.Body().(*Settings)
	if !ok {
		return
	}

	sc.handleSettings(st, strms)
}

func (sc *serverConn) handleSettings(st *Settings, strms Streams) {
	if sc.debug && len(st.unknownIDs) > 0 {
		sc.logger.Printf("Ignoring unknown SETTINGS ids: %v\n", st.unknownIDs)
	}

	oldInitialWindow := int64(sc.clientS.InitialWindowSize)
	st.CopyTo(&sc.clientS)
	sc.enc.SetMaxTableSize(sc.clientS.HeaderTableSize)

	delta := int64(sc.clientS.InitialWindowSize) - oldInitialWindow
	if delta != 0 {
		for _, strm := range strms {
			if atomic.AddInt64(&strm.window, delta) > 1<<31-1 {
				sc.writeError(strm, NewResetStreamError(FlowControlError, "window is above limits"))
				continue
			}
			sc.unblockStream(strm.ID(), &strm.window)
		}
	}

	fr2 := AcquireFrameHeader()

	stRes := AcquireFrame(FrameSettings).(*Settings)
	stRes.SetAck(true)

	fr2.SetBody(stRes)

	sc.writer <- fr2
}

// unblockStream releases queued DATA for streamID that now fits in window,
// deducting what it sends from both window and the connection send window.
func (sc *serverConn) unblockStream(streamID uint32, window *int64) {
	remaining := sc.blocker.Unblock(streamID, atomic.LoadInt64(window), func(chunk []byte, end bool) {
		atomic.AddInt64(&sc.clientWindow, -int64(len(chunk)))
		sc.sendDataChunk(streamID, chunk, end)
	})
	atomic.StoreInt64(window, remaining)
}

// sendDataChunk enqueues a single already-sized DATA frame for writing. It
// does not itself perform flow-control accounting; callers must have already
// reserved the window it consumes.
func (sc *serverConn) sendDataChunk(streamID uint32, body []byte, end bool) {
	fr := AcquireFrameHeader()
	fr.SetStream(streamID)

	data := AcquireFrame(FrameData).(*Data)
	data.SetEndStream(end)
	data.SetPadding(false)
	data.SetData(body)

	fr.SetBody(data)

	sc.writer <- fr
}

func fasthttpResponseHeaders(dst *Headers, hp *HPACK, res *fasthttp.Response) {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	hf.SetKeyBytes(StringStatus)
	hf.SetValue(
		strconv.FormatInt(
			int64(res.Header.StatusCode()), 10,
		),
	)

	dst.AppendHeaderField(hp, hf, true)

	if !res.IsBodyStream() {
		res.Header.SetContentLength(len(res.Body()))
	}
	// Remove the Connection field
	res.Header.Del("Connection")
	// Remove the Transfer-Encoding field
	res.Header.Del("Transfer-Encoding")

	res.Header.VisitAll(func(k, v []byte) {
		hf.SetBytes(ToLower(k), v)
		dst.AppendHeaderField(hp, hf, false)
	})
}

func limitedReaderSize(r io.Reader) int64 {
	lr, ok := r.(*io.LimitedReader)
	if !ok {
		return -1
	}
	return lr.N
}
