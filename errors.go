package http2

import (
	"errors"
	"fmt"
)

// ErrorCode is an HTTP/2 error code, as defined by RFC 7540 section 7.
//
// https://tools.ietf.org/html/rfc7540#section-7
type ErrorCode uint32

const (
	NoError              ErrorCode = 0x0
	ProtocolError        ErrorCode = 0x1
	InternalError        ErrorCode = 0x2
	FlowControlError     ErrorCode = 0x3
	SettingsTimeoutError ErrorCode = 0x4
	StreamClosedError    ErrorCode = 0x5
	FrameSizeError       ErrorCode = 0x6
	RefusedStreamError   ErrorCode = 0x7
	CancelError          ErrorCode = 0x8
	CompressionError     ErrorCode = 0x9
	ConnectError         ErrorCode = 0xa
	EnhanceYourCalm      ErrorCode = 0xb
	InadequateSecurity   ErrorCode = 0xc
	HTTP11Required       ErrorCode = 0xd
)

// StreamCanceled is used internally to mark streams torn down without a
// peer-supplied error code, e.g. idle timeout.
const StreamCanceled = CancelError

var errCodeNames = [...]string{
	"NO_ERROR", "PROTOCOL_ERROR", "INTERNAL_ERROR", "FLOW_CONTROL_ERROR",
	"SETTINGS_TIMEOUT", "STREAM_CLOSED", "FRAME_SIZE_ERROR", "REFUSED_STREAM",
	"CANCEL", "COMPRESSION_ERROR", "CONNECT_ERROR", "ENHANCE_YOUR_CALM",
	"INADEQUATE_SECURITY", "HTTP_1_1_REQUIRED",
}

func (c ErrorCode) String() string {
	if int(c) < len(errCodeNames) {
		return errCodeNames[c]
	}
	return fmt.Sprintf("UNKNOWN_ERROR(0x%x)", uint32(c))
}

// ConnectionError is fatal to the whole connection: the controller answers
// with GOAWAY carrying Code and stops processing further frames.
type ConnectionError struct {
	Code ErrorCode
	Name string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s (%s)", e.Code, e.Name)
}

// NewConnectionError builds a ConnectionError identified by a short name
// describing the condition (e.g. "UnexpectedContinuationFrame").
func NewConnectionError(code ErrorCode, name string) error {
	return &ConnectionError{Code: code, Name: name}
}

// StreamError is fatal to a single stream: the controller answers with
// RST_STREAM carrying Code on that stream and the connection continues.
type StreamError struct {
	StreamID uint32
	Code     ErrorCode
	Name     string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %d error: %s (%s)", e.StreamID, e.Code, e.Name)
}

// NewStreamError builds a StreamError for the given stream.
func NewStreamError(streamID uint32, code ErrorCode, name string) error {
	return &StreamError{StreamID: streamID, Code: code, Name: name}
}

// NewGoAwayError builds the ConnectionError that triggers a GOAWAY frame
// when returned from a connection-level operation.
func NewGoAwayError(code ErrorCode, name string) error {
	return NewConnectionError(code, name)
}

// NewResetStreamError builds the StreamError that triggers an RST_STREAM
// frame when returned from a stream-level operation. The caller dispatching
// the resulting RST_STREAM frame supplies the actual stream id directly
// (RstStream itself carries no stream id, only the enclosing FrameHeader
// does), so it's left zero here.
func NewResetStreamError(code ErrorCode, name string) error {
	return NewStreamError(0, code, name)
}

// AsConnectionError reports whether err (or something it wraps) is a
// *ConnectionError, returning it.
func AsConnectionError(err error) (*ConnectionError, bool) {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// AsStreamError reports whether err (or something it wraps) is a
// *StreamError, returning it.
func AsStreamError(err error) (*StreamError, bool) {
	var se *StreamError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Sentinel errors surfaced by the frame codec and HPACK primitives. These sit
// below the Connection/Stream error taxonomy: callers translate them into a
// ConnectionError (almost always FrameSizeError or ProtocolError) at the
// point they're observed.
var (
	ErrMissingBytes     = errors.New("http2: frame payload shorter than required")
	ErrUnknowFrameType  = errors.New("http2: unknown frame type")
	ErrZeroPayload      = errors.New("http2: frame payload is empty")
	ErrBadPreface       = errors.New("http2: invalid connection preface")
	ErrFrameMismatch    = errors.New("http2: frame type mismatch")
	ErrPayloadExceeds   = errors.New("http2: frame payload exceeds negotiated maximum size")
	ErrBitOverflow      = errors.New("http2: integer representation overflowed 63 bits")
	ErrHuffmanPadding   = errors.New("hpack: invalid huffman padding")
	ErrHuffmanEOS       = errors.New("hpack: huffman stream contains EOS symbol")
	ErrIndexOutOfRange  = errors.New("hpack: header field index out of range")
	ErrTableSizeTooBig  = errors.New("hpack: dynamic table size update exceeds negotiated limit")
	ErrServerSupport    = errors.New("http2: server does not support HTTP/2")
	ErrStreamsExhausted = errors.New("http2: locally-initiated stream id space exhausted")
	ErrPushDisabled     = errors.New("http2: push is disabled for this stream")
)
