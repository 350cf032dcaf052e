package http2

// frameValidatorState models which frames are legal to arrive next on the
// connection as a whole, as distinct from the per-stream state machine in
// stream.go: once a HEADERS or PUSH_PROMISE frame arrives without
// END_HEADERS, RFC 7540 section 6.10 requires the very next frame received
// on the connection to be a CONTINUATION for that same stream, and forbids
// interleaving any other frame — even one belonging to a different stream —
// in between.
type frameValidatorState uint8

const (
	allowAnyFrame frameValidatorState = iota
	allowOnlyContinuation
)

// frameSequenceValidator enforces that ordering rule across the connection's
// whole incoming frame stream. It holds no per-stream knowledge: the stream
// state machine and this validator check two independent invariants of the
// same frame.
type frameSequenceValidator struct {
	state           frameValidatorState
	continuationFor uint32
}

// Validate reports whether fr may legally appear next and advances the
// validator's state for the frame after it. A non-nil error is always fatal
// to the connection.
func (v *frameSequenceValidator) Validate(fr *FrameHeader) error {
	if v.state == allowOnlyContinuation {
		if fr.Type() != FrameContinuation || fr.Stream() != v.continuationFor {
			return NewConnectionError(ProtocolError, "UnexpectedContinuationFrame")
		}
	}

	switch fr.Type() {
	case FrameHeaders, FramePushPromise:
		if fr.Flags().Has(FlagEndHeaders) {
			v.state = allowAnyFrame
		} else {
			v.state = allowOnlyContinuation
			v.continuationFor = fr.Stream()
		}
	case FrameContinuation:
		if fr.Flags().Has(FlagEndHeaders) {
			v.state = allowAnyFrame
		}
	}

	return nil
}
