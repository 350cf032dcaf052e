package http2

import "bufio"

// http2Preface is the 24-octet client connection preface that must precede
// the client's first SETTINGS frame.
//
// https://tools.ietf.org/html/rfc7540#section-3.5
var http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// ReadPreface consumes the client connection preface from br, returning
// ErrBadPreface if the bytes read don't match.
func ReadPreface(br *bufio.Reader) error {
	b, err := br.Peek(len(http2Preface))
	if err != nil {
		return err
	}

	for i := range http2Preface {
		if b[i] != http2Preface[i] {
			return ErrBadPreface
		}
	}

	br.Discard(len(http2Preface))

	return nil
}

// WritePreface writes the client connection preface to bw. Only used when
// this engine dials out, which isn't part of its supported role, but kept
// symmetric with ReadPreface for Handshake's benefit.
func WritePreface(bw *bufio.Writer) error {
	_, err := bw.Write(http2Preface)
	return err
}

// Handshake writes the local endpoint's initial SETTINGS frame (optionally
// preceded by the connection preface, for the client role) followed by a
// connection-level WINDOW_UPDATE raising the receive window by maxWin, then
// flushes both.
//
// https://tools.ietf.org/html/rfc7540#section-3.5
func Handshake(preface bool, bw *bufio.Writer, st *Settings, maxWin int32) error {
	if preface {
		if err := WritePreface(bw); err != nil {
			return err
		}
	}

	settingsFr := AcquireFrameHeader()
	defer ReleaseFrameHeader(settingsFr)

	st2 := AcquireFrame(FrameSettings).(*Settings)
	st.CopyTo(st2)

	settingsFr.SetBody(st2)

	if _, err := settingsFr.WriteTo(bw); err != nil {
		return err
	}

	windowFr := AcquireFrameHeader()
	defer ReleaseFrameHeader(windowFr)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(int(maxWin))

	windowFr.SetBody(wu)

	if _, err := windowFr.WriteTo(bw); err != nil {
		return err
	}

	return bw.Flush()
}
