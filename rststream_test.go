package http2

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func sendReset(tc *testClient, id uint32, code ErrorCode) {
	tc.t.Helper()

	rst := AcquireFrame(FrameResetStream).(*RstStream)
	rst.SetCode(code)

	fr := AcquireFrameHeader()
	fr.SetStream(id)
	fr.SetBody(rst)

	tc.writeFrame(fr)
}

// TestRepeatedResetStreamIsProtocolError confirms that once a stream has
// been reset by the client, a second RST_STREAM on the same id is treated
// as a connection error rather than silently ignored, guarding against a
// client stuck resending it.
func TestRepeatedResetStreamIsProtocolError(t *testing.T) {
	handler := func(ctx *fasthttp.RequestCtx) {}

	tc, closeAll := newTestClient(t, handler, ServerConfig{})
	defer closeAll()

	// open the stream without ending it, so the first RST_STREAM is the
	// only thing that closes it.
	hf := AcquireHeaderField()
	h := AcquireFrame(FrameHeaders).(*Headers)
	h.SetEndHeaders(true)
	h.SetEndStream(false)
	hf.Set(":method", "GET")
	h.AppendHeaderField(tc.hp, hf, false)
	hf.Set(":path", "/foo")
	h.AppendHeaderField(tc.hp, hf, false)
	hf.Set(":scheme", "https")
	h.AppendHeaderField(tc.hp, hf, false)
	hf.Set(":authority", "example.com")
	h.AppendHeaderField(tc.hp, hf, false)
	ReleaseHeaderField(hf)

	hfr := AcquireFrameHeader()
	hfr.SetStream(1)
	hfr.SetBody(h)
	tc.writeFrame(hfr)

	sendReset(tc, 1, CancelError)
	sendReset(tc, 1, CancelError)

	fr := tc.readFrame()
	defer ReleaseFrameHeader(fr)

	if fr.Type() != FrameGoAway {
		t.Fatalf("expected GOAWAY, got %s", fr.Type())
	}

	ga := fr.Body().(*GoAway)
	if ga.Code() != ProtocolError {
		t.Fatalf("expected ProtocolError, got %s", ga.Code())
	}
}
