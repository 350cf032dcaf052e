package http2

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// testClient drives the client side of a connection against a *Server
// started over an in-memory listener: it owns the preface/SETTINGS
// handshake and raw frame I/O so tests can assert on wire-level behaviour
// without a real HTTP/2 client stack.
type testClient struct {
	t  *testing.T
	c  net.Conn
	br *bufio.Reader
	bw *bufio.Writer
	hp *HPACK
}

func newTestClient(t *testing.T, h fasthttp.RequestHandler, cnf ServerConfig) (*testClient, func()) {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	s := ConfigureServer(&fasthttp.Server{Handler: h}, cnf)

	go func() { _ = s.Serve(ln) }()

	c, err := ln.Dial()
	if err != nil {
		t.Fatalf("dial: %s", err)
	}

	tc := &testClient{
		t:  t,
		c:  c,
		br: bufio.NewReader(c),
		bw: bufio.NewWriter(c),
		hp: AcquireHPACK(),
	}

	if err := WritePreface(tc.bw); err != nil {
		t.Fatalf("write preface: %s", err)
	}

	st := AcquireSettings()
	defer ReleaseSettings(st)

	if err := Handshake(false, tc.bw, st, 1<<20); err != nil {
		t.Fatalf("client handshake: %s", err)
	}

	return tc, func() {
		ReleaseHPACK(tc.hp)
		_ = ln.Close()
		_ = c.Close()
	}
}

func (tc *testClient) writeFrame(fr *FrameHeader) {
	tc.t.Helper()
	if _, err := fr.WriteTo(tc.bw); err != nil {
		tc.t.Fatalf("write frame: %s", err)
	}
	if err := tc.bw.Flush(); err != nil {
		tc.t.Fatalf("flush: %s", err)
	}
	ReleaseFrameHeader(fr)
}

// readFrame reads frames off the wire, silently consuming the server's own
// SETTINGS/SETTINGS-ACK/WINDOW_UPDATE handshake chatter, and returns the
// first frame of interest.
func (tc *testClient) readFrame() *FrameHeader {
	tc.t.Helper()

	for {
		fr, err := ReadFrameFromWithSize(tc.br, 0)
		if err != nil {
			tc.t.Fatalf("read frame: %s", err)
		}

		switch fr.Type() {
		case FrameSettings:
			if !fr.Body().(*Settings).IsAck() {
				ack := AcquireFrameHeader()
				st := AcquireFrame(FrameSettings).(*Settings)
				st.SetAck(true)
				ack.SetBody(st)
				tc.writeFrame(ack)
			}
			ReleaseFrameHeader(fr)
			continue
		case FrameWindowUpdate:
			ReleaseFrameHeader(fr)
			continue
		}

		return fr
	}
}

func (tc *testClient) sendRequest(id uint32, method, path string, extra map[string]string, body []byte) {
	tc.t.Helper()

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	h := AcquireFrame(FrameHeaders).(*Headers)
	h.SetStream(id)
	h.SetEndHeaders(true)
	h.SetEndStream(len(body) == 0)

	hf.Set(":method", method)
	h.AppendHeaderField(tc.hp, hf, false)
	hf.Set(":path", path)
	h.AppendHeaderField(tc.hp, hf, false)
	hf.Set(":scheme", "https")
	h.AppendHeaderField(tc.hp, hf, false)
	hf.Set(":authority", "example.com")
	h.AppendHeaderField(tc.hp, hf, false)

	for k, v := range extra {
		hf.Set(k, v)
		h.AppendHeaderField(tc.hp, hf, false)
	}

	frh := AcquireFrameHeader()
	frh.SetStream(id)
	frh.SetBody(h)
	tc.writeFrame(frh)

	if len(body) > 0 {
		d := AcquireFrame(FrameData).(*Data)
		d.SetData(body)
		d.SetEndStream(true)

		dfr := AcquireFrameHeader()
		dfr.SetStream(id)
		dfr.SetBody(d)
		tc.writeFrame(dfr)
	}
}

func TestServeConnRoundTrip(t *testing.T) {
	handler := func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/hello" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("text/plain")
		_, _ = io.WriteString(ctx, "world")
	}

	tc, closeAll := newTestClient(t, handler, ServerConfig{})
	defer closeAll()

	tc.sendRequest(1, "GET", "/hello", nil, nil)

	hfr := tc.readFrame()
	headers, ok := hfr.Body().(*Headers)
	if !ok {
		t.Fatalf("expected HEADERS frame, got %T", hfr.Body())
	}
	if hfr.Stream() != 1 {
		t.Fatalf("expected stream 1, got %d", hfr.Stream())
	}

	fields, err := unpackAll(headers.Headers())
	if err != nil {
		t.Fatalf("unpack response headers: %s", err)
	}

	status := ""
	for _, f := range fields {
		if f.Key() == ":status" {
			status = f.Value()
		}
	}
	if status != "200" {
		t.Fatalf("expected :status 200, got %q", status)
	}
	endStream := headers.EndStream()
	ReleaseFrameHeader(hfr)

	if !endStream {
		dfr := tc.readFrame()
		data, ok := dfr.Body().(*Data)
		if !ok {
			t.Fatalf("expected DATA frame, got %T", dfr.Body())
		}
		if string(data.Data()) != "world" {
			t.Fatalf("expected body %q, got %q", "world", data.Data())
		}
		if !data.EndStream() {
			t.Fatalf("expected END_STREAM on final DATA frame")
		}
		ReleaseFrameHeader(dfr)
	}
}

func TestServeConnNotFound(t *testing.T) {
	handler := func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}

	tc, closeAll := newTestClient(t, handler, ServerConfig{MaxRequestTime: time.Second})
	defer closeAll()

	tc.sendRequest(1, "GET", "/missing", nil, nil)

	hfr := tc.readFrame()
	headers := hfr.Body().(*Headers)

	fields, err := unpackAll(headers.Headers())
	if err != nil {
		t.Fatalf("unpack response headers: %s", err)
	}

	status := ""
	for _, f := range fields {
		if f.Key() == ":status" {
			status = f.Value()
		}
	}
	if status != "404" {
		t.Fatalf("expected :status 404, got %q", status)
	}
	ReleaseFrameHeader(hfr)
}

// unpackAll decodes every header field in an encoded HPACK block with a
// fresh decoder, since the block was produced with an encoder whose dynamic
// table state this test doesn't need to mirror.
func unpackAll(block []byte) ([]*HeaderField, error) {
	dec := AcquireHPACK()
	defer ReleaseHPACK(dec)

	var fields []*HeaderField
	for len(block) > 0 {
		hf := AcquireHeaderField()
		rest, err := dec.Next(hf, block)
		if err != nil {
			ReleaseHeaderField(hf)
			return nil, err
		}
		fields = append(fields, hf)
		block = rest
	}
	return fields, nil
}
