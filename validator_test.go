package http2

import "testing"

func headerFrame(stream uint32, endHeaders bool) *FrameHeader {
	fr := AcquireFrameHeader()
	fr.SetStream(stream)
	h := AcquireFrame(FrameHeaders).(*Headers)
	h.SetEndHeaders(endHeaders)
	fr.SetBody(h)
	if endHeaders {
		fr.SetFlags(FlagEndHeaders)
	}
	return fr
}

func continuationFrame(stream uint32, endHeaders bool) *FrameHeader {
	fr := AcquireFrameHeader()
	fr.SetStream(stream)
	c := AcquireFrame(FrameContinuation).(*Continuation)
	c.SetEndHeaders(endHeaders)
	fr.SetBody(c)
	if endHeaders {
		fr.SetFlags(FlagEndHeaders)
	}
	return fr
}

func dataFrame(stream uint32) *FrameHeader {
	fr := AcquireFrameHeader()
	fr.SetStream(stream)
	d := AcquireFrame(FrameData).(*Data)
	fr.SetBody(d)
	return fr
}

func TestFrameSequenceValidatorAllowsSplitHeaderBlock(t *testing.T) {
	v := &frameSequenceValidator{}

	frames := []*FrameHeader{
		headerFrame(1, false),
		continuationFrame(1, false),
		continuationFrame(1, true),
	}
	for _, fr := range frames {
		if err := v.Validate(fr); err != nil {
			t.Fatalf("unexpected error for %s: %s", fr.Type(), err)
		}
		ReleaseFrameHeader(fr)
	}

	if v.state != allowAnyFrame {
		t.Fatalf("expected allowAnyFrame after END_HEADERS, got state %d", v.state)
	}

	// the header block is finished, so any frame type is legal again.
	d := dataFrame(1)
	defer ReleaseFrameHeader(d)
	if err := v.Validate(d); err != nil {
		t.Fatalf("unexpected error for trailing DATA: %s", err)
	}
}

func TestFrameSequenceValidatorRejectsInterleavedFrame(t *testing.T) {
	v := &frameSequenceValidator{}

	h := headerFrame(1, false)
	defer ReleaseFrameHeader(h)
	if err := v.Validate(h); err != nil {
		t.Fatalf("unexpected error for HEADERS: %s", err)
	}

	d := dataFrame(3)
	defer ReleaseFrameHeader(d)
	if err := v.Validate(d); err == nil {
		t.Fatal("expected error for a frame interleaved mid header-block")
	}
}

func TestFrameSequenceValidatorRejectsContinuationOnWrongStream(t *testing.T) {
	v := &frameSequenceValidator{}

	h := headerFrame(1, false)
	defer ReleaseFrameHeader(h)
	if err := v.Validate(h); err != nil {
		t.Fatalf("unexpected error for HEADERS: %s", err)
	}

	c := continuationFrame(3, true)
	defer ReleaseFrameHeader(c)
	if err := v.Validate(c); err == nil {
		t.Fatal("expected error for CONTINUATION on a different stream")
	}
}

func TestFrameSequenceValidatorAllowsUnrelatedFramesBetweenBlocks(t *testing.T) {
	v := &frameSequenceValidator{}

	h := headerFrame(1, true)
	defer ReleaseFrameHeader(h)
	if err := v.Validate(h); err != nil {
		t.Fatalf("unexpected error for HEADERS: %s", err)
	}

	d := dataFrame(5)
	defer ReleaseFrameHeader(d)
	if err := v.Validate(d); err != nil {
		t.Fatalf("unexpected error for unrelated DATA once block finished: %s", err)
	}
}
