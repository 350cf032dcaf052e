package http2

import (
	"github.com/halvard/h2engine/http2utils"
)

const FramePushPromise FrameType = 0x5

var _ Frame = &PushPromise{}

// PushPromise https://tools.ietf.org/html/rfc7540#section-6.6
type PushPromise struct {
	pad    bool
	ended  bool
	stream uint32
	header []byte // header block fragment
}

func (pp *PushPromise) Type() FrameType {
	return FramePushPromise
}

func (pp *PushPromise) Reset() {
	pp.pad = false
	pp.ended = false
	pp.stream = 0
	pp.header = pp.header[:0]
}

func (pp *PushPromise) SetHeader(h []byte) {
	pp.header = append(pp.header[:0], h...)
}

// Header returns the header block fragment carried by this frame.
func (pp *PushPromise) Header() []byte {
	return pp.header
}

// Stream returns the promised stream id.
func (pp *PushPromise) Stream() uint32 {
	return pp.stream
}

// SetStream sets the promised stream id.
func (pp *PushPromise) SetStream(stream uint32) {
	pp.stream = stream & (1<<31 - 1)
}

// EndHeaders reports whether this is the final frame of the header block.
func (pp *PushPromise) EndHeaders() bool {
	return pp.ended
}

// SetEndHeaders marks this frame as the final frame of the header block.
func (pp *PushPromise) SetEndHeaders(b bool) {
	pp.ended = b
}

// Padding reports whether this frame should be (or was) padded.
func (pp *PushPromise) Padding() bool {
	return pp.pad
}

// SetPadding toggles padding for this frame.
func (pp *PushPromise) SetPadding(b bool) {
	pp.pad = b
}

// AppendHeaderField encodes hf with hp and appends it to the frame's header
// block fragment, mirroring Headers.AppendHeaderField for the PUSH_PROMISE
// pseudo-header set.
func (pp *PushPromise) AppendHeaderField(hp *HPACK, hf *HeaderField, store bool) {
	pp.header = hp.AppendHeader(pp.header, hf, store)
}

func (pp *PushPromise) Write(b []byte) (int, error) {
	n := len(b)
	pp.header = append(pp.header, b...)
	return n, nil
}

func (pp *PushPromise) Deserialize(fr *FrameHeader) error {
	payload := fr.payload

	if fr.Flags().Has(FlagPadded) {
		var err error
		payload, err = http2utils.CutPadding(payload, fr.Len())
		if err != nil {
			return err
		}
	}

	if len(payload) < 4 {
		return ErrMissingBytes
	}

	pp.stream = http2utils.BytesToUint32(payload) & (1<<31 - 1)
	pp.header = append(pp.header, payload[4:]...)
	pp.ended = fr.Flags().Has(FlagEndHeaders)

	return nil
}

func (pp *PushPromise) Serialize(fr *FrameHeader) {
	if pp.ended {
		fr.SetFlags(fr.Flags().Add(FlagEndHeaders))
	}

	payload := fr.payload[:0]

	var buf [4]byte
	http2utils.Uint32ToBytes(buf[:], pp.stream&(1<<31-1))
	payload = append(payload, buf[:]...)
	payload = append(payload, pp.header...)

	if pp.pad {
		fr.SetFlags(fr.Flags().Add(FlagPadded))
		payload = http2utils.AddPadding(payload)
	}

	fr.payload = payload
}
