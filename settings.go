package http2

import "sync"

const FrameSettings FrameType = 0x4

const (
	defaultHeaderTableSize   uint32 = 4096
	defaultConcurrentStreams uint32 = 100
	defaultWindowSize        uint32 = 1<<16 - 1
	defaultMaxFrameSize      uint32 = 1 << 14

	maxWindowSize = 1<<31 - 1
	maxFrameSize  = 1<<24 - 1
	minFrameSize  = 1 << 14
)

// Wire identifiers for SETTINGS parameters (RFC 7540 section 11.3). Named
// with a lowercase settingXxx prefix so they don't collide with the Settings
// struct's exported field names of the same concept.
const (
	settingHeaderTableSize      uint16 = 0x1
	settingEnablePush           uint16 = 0x2
	settingMaxConcurrentStreams uint16 = 0x3
	settingInitialWindowSize    uint16 = 0x4
	settingMaxFrameSize         uint16 = 0x5
	settingMaxHeaderListSize    uint16 = 0x6
)

// Settings holds the negotiated parameters one endpoint advertises to the
// other, per RFC 7540 section 6.5.2. A connection keeps two: one describing
// what the server allows the client to send it (st), and a copy of what the
// client most recently advertised (clientS).
type Settings struct {
	rawSettings []byte

	HeaderTableSize      uint32
	DisablePush          bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32

	ack bool

	// unknownIDs collects the parameter ids the last Decode call couldn't
	// recognize, so the caller can log them: RFC 7540 6.5.2 only requires
	// they be ignored, but silently dropping them makes a misbehaving peer
	// impossible to diagnose from the logs.
	unknownIDs []uint16
}

var settingsPool = sync.Pool{
	New: func() interface{} {
		st := &Settings{}
		st.Reset()
		return st
	},
}

// AcquireSettings returns a Settings from the pool with RFC 7540 defaults.
func AcquireSettings() *Settings {
	return settingsPool.Get().(*Settings)
}

// ReleaseSettings resets st and returns it to the pool.
func ReleaseSettings(st *Settings) {
	st.Reset()
	settingsPool.Put(st)
}

// Reset restores st to the RFC 7540 default parameter values.
func (st *Settings) Reset() {
	st.HeaderTableSize = defaultHeaderTableSize
	st.DisablePush = false
	st.MaxConcurrentStreams = defaultConcurrentStreams
	st.InitialWindowSize = defaultWindowSize
	st.MaxFrameSize = defaultMaxFrameSize
	st.MaxHeaderListSize = 0
	st.rawSettings = st.rawSettings[:0]
	st.ack = false
	st.unknownIDs = st.unknownIDs[:0]
}

// CopyTo copies every field of st into st2.
func (st *Settings) CopyTo(st2 *Settings) {
	st2.HeaderTableSize = st.HeaderTableSize
	st2.DisablePush = st.DisablePush
	st2.MaxConcurrentStreams = st.MaxConcurrentStreams
	st2.InitialWindowSize = st.InitialWindowSize
	st2.MaxFrameSize = st.MaxFrameSize
	st2.MaxHeaderListSize = st.MaxHeaderListSize
}

// IsAck reports whether this Settings instance represents an acknowledgement
// rather than a list of parameters to apply.
func (st *Settings) IsAck() bool { return st.ack }

// SetAck marks this Settings instance as an acknowledgement.
func (st *Settings) SetAck(ack bool) { st.ack = ack }

// MaxWindowSize returns the upper bound RFC 7540 6.9.1 places on any flow
// control window, regardless of what InitialWindowSize negotiates.
func (st *Settings) MaxWindowSize() uint32 { return maxWindowSize }

// Decode applies the wire-format parameter list in d (a sequence of 6-byte
// id/value pairs) onto st, overwriting only the parameters present.
func (st *Settings) Decode(d []byte) error {
	if len(d)%6 != 0 {
		return ErrMissingBytes
	}

	st.unknownIDs = st.unknownIDs[:0]

	for i := 0; i+6 <= len(d); i += 6 {
		id := uint16(d[i])<<8 | uint16(d[i+1])
		value := uint32(d[i+2])<<24 | uint32(d[i+3])<<16 | uint32(d[i+4])<<8 | uint32(d[i+5])

		switch id {
		case settingHeaderTableSize:
			st.HeaderTableSize = value
		case settingEnablePush:
			if value > 1 {
				return NewConnectionError(ProtocolError, "InvalidEnablePushValue")
			}
			st.DisablePush = value == 0
		case settingMaxConcurrentStreams:
			st.MaxConcurrentStreams = value
		case settingInitialWindowSize:
			if value > maxWindowSize {
				return NewConnectionError(FlowControlError, "InitialWindowSizeTooLarge")
			}
			st.InitialWindowSize = value
		case settingMaxFrameSize:
			if value < minFrameSize || value > maxFrameSize {
				return NewConnectionError(ProtocolError, "MaxFrameSizeOutOfRange")
			}
			st.MaxFrameSize = value
		case settingMaxHeaderListSize:
			st.MaxHeaderListSize = value
		default:
			// Unknown settings identifiers are logged and ignored, per
			// RFC 7540 6.5.2.
			st.unknownIDs = append(st.unknownIDs, id)
		}
	}

	return nil
}

// Encode rebuilds the wire-format parameter list from st's current fields.
// HEADER_TABLE_SIZE, MAX_CONCURRENT_STREAMS, INITIAL_WINDOW_SIZE and
// MAX_FRAME_SIZE are always emitted, even at their default value;
// ENABLE_PUSH is only emitted (as 0) when push is disabled, and
// MAX_HEADER_LIST_SIZE only when it is non-zero.
func (st *Settings) Encode() {
	st.rawSettings = st.rawSettings[:0]

	st.rawSettings = appendSetting(st.rawSettings, settingHeaderTableSize, st.HeaderTableSize)
	if st.DisablePush {
		st.rawSettings = appendSetting(st.rawSettings, settingEnablePush, 0)
	}
	st.rawSettings = appendSetting(st.rawSettings, settingMaxConcurrentStreams, st.MaxConcurrentStreams)
	st.rawSettings = appendSetting(st.rawSettings, settingInitialWindowSize, st.InitialWindowSize)
	st.rawSettings = appendSetting(st.rawSettings, settingMaxFrameSize, st.MaxFrameSize)
	if st.MaxHeaderListSize != 0 {
		st.rawSettings = appendSetting(st.rawSettings, settingMaxHeaderListSize, st.MaxHeaderListSize)
	}
}

func appendSetting(dst []byte, id uint16, value uint32) []byte {
	return append(dst,
		byte(id>>8), byte(id),
		byte(value>>24), byte(value>>16), byte(value>>8), byte(value),
	)
}

// Type, Deserialize and Serialize make Settings itself the wire
// representation of a SETTINGS frame: either a parameter list or a bare
// acknowledgement.
//
// https://tools.ietf.org/html/rfc7540#section-6.5
func (st *Settings) Type() FrameType { return FrameSettings }

func (st *Settings) Deserialize(fr *FrameHeader) error {
	if fr.Flags().Has(FlagAck) {
		st.ack = true
		if len(fr.payload) != 0 {
			return NewConnectionError(FrameSizeError, "SettingsAckWithPayload")
		}
		return nil
	}

	return st.Decode(fr.payload)
}

func (st *Settings) Serialize(fr *FrameHeader) {
	if st.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
		fr.payload = fr.payload[:0]
		return
	}

	st.Encode()
	fr.payload = append(fr.payload[:0], st.rawSettings...)
}
