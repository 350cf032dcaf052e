package http2

import (
	"sync"

	"github.com/halvard/h2engine/http2utils"
)

// staticTable is the fixed 61-entry table defined by RFC 7541 appendix A.
// Index 1 is ":authority"; indices above len(staticTable) address the
// dynamic table.
var staticTable = []HeaderField{
	{key: []byte(":authority")},
	{key: []byte(":method"), value: []byte("GET")},
	{key: []byte(":method"), value: []byte("POST")},
	{key: []byte(":path"), value: []byte("/")},
	{key: []byte(":path"), value: []byte("/index.html")},
	{key: []byte(":scheme"), value: []byte("http")},
	{key: []byte(":scheme"), value: []byte("https")},
	{key: []byte(":status"), value: []byte("200")},
	{key: []byte(":status"), value: []byte("204")},
	{key: []byte(":status"), value: []byte("206")},
	{key: []byte(":status"), value: []byte("304")},
	{key: []byte(":status"), value: []byte("400")},
	{key: []byte(":status"), value: []byte("404")},
	{key: []byte(":status"), value: []byte("500")},
	{key: []byte("accept-charset")},
	{key: []byte("accept-encoding"), value: []byte("gzip, deflate")},
	{key: []byte("accept-language")},
	{key: []byte("accept-ranges")},
	{key: []byte("accept")},
	{key: []byte("access-control-allow-origin")},
	{key: []byte("age")},
	{key: []byte("allow")},
	{key: []byte("authorization")},
	{key: []byte("cache-control")},
	{key: []byte("content-disposition")},
	{key: []byte("content-encoding")},
	{key: []byte("content-language")},
	{key: []byte("content-length")},
	{key: []byte("content-location")},
	{key: []byte("content-range")},
	{key: []byte("content-type")},
	{key: []byte("cookie")},
	{key: []byte("date")},
	{key: []byte("etag")},
	{key: []byte("expect")},
	{key: []byte("expires")},
	{key: []byte("from")},
	{key: []byte("host")},
	{key: []byte("if-match")},
	{key: []byte("if-modified-since")},
	{key: []byte("if-none-match")},
	{key: []byte("if-range")},
	{key: []byte("if-unmodified-since")},
	{key: []byte("last-modified")},
	{key: []byte("link")},
	{key: []byte("location")},
	{key: []byte("max-forwards")},
	{key: []byte("proxy-authenticate")},
	{key: []byte("proxy-authorization")},
	{key: []byte("range")},
	{key: []byte("referer")},
	{key: []byte("refresh")},
	{key: []byte("retry-after")},
	{key: []byte("server")},
	{key: []byte("set-cookie")},
	{key: []byte("strict-transport-security")},
	{key: []byte("transfer-encoding")},
	{key: []byte("user-agent")},
	{key: []byte("vary")},
	{key: []byte("via")},
	{key: []byte("www-authenticate")},
}

// dynamicTable is the per-direction FIFO described by RFC 7541 section 2.3.2.
// entries[0] is always the most recently inserted field, matching the index
// arithmetic of section 2.3.3 (dynamic index i maps to entries[i-1]).
type dynamicTable struct {
	entries []HeaderField
	size    uint32
	maxSize uint32 // ceiling negotiated via SETTINGS_HEADER_TABLE_SIZE
}

func (t *dynamicTable) reset() {
	t.entries = t.entries[:0]
	t.size = 0
}

// setMaxSize applies a new ceiling, evicting entries as needed. It backs
// both the SETTINGS_HEADER_TABLE_SIZE negotiation and an in-band dynamic
// table size update representation.
func (t *dynamicTable) setMaxSize(n uint32) {
	t.maxSize = n
	for t.size > t.maxSize && len(t.entries) > 0 {
		t.evictOldest()
	}
}

func (t *dynamicTable) evictOldest() {
	last := len(t.entries) - 1
	t.size -= uint32(t.entries[last].Size())
	t.entries = t.entries[:last]
}

func (t *dynamicTable) insert(hf HeaderField) {
	sz := uint32(hf.Size())
	if sz > t.maxSize {
		// Per RFC 7541 4.4: an entry bigger than the table is legal, the
		// effect is emptying the table entirely.
		t.entries = t.entries[:0]
		t.size = 0
		return
	}

	for t.size+sz > t.maxSize && len(t.entries) > 0 {
		t.evictOldest()
	}

	t.entries = append([]HeaderField{hf}, t.entries...)
	t.size += sz
}

func (t *dynamicTable) get(i int) (HeaderField, bool) {
	if i < 1 || i > len(t.entries) {
		return HeaderField{}, false
	}
	return t.entries[i-1], true
}

// lookupStatic searches the static table for name and value, returning the
// 1-based wire index of the first exact name-and-value match (0 if none) and
// the lowest index whose name alone matches (0 if none). Names compare
// case-insensitively, values exactly.
func (t *dynamicTable) lookupStatic(name, value []byte) (idx int, nameOnly int) {
	for i, hf := range staticTable {
		if http2utils.EqualsFold(hf.key, name) {
			if nameOnly == 0 {
				nameOnly = i + 1
			}
			if string(hf.value) == string(value) {
				return i + 1, nameOnly
			}
		}
	}
	return 0, nameOnly
}

func (t *dynamicTable) lookupDynamic(name, value []byte) (idx int, nameOnly int) {
	for i, hf := range t.entries {
		wireIdx := len(staticTable) + i + 1
		if http2utils.EqualsFold(hf.key, name) {
			if nameOnly == 0 {
				nameOnly = wireIdx
			}
			if string(hf.value) == string(value) {
				return wireIdx, nameOnly
			}
		}
	}
	return 0, nameOnly
}

// HPACK holds the compression context for a single direction (send or
// receive) of a single connection. A server keeps two: one for the requests
// it decodes, one for the responses it encodes.
//
// https://tools.ietf.org/html/rfc7541
type HPACK struct {
	table   dynamicTable
	Huffman bool // whether AppendHeader emits Huffman-coded strings; defaults true

	// DisableDynamicTable makes AppendHeader never insert into the dynamic
	// table (fields without an exact table match are emitted as literals
	// without indexing, or never indexed when sensible) and Next refuse
	// dynamic-table-size updates above 0. Unused in the default configuration.
	DisableDynamicTable bool
}

var hpackPool = sync.Pool{
	New: func() interface{} {
		h := &HPACK{Huffman: true}
		h.table.maxSize = defaultHeaderTableSize
		return h
	},
}

// AcquireHPACK returns a pooled HPACK context with an empty dynamic table.
func AcquireHPACK() *HPACK {
	return hpackPool.Get().(*HPACK)
}

// ReleaseHPACK resets hp and returns it to the pool.
func ReleaseHPACK(hp *HPACK) {
	hp.Reset()
	hpackPool.Put(hp)
}

// Reset empties the dynamic table and restores default options.
func (hp *HPACK) Reset() {
	hp.table.reset()
	hp.table.maxSize = defaultHeaderTableSize
	hp.Huffman = true
	hp.DisableDynamicTable = false
}

// SetMaxTableSize caps the dynamic table at n octets, evicting the oldest
// entries if it currently holds more. Called when a SETTINGS frame changes
// SETTINGS_HEADER_TABLE_SIZE for the context the peer maintains about us.
func (hp *HPACK) SetMaxTableSize(n uint32) {
	hp.table.setMaxSize(n)
}

// AppendHeader encodes hf onto dst, choosing the most compact representation
// available: indexed if name and value both already sit in a table, literal
// with a name reference if only the name does, literal with both name and
// value written out otherwise. When store is true (and the dynamic table
// isn't disabled) the field is also inserted into the dynamic table and
// encoded as "literal with incremental indexing"; otherwise it's encoded as
// "literal without indexing" ("never indexed" if hf is marked sensible) and
// left out of the table.
//
// https://tools.ietf.org/html/rfc7541#section-6.2
func (hp *HPACK) AppendHeader(dst []byte, hf *HeaderField, store bool) []byte {
	idx, nameIdx := hp.table.lookupStatic(hf.key, hf.value)
	if idx == 0 {
		var dIdx, dNameIdx int
		dIdx, dNameIdx = hp.table.lookupDynamic(hf.key, hf.value)
		if dIdx != 0 {
			idx = dIdx
		}
		if nameIdx == 0 {
			nameIdx = dNameIdx
		}
	}

	if idx != 0 {
		// Indexed Header Field: 1xxxxxxx
		n := len(dst)
		dst = writeInt(dst, 7, uint64(idx))
		dst[n] |= 0x80
		return dst
	}

	if hp.DisableDynamicTable {
		store = false
	}

	if store {
		n := len(dst)
		dst = writeInt(dst, 6, uint64(nameIdx))
		dst[n] |= 0x40 // 01xxxxxx

		hp.table.insert(HeaderField{key: append([]byte(nil), hf.key...), value: append([]byte(nil), hf.value...), sensible: hf.sensible})
	} else {
		n := len(dst)
		if hf.sensible {
			dst = writeInt(dst, 4, uint64(nameIdx))
			dst[n] |= 0x10 // 0001xxxx: never indexed
		} else {
			dst = writeInt(dst, 4, uint64(nameIdx))
			dst[n] |= 0x00 // 0000xxxx: without indexing
		}
	}

	if nameIdx == 0 {
		dst = writeString(dst, hf.key, hp.Huffman)
	}
	dst = writeString(dst, hf.value, hp.Huffman)

	return dst
}

// AppendDynamicTableSizeUpdate appends a dynamic table size update
// representation (001xxxxx) and applies it to this context, per RFC 7541
// section 6.3. A sender emits this before the next header block whenever it
// wants to shrink (or restore) the size the peer should allocate for it.
func (hp *HPACK) AppendDynamicTableSizeUpdate(dst []byte, n uint32) []byte {
	idx := len(dst)
	dst = writeInt(dst, 5, uint64(n))
	dst[idx] |= 0x20
	hp.table.setMaxSize(n)
	return dst
}

// Next decodes a single header field representation from the front of src,
// writes it into hf, and returns the unconsumed remainder.
//
// https://tools.ietf.org/html/rfc7541#section-6
func (hp *HPACK) Next(hf *HeaderField, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return src, ErrMissingBytes
	}

	c := src[0]
	switch {
	case c&0x80 == 0x80: // Indexed Header Field
		b, idx, err := readInt(7, src)
		if err != nil {
			return b, err
		}
		entry, err := hp.resolve(int(idx))
		if err != nil {
			return b, err
		}
		hf.SetKeyBytes(entry.key)
		hf.SetValueBytes(entry.value)
		return b, nil

	case c&0xc0 == 0x40: // Literal with incremental indexing
		b, idx, err := readInt(6, src)
		if err != nil {
			return b, err
		}
		b, err = hp.readLiteral(hf, int(idx), b)
		if err != nil {
			return b, err
		}
		hp.table.insert(HeaderField{key: append([]byte(nil), hf.key...), value: append([]byte(nil), hf.value...)})
		return b, nil

	case c&0xf0 == 0x00: // Literal without indexing
		b, idx, err := readInt(4, src)
		if err != nil {
			return b, err
		}
		return hp.readLiteral(hf, int(idx), b)

	case c&0xf0 == 0x10: // Literal never indexed
		b, idx, err := readInt(4, src)
		if err != nil {
			return b, err
		}
		b, err = hp.readLiteral(hf, int(idx), b)
		hf.sensible = true
		return b, err

	case c&0xe0 == 0x20: // Dynamic table size update
		b, n, err := readInt(5, src)
		if err != nil {
			return b, err
		}
		if hp.DisableDynamicTable && n > 0 {
			return b, ErrTableSizeTooBig
		}
		hp.table.setMaxSize(uint32(n))
		return b, nil

	default:
		return src, ErrIndexOutOfRange
	}
}

func (hp *HPACK) readLiteral(hf *HeaderField, idx int, b []byte) ([]byte, error) {
	var name, value []byte
	var err error

	if idx == 0 {
		b, name, err = readString(nil, b)
		if err != nil {
			return b, err
		}
		hf.SetKeyBytes(name)
	} else {
		entry, rerr := hp.resolve(idx)
		if rerr != nil {
			return b, rerr
		}
		hf.SetKeyBytes(entry.key)
	}

	b, value, err = readString(nil, b)
	if err != nil {
		return b, err
	}
	hf.SetValueBytes(value)

	return b, nil
}

func (hp *HPACK) resolve(idx int) (HeaderField, error) {
	if idx >= 1 && idx <= len(staticTable) {
		return staticTable[idx-1], nil
	}
	if entry, ok := hp.table.get(idx - len(staticTable)); ok {
		return entry, nil
	}
	return HeaderField{}, ErrIndexOutOfRange
}

// Pack encodes every field in fields onto dst, in order, inserting every
// non-pseudo-header field into the dynamic table (unless the dynamic table is
// disabled) and leaving pseudo-headers out of it — see AppendHeader for the
// per-field path where the caller picks the indexing.
func (hp *HPACK) Pack(dst []byte, fields []*HeaderField) []byte {
	for _, hf := range fields {
		dst = hp.AppendHeader(dst, hf, !hp.DisableDynamicTable && !hf.IsPseudo())
	}
	return dst
}

// Unpack decodes every representation in src, appending a HeaderField for
// each to dst (acquiring new ones via AcquireHeaderField as needed) and
// returning the extended slice.
func (hp *HPACK) Unpack(dst []*HeaderField, src []byte) ([]*HeaderField, error) {
	for len(src) > 0 {
		hf := AcquireHeaderField()
		var err error
		src, err = hp.Next(hf, src)
		if err != nil {
			ReleaseHeaderField(hf)
			return dst, err
		}
		if hf.Empty() {
			// a bare dynamic table size update consumes no field
			ReleaseHeaderField(hf)
			continue
		}
		dst = append(dst, hf)
	}
	return dst, nil
}
