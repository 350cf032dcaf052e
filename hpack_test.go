package http2

import (
	"bytes"
	"testing"
)

func TestIntegerCodingBijection(t *testing.T) {
	values := []uint64{0, 1, 14, 15, 16, 126, 127, 128, 1337, 1 << 16, 1<<31 - 1}

	for n := uint(1); n <= 8; n++ {
		for _, v := range values {
			dst := writeInt(nil, n, v)
			rest, got, err := readInt(n, dst)
			if err != nil {
				t.Fatalf("n=%d v=%d: %s", n, v, err)
			}
			if len(rest) != 0 {
				t.Fatalf("n=%d v=%d: leftover bytes %v", n, v, rest)
			}
			if got != v {
				t.Fatalf("n=%d v=%d: got %d", n, v, got)
			}
		}
	}
}

func TestReadIntFromRFCExample(t *testing.T) {
	// RFC 7541 section 5.1's own worked example: 1337 encoded with a 5-bit
	// prefix is the three octets 31 9a 0a.
	b := []byte{31, 154, 10}

	rest, n, err := readInt(5, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected leftover: %v", rest)
	}
	if n != 1337 {
		t.Fatalf("got %d, want 1337", n)
	}
}

func TestWriteReadStringNoHuffman(t *testing.T) {
	want := []byte("custom-header")

	dst := writeString(nil, want, false)

	rest, got, err := readString(nil, dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected leftover: %v", rest)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteReadStringHuffman(t *testing.T) {
	want := []byte("www.example.com")

	dst := writeString(nil, want, true)
	if dst[0]&0x80 == 0 {
		t.Fatal("expected the Huffman bit to be set for a compressible string")
	}

	rest, got, err := readString(nil, dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected leftover: %v", rest)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// TestHuffmanEncodeHelloWorld is scenario S3: the literal "Hello, world!"
// example from RFC 7541 appendix B / C.4.
func TestHuffmanEncodeHelloWorld(t *testing.T) {
	want := []byte{0xc6, 0x5a, 0x28, 0x3f, 0xd2, 0x9e, 0x0f, 0x65, 0x12, 0x7f, 0x1f}

	got := AppendHuffman(nil, []byte("Hello, world!"))
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	decoded, err := HuffmanDecode(nil, got)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != "Hello, world!" {
		t.Fatalf("got %q", decoded)
	}
}

func TestHuffmanRoundTripAllBytes(t *testing.T) {
	for b := 0; b < 256; b++ {
		src := []byte{byte(b), byte(b), byte(b)}

		enc := AppendHuffman(nil, src)

		dec, err := HuffmanDecode(nil, enc)
		if err != nil {
			t.Fatalf("byte %d: %s", b, err)
		}
		if !bytes.Equal(dec, src) {
			t.Fatalf("byte %d: got %v, want %v", b, dec, src)
		}
	}
}

// TestStaticTableIndexing is testable property #4: every entry in RFC 7541
// appendix A is discoverable at its specified index, and a case-insensitive
// name-only lookup recovers the lowest index sharing that name.
func TestStaticTableIndexing(t *testing.T) {
	var table dynamicTable
	table.maxSize = defaultHeaderTableSize

	for i, hf := range staticTable {
		wantIdx := i + 1

		// the name-only index is the lowest entry sharing this name, which
		// for e.g. ":method: POST" (3) is ":method: GET" (2).
		wantNameIdx := wantIdx
		for j := 0; j < i; j++ {
			if string(staticTable[j].key) == string(hf.key) {
				wantNameIdx = j + 1
				break
			}
		}

		idx, nameIdx := table.lookupStatic(hf.key, hf.value)
		if idx != wantIdx {
			t.Fatalf("%s: exact lookup got index %d, want %d", hf.key, idx, wantIdx)
		}
		if nameIdx != wantNameIdx {
			t.Fatalf("%s: name lookup got index %d, want %d", hf.key, nameIdx, wantNameIdx)
		}
	}

	// ":method" appears at both index 2 (GET) and index 3 (POST); a
	// name-only lookup (mismatched value) must recover the lowest of the two.
	_, nameIdx := table.lookupStatic([]byte(":method"), []byte("PUT"))
	if nameIdx != 2 {
		t.Fatalf("got %d, want 2", nameIdx)
	}

	// Name comparison is case-insensitive.
	_, nameIdx = table.lookupStatic([]byte(":METHOD"), []byte("PUT"))
	if nameIdx != 2 {
		t.Fatalf("case-insensitive lookup got %d, want 2", nameIdx)
	}
}

// TestDynamicTableEviction is testable property #5.
func TestDynamicTableEviction(t *testing.T) {
	var table dynamicTable
	table.maxSize = 64 // room for roughly one entry of this size

	table.insert(HeaderField{key: []byte("a"), value: []byte("1")}) // size 34
	table.insert(HeaderField{key: []byte("b"), value: []byte("2")}) // size 34, evicts "a"

	if len(table.entries) != 1 {
		t.Fatalf("expected 1 entry after eviction, got %d", len(table.entries))
	}
	if string(table.entries[0].key) != "b" {
		t.Fatalf("expected surviving entry to be 'b', got %q", table.entries[0].key)
	}

	// An entry individually larger than the table empties it and stores
	// nothing (RFC 7541 section 4.4).
	table.insert(HeaderField{key: []byte("name"), value: bytes.Repeat([]byte("x"), 100)})
	if len(table.entries) != 0 || table.size != 0 {
		t.Fatalf("expected an oversized insert to empty the table, got %d entries / size %d",
			len(table.entries), table.size)
	}
}

// TestHPACKEncodeCustomHeader is scenario S1 (RFC 7541 appendix C.2.1).
func TestHPACKEncodeCustomHeader(t *testing.T) {
	hp := AcquireHPACK()
	defer ReleaseHPACK(hp)
	hp.Huffman = false

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)
	hf.Set("custom-key", "custom-header")

	dst := hp.AppendHeader(nil, hf, true)

	want := []byte{
		0x40, 0x0a, 0x63, 0x75, 0x73, 0x74, 0x6f, 0x6d, 0x2d, 0x6b, 0x65, 0x79,
		0x0d, 0x63, 0x75, 0x73, 0x74, 0x6f, 0x6d, 0x2d, 0x68, 0x65, 0x61, 0x64, 0x65, 0x72,
	}
	if !bytes.Equal(dst, want) {
		t.Fatalf("got % x, want % x", dst, want)
	}

	if hp.table.size != 55 {
		t.Fatalf("dynamic table size = %d, want 55", hp.table.size)
	}

	entry, err := hp.resolve(62)
	if err != nil {
		t.Fatalf("expected entry at wire index 62: %s", err)
	}
	if string(entry.key) != "custom-key" || string(entry.value) != "custom-header" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

type headerPair struct{ key, value string }

func encodeBlock(t *testing.T, hp *HPACK, pairs []headerPair) []byte {
	t.Helper()

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	var dst []byte
	for _, p := range pairs {
		hf.Set(p.key, p.value)
		dst = hp.AppendHeader(dst, hf, true)
	}
	return dst
}

func decodeBlock(t *testing.T, hp *HPACK, block []byte) []headerPair {
	t.Helper()

	var got []headerPair
	for len(block) > 0 {
		hf := AcquireHeaderField()
		var err error
		block, err = hp.Next(hf, block)
		if err != nil {
			t.Fatalf("decode: %s", err)
		}
		got = append(got, headerPair{key: hf.Key(), value: hf.Value()})
		ReleaseHeaderField(hf)
	}
	return got
}

// TestHPACKRoundTripThreeRequests is scenario S2 (RFC 7541 appendix C.3):
// three sequential requests, no Huffman, over a single persistent context
// pair, asserting both the exact wire bytes and that encoder/decoder
// dynamic tables stay in lockstep (testable property #1).
func TestHPACKRoundTripThreeRequests(t *testing.T) {
	enc := AcquireHPACK()
	defer ReleaseHPACK(enc)
	enc.Huffman = false

	dec := AcquireHPACK()
	defer ReleaseHPACK(dec)

	requests := [][]headerPair{
		{
			{":method", "GET"},
			{":scheme", "http"},
			{":path", "/"},
			{":authority", "www.example.com"},
		},
		{
			{":method", "GET"},
			{":scheme", "http"},
			{":path", "/"},
			{":authority", "www.example.com"},
			{"cache-control", "no-cache"},
		},
		{
			{":method", "GET"},
			{":scheme", "https"},
			{":path", "/index.html"},
			{":authority", "www.example.com"},
			{"custom-key", "custom-value"},
		},
	}

	want := [][]byte{
		{0x82, 0x86, 0x84, 0x41, 0x0f, 0x77, 0x77, 0x77, 0x2e, 0x65, 0x78, 0x61, 0x6d, 0x70, 0x6c, 0x65, 0x2e, 0x63, 0x6f, 0x6d},
		{0x82, 0x86, 0x84, 0xbe, 0x58, 0x08, 0x6e, 0x6f, 0x2d, 0x63, 0x61, 0x63, 0x68, 0x65},
		{
			0x82, 0x87, 0x85, 0xbf, 0x40, 0x0a, 0x63, 0x75, 0x73, 0x74, 0x6f, 0x6d, 0x2d, 0x6b, 0x65, 0x79,
			0x0c, 0x63, 0x75, 0x73, 0x74, 0x6f, 0x6d, 0x2d, 0x76, 0x61, 0x6c, 0x75, 0x65,
		},
	}

	for i, reqFields := range requests {
		block := encodeBlock(t, enc, reqFields)
		if !bytes.Equal(block, want[i]) {
			t.Fatalf("request %d: got % x, want % x", i+1, block, want[i])
		}

		got := decodeBlock(t, dec, block)
		if len(got) != len(reqFields) {
			t.Fatalf("request %d: decoded %d fields, want %d", i+1, len(got), len(reqFields))
		}
		for j, p := range reqFields {
			if got[j] != (headerPair{p.key, p.value}) {
				t.Fatalf("request %d field %d: got %+v, want %+v", i+1, j, got[j], p)
			}
		}
	}

	if enc.table.size != dec.table.size {
		t.Fatalf("encoder/decoder table size diverged: %d <> %d", enc.table.size, dec.table.size)
	}
	if len(enc.table.entries) != len(dec.table.entries) {
		t.Fatalf("encoder/decoder table length diverged: %d <> %d", len(enc.table.entries), len(dec.table.entries))
	}
	for i := range enc.table.entries {
		if string(enc.table.entries[i].key) != string(dec.table.entries[i].key) ||
			string(enc.table.entries[i].value) != string(dec.table.entries[i].value) {
			t.Fatalf("entry %d diverged: %+v <> %+v", i, enc.table.entries[i], dec.table.entries[i])
		}
	}
}

func TestHPACKNeverIndexedPropagatesSensible(t *testing.T) {
	hp := AcquireHPACK()
	defer ReleaseHPACK(hp)

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)
	hf.Set("authorization", "secret")
	hf.sensible = true

	dst := hp.AppendHeader(nil, hf, false)
	if dst[0]&0xf0 != 0x10 {
		t.Fatalf("expected a never-indexed representation, got leading octet %#x", dst[0])
	}

	out := AcquireHeaderField()
	defer ReleaseHeaderField(out)
	if _, err := hp.Next(out, dst); err != nil {
		t.Fatal(err)
	}
	if !out.IsSensible() {
		t.Fatal("expected the decoded field to be marked sensible")
	}
}

func TestHPACKPackUnpack(t *testing.T) {
	enc := AcquireHPACK()
	defer ReleaseHPACK(enc)
	dec := AcquireHPACK()
	defer ReleaseHPACK(dec)

	hf := AcquireHeaderField()
	hf.Set("content-type", "text/plain")
	hf2 := AcquireHeaderField()
	hf2.Set("x-request-id", "abc123")

	block := enc.Pack(nil, []*HeaderField{hf, hf2})

	var fields []*HeaderField
	fields, err := dec.Unpack(fields, block)
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(fields))
	}
	if fields[0].Key() != "content-type" || fields[0].Value() != "text/plain" {
		t.Fatalf("unexpected field 0: %+v", fields[0])
	}
	if fields[1].Key() != "x-request-id" || fields[1].Value() != "abc123" {
		t.Fatalf("unexpected field 1: %+v", fields[1])
	}
}
