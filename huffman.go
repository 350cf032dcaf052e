package http2

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// huffmanCode is a canonically-assigned Huffman code for one of the 256
// possible octet values; index 256 is the end-of-string symbol which never
// appears in decoded output but pads the final partial octet on encode.
//
// https://tools.ietf.org/html/rfc7541#appendix-B
type huffmanCode struct {
	code  uint32
	nbits uint8
}

// huffmanCodeLen is the RFC 7541 appendix B bit-length table, one entry per
// symbol 0..255 plus the EOS symbol at index 256. Codes are canonical: for a
// fixed length, symbols with a lower value always sort before symbols with a
// higher value, and codes are assigned in order of (length, symbol). This
// table plus buildHuffmanCodes below reproduces the appendix B code column
// without having to hand-transcribe 257 bit patterns.
var huffmanCodeLen = [257]uint8{
	13, 23, 28, 28, 28, 28, 28, 28, 28, 24, 30, 28, 28, 30, 28, 28,
	28, 28, 28, 28, 28, 28, 30, 28, 28, 28, 28, 28, 28, 28, 28, 28,
	6, 10, 10, 12, 13, 6, 8, 11, 10, 10, 8, 11, 8, 6, 6, 6,
	5, 5, 5, 6, 6, 6, 6, 6, 6, 6, 7, 8, 15, 6, 12, 10,
	13, 6, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 8, 7, 8, 13, 19, 13, 14, 6,
	15, 5, 6, 5, 6, 5, 6, 6, 6, 5, 7, 7, 6, 6, 6, 5,
	6, 7, 6, 5, 5, 6, 7, 7, 7, 7, 7, 15, 11, 14, 13, 28,
	20, 22, 20, 20, 22, 22, 22, 23, 22, 23, 23, 23, 23, 24, 22, 23,
	24, 23, 23, 23, 23, 21, 22, 23, 22, 23, 23, 23, 23, 21, 22, 23,
	22, 21, 20, 22, 22, 23, 23, 21, 26, 26, 20, 19, 22, 23, 22, 25,
	26, 26, 26, 27, 20, 25, 26, 25, 26, 26, 27, 20, 21, 22, 21, 21,
	23, 22, 22, 25, 25, 24, 24, 26, 23, 26, 27, 26, 26, 27, 24, 27,
	27, 26, 26, 26, 27, 27, 27, 27, 28, 27, 27, 27, 27, 27, 26, 30,
	26, 29, 29, 30, 30, 30, 28, 28, 30, 27, 29, 29, 30, 30, 29, 30,
	29, 29, 29, 29, 30, 28, 29, 29, 29, 30, 30, 30, 29, 30, 30, 30,
	30,
}

var huffmanCodes [257]huffmanCode

func init() {
	// Canonical code assignment: group symbols by length, hand out
	// successive codes to each group in increasing length order, shifting
	// left as the length grows (RFC 1951 §3.2.2 / Deflate-style).
	const maxBits = 30

	var countPerLen [maxBits + 1]int
	for _, l := range huffmanCodeLen {
		countPerLen[l]++
	}

	var nextCode [maxBits + 1]uint32
	var code uint32
	countPerLen[0] = 0
	for bits := 1; bits <= maxBits; bits++ {
		code = (code + uint32(countPerLen[bits-1])) << 1
		nextCode[bits] = code
	}

	for sym := 0; sym < 257; sym++ {
		l := huffmanCodeLen[sym]
		huffmanCodes[sym] = huffmanCode{code: nextCode[l], nbits: uint8(l)}
		nextCode[l]++
	}
}

// HuffmanEncodedLen returns the number of octets s would occupy once
// Huffman-coded, without actually encoding it.
func HuffmanEncodedLen(s []byte) int {
	n := 0
	for _, b := range s {
		n += int(huffmanCodes[b].nbits)
	}
	return (n + 7) / 8
}

// AppendHuffman appends the Huffman encoding of s to dst and returns the
// extended slice. The final partial octet, if any, is padded with the high
// bits of the EOS code, as required by RFC 7541 §5.2.
func AppendHuffman(dst, s []byte) []byte {
	var (
		working     uint64
		workingBits uint
	)

	for _, b := range s {
		c := huffmanCodes[b]
		working = working<<uint(c.nbits) | uint64(c.code)
		workingBits += uint(c.nbits)

		for workingBits >= 8 {
			workingBits -= 8
			dst = append(dst, byte(working>>workingBits))
		}
	}

	if workingBits > 0 {
		eos := huffmanCodes[256]
		working = working<<uint(8-workingBits) | uint64(eos.code)>>(uint(eos.nbits)-(8-workingBits))
		dst = append(dst, byte(working))
	}

	return dst
}

// huffmanDecodeNode is one entry of the bit-at-a-time decode automaton: a
// leaf carries the emitted symbol, an interior node points at the next
// state for each of the two possible next bits.
type huffmanDecodeNode struct {
	sym      uint16
	isLeaf   bool
	children [2]int32 // index into huffmanDecodeTree, -1 if absent (error)
}

var huffmanDecodeTree []huffmanDecodeNode

func init() {
	huffmanDecodeTree = append(huffmanDecodeTree, huffmanDecodeNode{children: [2]int32{-1, -1}})

	for sym, hc := range huffmanCodes {
		node := int32(0)
		for b := int(hc.nbits) - 1; b >= 0; b-- {
			bit := (hc.code >> uint(b)) & 1
			next := huffmanDecodeTree[node].children[bit]
			if next == -1 {
				huffmanDecodeTree = append(huffmanDecodeTree, huffmanDecodeNode{children: [2]int32{-1, -1}})
				next = int32(len(huffmanDecodeTree) - 1)
				huffmanDecodeTree[node].children[bit] = next
			}
			node = next
		}
		huffmanDecodeTree[node].isLeaf = true
		huffmanDecodeTree[node].sym = uint16(sym)
	}
}

// HuffmanDecode appends the decoding of the Huffman-coded string src to dst.
// Per RFC 7541 §5.2, any trailing bits of the final octet must be set (a
// prefix of the EOS code) and the EOS symbol itself must never be emitted.
func HuffmanDecode(dst, src []byte) ([]byte, error) {
	node := int32(0)
	var bitsOfPadding int
	paddingAllOnes := true

	for _, b := range src {
		for bit := 7; bit >= 0; bit-- {
			v := (b >> uint(bit)) & 1
			next := huffmanDecodeTree[node].children[v]
			if next == -1 {
				return dst, ErrHuffmanPadding
			}
			node = next

			if huffmanDecodeTree[node].isLeaf {
				sym := huffmanDecodeTree[node].sym
				if sym == 256 {
					return dst, ErrHuffmanEOS
				}
				dst = append(dst, byte(sym))
				node = 0
				bitsOfPadding = 0
				paddingAllOnes = true
			} else {
				bitsOfPadding++
				if v == 0 {
					paddingAllOnes = false
				}
			}
		}
	}

	if node != 0 {
		// Unterminated code: only acceptable if what remains is a valid
		// prefix of the all-ones EOS code, i.e. at most 7 bits of padding.
		if bitsOfPadding > 7 || !paddingAllOnes {
			return dst, ErrHuffmanPadding
		}
	}

	return dst, nil
}

var huffmanReaderPool = sync.Pool{New: func() interface{} { return new(bytes.Buffer) }}

// HuffmanDecodeString is a convenience wrapper around HuffmanDecode for
// call-sites that don't already hold a destination byte slice (e.g. tests).
func HuffmanDecodeString(r io.Reader) (string, error) {
	buf, ok := huffmanReaderPool.Get().(*bytes.Buffer)
	if !ok {
		return "", errors.New("hpack: huffman buffer pool corrupted")
	}
	buf.Reset()
	defer huffmanReaderPool.Put(buf)

	if _, err := io.Copy(buf, r); err != nil {
		return "", err
	}

	out, err := HuffmanDecode(nil, buf.Bytes())
	if err != nil {
		return "", err
	}
	return string(out), nil
}
