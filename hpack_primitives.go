package http2

// Integer and string representation primitives, as described by RFC 7541
// sections 5.1 and 5.2. Both readInt and writeInt operate on an N-bit
// prefix: the caller is responsible for OR-ing in the representation's
// leading bits once writeInt has reserved the prefix octet.

// readInt decodes an RFC 7541 5.1 integer using an n-bit prefix starting at
// b[0], returning the unconsumed remainder.
func readInt(n uint, b []byte) ([]byte, uint64, error) {
	if len(b) == 0 {
		return b, 0, ErrMissingBytes
	}

	max := uint64(1<<n) - 1
	num := uint64(b[0]) & max
	if num < max {
		return b[1:], num, nil
	}

	i := 1
	var m uint
	for {
		if i >= len(b) {
			return b[i:], 0, ErrMissingBytes
		}
		c := b[i]
		i++
		num += uint64(c&0x7f) << m
		if c&0x80 == 0 {
			break
		}
		m += 7
		if m >= 63 {
			return b[i:], 0, ErrBitOverflow
		}
	}

	return b[i:], num, nil
}

// writeInt appends the RFC 7541 5.1 encoding of i to dst using an n-bit
// prefix. The prefix octet's representation-selecting high bits are left at
// zero for the caller to OR in.
func writeInt(dst []byte, n uint, i uint64) []byte {
	max := uint64(1<<n) - 1
	if i < max {
		return append(dst, byte(i))
	}

	dst = append(dst, byte(max))
	i -= max
	for i >= 0x80 {
		dst = append(dst, byte(0x80|(i&0x7f)))
		i >>= 7
	}
	return append(dst, byte(i))
}

// readString decodes an RFC 7541 5.2 string literal, Huffman-decoding it if
// the H bit is set, and appends the result to dst.
func readString(dst, b []byte) ([]byte, []byte, error) {
	if len(b) == 0 {
		return b, dst, ErrMissingBytes
	}

	huffman := b[0]&0x80 == 0x80

	b, length, err := readInt(7, b)
	if err != nil {
		return b, dst, err
	}
	if uint64(len(b)) < length {
		return b, dst, ErrMissingBytes
	}

	raw := b[:length]
	b = b[length:]

	if huffman {
		dst, err = HuffmanDecode(dst, raw)
		if err != nil {
			return b, dst, err
		}
	} else {
		dst = append(dst, raw...)
	}

	return b, dst, nil
}

// writeString appends the RFC 7541 5.2 encoding of s to dst, Huffman-coding
// it when huffman is true and doing so makes it shorter.
func writeString(dst, s []byte, huffman bool) []byte {
	if huffman {
		encLen := HuffmanEncodedLen(s)
		if encLen < len(s) {
			n := len(dst)
			dst = writeInt(dst, 7, uint64(encLen))
			dst[n] |= 0x80
			return AppendHuffman(dst, s)
		}
	}

	n := len(dst)
	dst = writeInt(dst, 7, uint64(len(s)))
	dst[n] &^= 0x80
	return append(dst, s...)
}
