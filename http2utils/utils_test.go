package http2utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCutPadding(t *testing.T) {
	str := []byte{13}
	str = append(str, "8971293nfasv7asnrnqw9bma 237urkf8KifgiMKFG98UIM8fgnb kifgnrA7JKLK"...)
	length := len(str)

	p, err := CutPadding(str, length)
	require.NoError(t, err)

	want := length - int(str[0]) - 1
	require.Len(t, p, want)
}

func TestCutPaddingTooLarge(t *testing.T) {
	str := []byte{255, 1, 2}
	_, err := CutPadding(str, len(str))
	require.ErrorIs(t, err, ErrPaddingTooLarge)
}

func TestAddCutPaddingRoundTrip(t *testing.T) {
	orig := []byte("custom-key: custom-header")

	padded := AddPadding(append([]byte(nil), orig...))

	cut, err := CutPadding(padded, len(padded))
	require.NoError(t, err)
	require.Equal(t, orig, cut)
}

func BenchmarkCutPadding(b *testing.B) {
	str := []byte{17}
	str = append(str, "8971293nfasv7asnrnqw9bma 237urkf8KifgiMKFG98UIM8fgnb kifgnrA7JKLK"...)
	length := len(str)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		p, err := CutPadding(str, length)
		if err != nil || len(p) == 0 {
			b.Fatal("wrong cutting")
		}
	}
}
