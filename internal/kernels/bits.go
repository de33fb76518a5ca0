package kernels

// Bit streams are little-endian: value idx occupies bits [idx*b, idx*b+b)
// of the stream, and a value may straddle two words when 32 is not a
// multiple of b. Words of one stream are stride apart in dst so that a
// column of a row-major matrix can be used as the stream.

func putBits(dst []int32, stride, col, idx, bits int, v uint32) {
	off := idx * bits
	w, s := off/32, uint(off%32)
	dst[w*stride+col] |= int32(v << s)
	if int(s)+bits > 32 {
		dst[(w+1)*stride+col] |= int32(v >> (32 - s))
	}
}

func getBits(src []int32, stride, col, idx, bits int) uint32 {
	off := idx * bits
	w, s := off/32, uint(off%32)
	v := uint32(src[w*stride+col]) >> s
	if int(s)+bits > 32 {
		v |= uint32(src[(w+1)*stride+col]) << (32 - s)
	}
	return v & (1<<uint(bits) - 1)
}

// words returns how many 32-bit words hold n values of the given width.
func words(n, bits int) int {
	return (n*bits + 31) / 32
}

// gemmOrder is the nibble order inside an optimized-layout word: nibble j
// holds output column gemmOrder[j] of the group of eight.
var gemmOrder = [8]int{0, 2, 4, 6, 1, 3, 5, 7}

func packInterleaved(vals []uint32) int32 {
	var w uint32
	for j, c := range gemmOrder {
		w |= (vals[c] & 0xF) << (4 * uint(j))
	}
	return int32(w)
}

func unpackInterleaved(w int32, dst []uint32) {
	u := uint32(w)
	for j, c := range gemmOrder {
		dst[c] = (u >> (4 * uint(j))) & 0xF
	}
}
