package bitset

import (
	"fmt"
	"math/bits"
)

func NewBitSet(len uint64) BitSet {
	words := (len + 63) / 64
	bits := make([]uint64, words)
	return bits
}

type BitSet []uint64

func (b BitSet) IsSet(index uint64) bool {
	wordPosition := index / 64
	bitPosition := index % 64
	mask := uint64(1) << bitPosition

	return (b[wordPosition] & mask) != 0
}

func (b BitSet) Set(index uint64) {
	wordPosition := index / 64
	bitPosition := index % 64
	mask := uint64(1) << bitPosition

	b[wordPosition] |= mask
}

func (b BitSet) Unset(index uint64) {
	wordPosition := index / 64
	bitPosition := index % 64
	mask := uint64(1) << bitPosition

	b[wordPosition] = b[wordPosition] &^ mask

}

func (b BitSet) Clear() {
	for i := range b {
		b[i] = 0
	}
}

func (b BitSet) SetFrom(o BitSet) {
	if len(b) != len(o) {
		panic(fmt.Sprintf("bitsets must be same size: got %d vs %d", len(b), len(o)))
	}
	copy(b, o)
}

// Len returns the bit capacity of the set.
func (b BitSet) Len() uint64 {
	return uint64(len(b)) * 64
}

// NextSet scans upward from `from` (inclusive) for a set bit, examining at
// most `words` 64-bit words starting at the word containing `from`. It
// returns the index of the first set bit found. If no bit is set within the
// window, it returns the first index past the scanned window and false; the
// caller may resume the scan from there.
func (b BitSet) NextSet(from uint64, words uint64) (uint64, bool) {
	if words == 0 {
		words = 1
	}
	wordPosition := from / 64
	if wordPosition >= uint64(len(b)) {
		return b.Len(), false
	}

	// First word: drop bits below `from`.
	word := b[wordPosition] >> (from % 64)
	if word != 0 {
		return from + uint64(bits.TrailingZeros64(word)), true
	}

	end := wordPosition + words
	if end > uint64(len(b)) {
		end = uint64(len(b))
	}
	for w := wordPosition + 1; w < end; w++ {
		if b[w] != 0 {
			return w*64 + uint64(bits.TrailingZeros64(b[w])), true
		}
	}
	return end * 64, false
}

// PrevSet scans downward from `from` (inclusive) for a set bit, examining at
// most `words` 64-bit words ending at the word containing `from`. It returns
// the index of the first set bit found. If no bit is set within the window,
// it returns the last index below the scanned window and false; when the
// window reaches the bottom of the set it returns (0, false).
func (b BitSet) PrevSet(from uint64, words uint64) (uint64, bool) {
	if words == 0 {
		words = 1
	}
	if b.Len() == 0 {
		return 0, false
	}
	if from >= b.Len() {
		from = b.Len() - 1
	}
	wordPosition := from / 64

	// First word: drop bits above `from`.
	word := b[wordPosition] << (63 - from%64)
	if word != 0 {
		return from - uint64(bits.LeadingZeros64(word)), true
	}

	var end uint64
	if wordPosition+1 > words {
		end = wordPosition + 1 - words
	}
	for w := int64(wordPosition) - 1; w >= int64(end); w-- {
		if b[w] != 0 {
			return uint64(w)*64 + 63 - uint64(bits.LeadingZeros64(b[w])), true
		}
	}
	if end == 0 {
		return 0, false
	}
	return end*64 - 1, false
}
