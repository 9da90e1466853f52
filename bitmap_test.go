package bmalloc

import "testing"

func TestCountZeroBits(t *testing.T) {
	cases := []struct {
		name   string
		words  []uint64
		offset int
		want   int
	}{
		{"all zero single word", []uint64{0}, 0, 64},
		{"all ones", []uint64{^uint64(0)}, 0, 0},
		{"run ends mid word", []uint64{0b1010}, 0, 1},
		{"run starts mid word", []uint64{0b1010}, 2, 1},
		{"spans two words", []uint64{0, 0}, 0, 128},
		{"stops at boundary", []uint64{0, ^uint64(0)}, 0, 64},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := countZeroBits(c.words, len(c.words)*wordBits, c.offset, 1)
			if got != c.want {
				t.Errorf("countZeroBits(offset=%d) = %d, want %d", c.offset, got, c.want)
			}
		})
	}
}

func TestCountNonzeroBits(t *testing.T) {
	words := []uint64{0b0111, 0}
	got := countNonzeroBits(words, 128, 0, 1)
	if got != 3 {
		t.Errorf("countNonzeroBits = %d, want 3", got)
	}
}

func TestSetClearBits(t *testing.T) {
	words := make([]uint64, 4)

	setBits(words, 10, 100)
	for i := 0; i < 256; i++ {
		want := i >= 10 && i < 110
		got := words[i/wordBits]&(uint64(1)<<uint(i%wordBits)) != 0
		if got != want {
			t.Fatalf("bit %d after setBits(10,100): got %v, want %v", i, got, want)
		}
	}

	clearBits(words, 20, 30)
	for i := 0; i < 256; i++ {
		want := (i >= 10 && i < 20) || (i >= 50 && i < 110)
		got := words[i/wordBits]&(uint64(1)<<uint(i%wordBits)) != 0
		if got != want {
			t.Fatalf("bit %d after clearBits(20,30): got %v, want %v", i, got, want)
		}
	}
}

func TestSetBitsSingleWordUnaligned(t *testing.T) {
	words := make([]uint64, 1)
	setBits(words, 3, 5)
	want := uint64(0b11111000)
	if words[0] != want {
		t.Fatalf("words[0] = %064b, want %064b", words[0], want)
	}
}

func TestWordMaskRangeFullWord(t *testing.T) {
	if got := wordMaskRange(0, 64); got != ^uint64(0) {
		t.Fatalf("wordMaskRange(0,64) = %#x, want all ones", got)
	}
	if got := wordMaskRange(4, 64); got != ^uint64(0)&^0xF {
		t.Fatalf("wordMaskRange(4,64) = %#x, want %#x", got, ^uint64(0)&^0xF)
	}
}
