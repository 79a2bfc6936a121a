package scte35

// bitReader reads MSB-first fields. Reading past the end sets short and
// yields zeros so decoders can check once at the end.
type bitReader struct {
	data  []byte
	pos   int
	short bool
}

func (r *bitReader) bits(n int) uint64 {
	var v uint64
	for range n {
		if r.pos >= len(r.data)*8 {
			r.short = true
			return 0
		}
		v = v<<1 | uint64(r.data[r.pos/8]>>(7-r.pos%8)&1)
		r.pos++
	}
	return v
}

func (r *bitReader) flag() bool { return r.bits(1) == 1 }

func (r *bitReader) skip(n int) { r.pos += n }

func (r *bitReader) left() int { return len(r.data)*8 - r.pos }

// bytes returns the next n whole bytes without copying.
func (r *bitReader) bytes(n int) []byte {
	start := r.pos / 8
	if r.pos%8 != 0 || n < 0 || start+n > len(r.data) {
		r.short = true
		return nil
	}
	r.pos += n * 8
	return r.data[start : start+n]
}

// bitWriter appends MSB-first fields to a growing buffer.
type bitWriter struct {
	data []byte
	pos  int
}

func (w *bitWriter) put(n int, v uint64) {
	for i := n - 1; i >= 0; i-- {
		if w.pos%8 == 0 {
			w.data = append(w.data, 0)
		}
		if v>>i&1 == 1 {
			w.data[w.pos/8] |= 1 << (7 - w.pos%8)
		}
		w.pos++
	}
}

func (w *bitWriter) putFlag(b bool) {
	var v uint64
	if b {
		v = 1
	}
	w.put(1, v)
}

// reserved writes n one-bits.
func (w *bitWriter) reserved(n int) { w.put(n, 1<<n-1) }

func (w *bitWriter) putBytes(b []byte) {
	for _, v := range b {
		w.put(8, uint64(v))
	}
}
