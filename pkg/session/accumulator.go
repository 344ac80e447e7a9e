package session

// Accumulator collects the binary chunks of one response in arrival order.
// It takes ownership of appended chunks.
type Accumulator struct {
	chunks [][]byte
	size   int
}

// Append adds a chunk after all previous ones.
func (a *Accumulator) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	a.chunks = append(a.chunks, chunk)
	a.size += len(chunk)
}

// Len returns the number of chunks held.
func (a *Accumulator) Len() int {
	return len(a.chunks)
}

// Size returns the total number of bytes held.
func (a *Accumulator) Size() int {
	return a.size
}

// Reset discards all chunks.
func (a *Accumulator) Reset() {
	a.chunks = nil
	a.size = 0
}

// Concat returns all chunks joined in arrival order and resets the
// accumulator. It returns nil when nothing was collected.
func (a *Accumulator) Concat() []byte {
	if a.size == 0 {
		a.Reset()
		return nil
	}

	buf := make([]byte, a.size)
	off := 0
	for _, c := range a.chunks {
		off += copy(buf[off:], c)
	}
	a.Reset()
	return buf
}
