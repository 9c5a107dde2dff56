package capture

// frameRing is a fixed-capacity frame buffer. When full, pushing evicts the
// oldest unprocessed frame instead of blocking or growing: capture trades
// worst-case frame loss for a hard memory bound.
type frameRing struct {
	buf     []Frame
	head    int // index of oldest frame
	n       int // number of buffered frames
	dropped int // total evictions since creation
}

func newFrameRing(capacity int) *frameRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &frameRing{buf: make([]Frame, capacity)}
}

// push appends a frame, evicting the oldest one when the ring is full.
func (r *frameRing) push(f Frame) {
	if r.n == len(r.buf) {
		// Release the evicted frame's data before overwriting the slot.
		r.buf[r.head] = Frame{}
		r.head = (r.head + 1) % len(r.buf)
		r.n--
		r.dropped++
	}
	r.buf[(r.head+r.n)%len(r.buf)] = f
	r.n++
}

// drain removes and returns all buffered frames in arrival order.
func (r *frameRing) drain() []Frame {
	if r.n == 0 {
		return nil
	}
	out := make([]Frame, 0, r.n)
	for i := 0; i < r.n; i++ {
		idx := (r.head + i) % len(r.buf)
		out = append(out, r.buf[idx])
		r.buf[idx] = Frame{}
	}
	r.head = 0
	r.n = 0
	return out
}

func (r *frameRing) len() int { return r.n }
