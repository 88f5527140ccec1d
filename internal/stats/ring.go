package stats

// ring 은 최근 N개의 raw interval 을 담는 고정 크기 버퍼.
// smoothing 을 대체하지 않고, 운영자가 실제 interval 이력을 볼 수 있도록
// 추가로 보관한다.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(size int) ring {
	if size <= 0 {
		return ring{}
	}
	return ring{buf: make([]float64, size)}
}

func (r *ring) push(v float64) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// values returns a copy ordered oldest → newest.
func (r *ring) values() []float64 {
	if len(r.buf) == 0 {
		return nil
	}
	if !r.full {
		if r.next == 0 {
			return nil
		}
		out := make([]float64, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]float64, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
