package domain

// VectorClock holds per-device logical counters.
type VectorClock map[string]uint64

// ClockOrder is the causal relation between two clocks.
type ClockOrder int

const (
	ClockEqual ClockOrder = iota
	ClockBefore
	ClockAfter
	ClockConcurrent
)

func (o ClockOrder) String() string {
	switch o {
	case ClockEqual:
		return "equal"
	case ClockBefore:
		return "before"
	case ClockAfter:
		return "after"
	default:
		return "concurrent"
	}
}

// Increment bumps the counter of node and returns the clock.
func (vc VectorClock) Increment(node string) VectorClock {
	if vc == nil {
		vc = VectorClock{}
	}
	vc[node]++
	return vc
}

// Clone copies the clock.
func (vc VectorClock) Clone() VectorClock {
	if vc == nil {
		return nil
	}
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Merge returns the element-wise maximum of both clocks.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	if out == nil {
		out = VectorClock{}
	}
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Compare reports how vc relates to other.
func (vc VectorClock) Compare(other VectorClock) ClockOrder {
	less, greater := false, false

	keys := make(map[string]struct{}, len(vc)+len(other))
	for k := range vc {
		keys[k] = struct{}{}
	}
	for k := range other {
		keys[k] = struct{}{}
	}

	for k := range keys {
		a, b := vc[k], other[k]
		if a < b {
			less = true
		}
		if a > b {
			greater = true
		}
	}

	switch {
	case less && greater:
		return ClockConcurrent
	case less:
		return ClockBefore
	case greater:
		return ClockAfter
	default:
		return ClockEqual
	}
}
