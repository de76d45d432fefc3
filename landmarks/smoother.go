package landmarks

import "sync"

const (
	// ProcessNoise and MeasurementNoise are tuned for a webcam feed sampled
	// at roughly a fifth of the display refresh rate.
	ProcessNoise     = 1.0
	MeasurementNoise = 4.0
)

type SmootherOption func(*Smoother)

func WithNoise(process, measurement float64) SmootherOption {
	return func(s *Smoother) {
		if process > 0 {
			s.processNoise = process
		}
		if measurement > 0 {
			s.measurementNoise = measurement
		}
	}
}

// Smoother is a bank of per-landmark filters. A key missing from the raw
// input keeps its last filtered value unchanged.
type Smoother struct {
	mu               sync.Mutex
	filters          map[Key]*kalman
	last             Set
	processNoise     float64
	measurementNoise float64
}

func NewSmoother(opts ...SmootherOption) *Smoother {
	s := &Smoother{
		filters:          make(map[Key]*kalman, numKeys),
		processNoise:     ProcessNoise,
		measurementNoise: MeasurementNoise,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update runs one predict/update cycle for every key present in raw and
// returns the stabilized set.
func (s *Smoother) Update(raw Set) Set {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.last
	for k, ok := range raw.present {
		if !ok {
			continue
		}
		key := Key(k)
		f, exists := s.filters[key]
		if !exists {
			f = newKalman(s.processNoise, s.measurementNoise)
			s.filters[key] = f
		}
		out = out.With(key, f.filter(raw.points[k]))
	}
	s.last = out
	return out
}

// Last returns the most recent output without touching any filter.
func (s *Smoother) Last() Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Reset discards all filter state.
func (s *Smoother) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = make(map[Key]*kalman, numKeys)
	s.last = Set{}
}
