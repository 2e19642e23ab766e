package privacy

import (
	"math"
	"math/rand/v2"
	"sync"
)

// RandSource yields uniform samples in [0, 1). Tests inject deterministic
// sources; production uses a locked math/rand generator.
type RandSource interface {
	Float64() float64
}

type lockedSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

// NewRandSource returns a goroutine-safe source seeded from the runtime.
func NewRandSource() RandSource {
	return &lockedSource{rnd: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// Noiser applies the Laplace mechanism to counts.
type Noiser struct {
	epsilon     float64
	sensitivity float64
	src         RandSource
}

// NewNoiser builds a noiser with sensitivity 1. A nil src uses NewRandSource.
func NewNoiser(epsilon float64, src RandSource) *Noiser {
	if src == nil {
		src = NewRandSource()
	}
	return &Noiser{epsilon: epsilon, sensitivity: 1, src: src}
}

func (n *Noiser) Epsilon() float64 { return n.epsilon }

// Scale is the Laplace scale b = sensitivity / epsilon.
func (n *Noiser) Scale() float64 { return n.sensitivity / n.epsilon }

// Laplace draws one sample from Laplace(0, Scale()) by inverse CDF.
func (n *Noiser) Laplace() float64 {
	u := n.src.Float64() - 0.5
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	tail := 1 - 2*math.Abs(u)
	// a draw of exactly 0 would give log(0)
	if tail <= 0 {
		tail = math.SmallestNonzeroFloat64
	}
	return -n.Scale() * sign * math.Log(tail)
}

// AddNoise returns max(0, round(trueCount + noise)). Every call draws fresh
// noise; callers must never cache or persist the result.
func (n *Noiser) AddNoise(trueCount int64) int64 {
	noisy := math.Round(float64(trueCount) + n.Laplace())
	if noisy < 0 {
		return 0
	}
	return int64(noisy)
}
