package stats

import (
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// ThompsonSampler picks arms by sampling each arm's Beta posterior.
// It is safe for concurrent use.
type ThompsonSampler struct {
	mu  sync.Mutex
	src *rand.Rand
}

// NewThompsonSampler creates a sampler. A zero seed seeds from the clock.
func NewThompsonSampler(seed uint64) *ThompsonSampler {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &ThompsonSampler{
		src: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Draw samples Beta(conversions+1, participants-conversions+1) for one arm.
func (s *ThompsonSampler) Draw(arm Arm) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draw(arm)
}

func (s *ThompsonSampler) draw(arm Arm) float64 {
	failures := arm.Participants - arm.Conversions
	if failures < 0 {
		failures = 0
	}
	beta := distuv.Beta{
		Alpha: float64(arm.Conversions) + 1,
		Beta:  float64(failures) + 1,
		Src:   s.src,
	}
	return beta.Rand()
}

// Select draws once per arm and returns the index of the highest draw
// along with all draws. Returns -1 for an empty slice.
func (s *ThompsonSampler) Select(arms []Arm) (int, []float64) {
	if len(arms) == 0 {
		return -1, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draws := make([]float64, len(arms))
	best := 0
	for i, arm := range arms {
		draws[i] = s.draw(arm)
		if draws[i] > draws[best] {
			best = i
		}
	}
	return best, draws
}
