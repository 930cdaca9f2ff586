package scheduler

import (
	"math"
	"math/rand"
	"sync"
)

// Backoff tuning for bots polling an idle or contended queue.
const (
	// probabilityOfQuickComeback keeps a trickle of bots polling promptly
	// so a freshly enqueued task is not stuck behind everyone's backoff.
	probabilityOfQuickComeback = 0.05

	quickComebackSecs = 1.0
	maxComebackSecs   = 60.0
	// Canary runs on a fraction of the fleet, so it keeps bots hot.
	canaryMaxComebackSecs = 3.0

	// maxReapSkip caps how many contended tasks a bot steps over before
	// trying to reap again.
	maxReapSkip = 30
)

// lockedRand serializes draws from a single rand.Rand. Draws happen on bot
// poll paths that run concurrently.
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newLockedRand(rnd *rand.Rand) *lockedRand {
	return &lockedRand{rnd: rnd}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

// float64NonZero draws from (0, 1). Zero would make the log in the gamma
// sampler blow up.
func (r *lockedRand) float64NonZero() float64 {
	for {
		if u := r.Float64(); u > 0 {
			return u
		}
	}
}

// ExponentialBackoff returns how many seconds a bot should sleep before its
// next poll after attemptNum consecutive empty polls. A small fraction of
// calls come back after one second regardless of the attempt count.
func (s *Scheduler) ExponentialBackoff(attemptNum int) float64 {
	if attemptNum < 0 {
		attemptNum = 0
	}
	if s.rnd.Float64() < probabilityOfQuickComeback {
		return quickComebackSecs
	}
	maxWait := maxComebackSecs
	if s.app.IsCanary() {
		maxWait = canaryMaxComebackSecs
	}
	if attemptNum > 10 {
		attemptNum = 10
	}
	return math.Min(maxWait, math.Pow(1.5, float64(attemptNum+1)))
}

// gammaSkip draws the number of queue entries a bot skips after losing reap
// races. Gamma(3, 1) has mean 3 and a long tail, which spreads a thundering
// herd without starving the head of the queue. Shape 3 with scale 1 is the
// sum of three unit exponentials.
func (s *Scheduler) gammaSkip() int {
	u := s.rnd.float64NonZero() * s.rnd.float64NonZero() * s.rnd.float64NonZero()
	skip := int(math.Round(-math.Log(u)))
	if skip > maxReapSkip {
		skip = maxReapSkip
	}
	return skip
}
