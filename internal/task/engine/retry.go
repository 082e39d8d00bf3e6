package engine

import (
	"math/rand"
	"time"

	"fleetrun/internal/model"
)

// backoffDelay returns the wait before attempt retry+1: exponential from
// Base, capped at MaxDelay, with +/- Jitter applied.
func backoffDelay(p model.RetryPolicy, retry int, rng *rand.Rand) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := p.Jitter
	if j <= 0 {
		j = 0.2
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
