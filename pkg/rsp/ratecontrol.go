package rsp

import (
	"context"

	"golang.org/x/time/rate"
)

// step is one entry in the stepped adjustment table: an error-percentage
// ceiling and the rate delta applied when the observed repeat ratio falls
// at or below it.
type step struct {
	errorPctCeiling float64
	deltaPct        float64
}

// rateSteps mirrors the original's _adaptSendRate table verbatim: the two
// lowest loss bands earn rate increases (+10%, then +1%), and each higher
// band costs a larger cut.
var rateSteps = []step{
	{errorPctCeiling: 1, deltaPct: 10},
	{errorPctCeiling: 2, deltaPct: 1},
	{errorPctCeiling: 3, deltaPct: -1},
	{errorPctCeiling: 5, deltaPct: -5},
	{errorPctCeiling: 20, deltaPct: -10},
	{errorPctCeiling: 100, deltaPct: -20},
}

// rateDelta returns the percentage adjustment for an observed loss ratio
// expressed as a percentage in [0, 100].
func rateDelta(errorPct float64) float64 {
	for _, s := range rateSteps {
		if errorPct <= s.errorPctCeiling {
			return s.deltaPct
		}
	}
	return rateSteps[len(rateSteps)-1].deltaPct
}

const (
	minSendRate = 1 << 10        // 1 KiB/s floor, never fully stall a group
	maxSendRate = 1 << 30        // 1 GiB/s ceiling, guards against overflow
)

// rateController paces the send path to a byte budget derived from the
// observed repeat-datagram ratio of the last write, following the
// token-bucket pattern of a ThrottledWriter: the limiter's rate is rescaled
// in place rather than replaced, so in-flight reservations keep meaning.
type rateController struct {
	limiter *rate.Limiter
}

func newRateController(initialBytesPerSec int, burst int) *rateController {
	return &rateController{
		limiter: rate.NewLimiter(rate.Limit(initialBytesPerSec), burst),
	}
}

// waitWritable blocks until n bytes worth of budget is available, or the
// context is cancelled.
func (r *rateController) waitWritable(ctx context.Context, n int) error {
	return r.limiter.WaitN(ctx, n)
}

// adapt applies the stepped table for one completed write: nDatagrams is
// the number of distinct fragments sent for the sequence (first send only),
// nRepeats is how many of those were retransmitted at least once.
func (r *rateController) adapt(nDatagrams, nRepeats int) {
	if nDatagrams == 0 {
		return
	}
	errorPct := float64(nRepeats) / float64(nDatagrams) * 100
	delta := rateDelta(errorPct)

	current := float64(r.limiter.Limit())
	next := current * (1 + delta/100)
	if next < minSendRate {
		next = minSendRate
	}
	if next > maxSendRate {
		next = maxSendRate
	}
	r.limiter.SetLimit(rate.Limit(next))
}

// bytesPerSecond reports the controller's current rate, used to populate
// the rsp_send_rate_bytes_per_second gauge.
func (r *rateController) bytesPerSecond() float64 {
	return float64(r.limiter.Limit())
}
