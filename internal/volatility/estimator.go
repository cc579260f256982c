// Package volatility keeps a rolling window of prices and maps its range-based
// volatility onto a grid size.
package volatility

import (
	"sort"
	"sync"
	"time"

	"adaptive-grid-bot/internal/models"
)

// DefaultResolution is the width of one slot of the window. Trades inside the
// same slot are merged into it.
const DefaultResolution = time.Second

// slot aggregates the samples of one resolution interval.
type slot struct {
	key   time.Time // sample time truncated to the resolution
	at    time.Time // latest sample merged into the slot
	close float64
	low   float64
	high  float64
}

// Estimator is safe for concurrent use. Samples must be recorded in time order;
// an older sample than the newest one is dropped.
//
// The window keeps one slot per resolution interval, a running sum of slot
// closes and monotonic deques of slot lows and highs, so recording and reading
// the volatility are amortised O(1).
type Estimator struct {
	mu          sync.RWMutex
	window      time.Duration
	resolution  time.Duration
	table       []models.VolatilityBucket
	defaultGrid float64

	slots []slot
	head  int     // sequence number of slots[0]
	sum   float64 // sum of slot closes
	minq  []int   // slot sequences, lows increasing
	maxq  []int   // slot sequences, highs decreasing
}

// NewEstimator creates an estimator. The table is copied and sorted by lower bound.
func NewEstimator(window time.Duration, table []models.VolatilityBucket, defaultGrid float64) *Estimator {
	t := append([]models.VolatilityBucket(nil), table...)
	sort.Slice(t, func(i, j int) bool { return t[i].Lower < t[j].Lower })
	return &Estimator{
		window:      window,
		resolution:  DefaultResolution,
		table:       t,
		defaultGrid: defaultGrid,
	}
}

// Record adds a sample and evicts every slot older than the window, measured
// from the new sample's timestamp.
func (e *Estimator) Record(sample models.PriceSample) {
	if sample.Price <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	key := sample.Time.Truncate(e.resolution)
	if n := len(e.slots); n > 0 {
		last := &e.slots[n-1]
		if sample.Time.Before(last.at) {
			return
		}
		if key.Equal(last.key) {
			seq := e.head + n - 1
			e.sum += sample.Price - last.close
			last.close = sample.Price
			last.at = sample.Time
			if sample.Price < last.low {
				last.low = sample.Price
				e.pushMin(seq)
			}
			if sample.Price > last.high {
				last.high = sample.Price
				e.pushMax(seq)
			}
			e.evict(sample.Time)
			return
		}
	}

	e.slots = append(e.slots, slot{key: key, at: sample.Time, close: sample.Price, low: sample.Price, high: sample.Price})
	seq := e.head + len(e.slots) - 1
	e.sum += sample.Price
	e.pushMin(seq)
	e.pushMax(seq)
	e.evict(sample.Time)
}

func (e *Estimator) slotAt(seq int) *slot {
	return &e.slots[seq-e.head]
}

// pushMin must be called with the lock held. seq is always the newest slot.
func (e *Estimator) pushMin(seq int) {
	low := e.slotAt(seq).low
	for n := len(e.minq); n > 0 && e.slotAt(e.minq[n-1]).low >= low; n = len(e.minq) {
		e.minq = e.minq[:n-1]
	}
	e.minq = append(e.minq, seq)
}

// pushMax must be called with the lock held. seq is always the newest slot.
func (e *Estimator) pushMax(seq int) {
	high := e.slotAt(seq).high
	for n := len(e.maxq); n > 0 && e.slotAt(e.maxq[n-1]).high <= high; n = len(e.maxq) {
		e.maxq = e.maxq[:n-1]
	}
	e.maxq = append(e.maxq, seq)
}

// Seed warms the window with historical samples, replacing nothing newer.
func (e *Estimator) Seed(samples []models.PriceSample) {
	sorted := append([]models.PriceSample(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
	for _, s := range sorted {
		e.Record(s)
	}
}

// evict must be called with the lock held.
func (e *Estimator) evict(now time.Time) {
	cutoff := now.Add(-e.window)
	for len(e.slots) > 0 && e.slots[0].at.Before(cutoff) {
		e.sum -= e.slots[0].close
		if len(e.minq) > 0 && e.minq[0] == e.head {
			e.minq = e.minq[1:]
		}
		if len(e.maxq) > 0 && e.maxq[0] == e.head {
			e.maxq = e.maxq[1:]
		}
		e.slots = e.slots[1:]
		e.head++
	}
	if len(e.slots) == 0 {
		// 窗口清空时丢掉累计误差
		e.sum = 0
	}
}

// ratio must be called with the lock held.
func (e *Estimator) ratio() float64 {
	n := len(e.slots)
	if n < 2 {
		return 0
	}
	mean := e.sum / float64(n)
	if mean <= 0 {
		return 0
	}
	lo := e.slotAt(e.minq[0]).low
	hi := e.slotAt(e.maxq[0]).high
	return (hi - lo) / mean
}

// Current returns (max - min) / mean over the window, 0 with fewer than two
// slots. The mean is taken over slot closes.
func (e *Estimator) Current() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ratio()
}

// Bucket returns the grid fraction for the current volatility. With an empty
// window it returns the default grid.
func (e *Estimator) Bucket() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.slots) == 0 {
		return e.defaultGrid
	}
	return Lookup(e.table, e.ratio(), e.defaultGrid)
}

// Len returns the number of slots in the window.
func (e *Estimator) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.slots)
}

// Window returns the closing sample of every slot in the window.
func (e *Estimator) Window() []models.PriceSample {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.PriceSample, 0, len(e.slots))
	for _, s := range e.slots {
		out = append(out, models.PriceSample{Time: s.at, Price: s.close})
	}
	return out
}

// SetTable swaps the lookup table, used on reconfiguration.
func (e *Estimator) SetTable(table []models.VolatilityBucket, defaultGrid float64) {
	t := append([]models.VolatilityBucket(nil), table...)
	sort.Slice(t, func(i, j int) bool { return t[i].Lower < t[j].Lower })
	e.mu.Lock()
	e.table = t
	e.defaultGrid = defaultGrid
	e.mu.Unlock()
}

// Lookup finds the bucket with lo <= v < hi. The last bucket has no upper
// bound. A value below the first bucket maps to the first bucket.
func Lookup(table []models.VolatilityBucket, v, fallback float64) float64 {
	if len(table) == 0 {
		return fallback
	}
	for i, b := range table {
		last := i == len(table)-1
		if v >= b.Lower && (last || v < b.Upper) {
			return b.Grid
		}
	}
	if v < table[0].Lower {
		return table[0].Grid
	}
	// v falls into a gap between two ranges.
	return fallback
}
