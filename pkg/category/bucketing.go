package category

import "github.com/vinequeue/manager/pkg/types"

// BucketingOracle accumulates (resource-vector, success) samples for a
// category under GREEDY_BUCKETING or EXHAUSTIVE_BUCKETING allocation mode
// and proposes the next bucket to try.
//
// This is a SPEC_FULL.md supplement: the original source's bucketing
// strategy (category_alloc_info / category_next_label in vine_manager.c)
// is more elaborate (persisted per-bucket success histograms); this is a
// faithful-in-spirit simplification that preserves the doubling-until-success
// and exhaustive-replay shapes described there.
type BucketingOracle struct {
	buckets []types.ResourceSet // tried buckets, in increasing order
	cursor  int                 // for exhaustive replay
}

// NewBucketingOracle creates an empty oracle.
func NewBucketingOracle() *BucketingOracle {
	return &BucketingOracle{}
}

// Record folds one more (resource, success) sample into the oracle.
func (o *BucketingOracle) Record(r types.ResourceSet, success bool) {
	if !success {
		return
	}
	for _, b := range o.buckets {
		if sameResourceSet(b, r) {
			return
		}
	}
	o.buckets = append(o.buckets, r)
}

// NextBucket proposes the next allocation to try, capped by max.
//
// Greedy mode doubles the largest successful bucket so far (or a small
// floor if none exist yet) until it would exceed max, at which point it
// falls back to the whole-worker envelope (max itself).
//
// Exhaustive mode replays previously successful buckets round-robin, to
// prefer re-using known-good shapes. Once any bucket has been recorded it
// never doubles; it proposes the floor only while none has been recorded.
func (o *BucketingOracle) NextBucket(max types.ResourceSet, exhaustive bool) (types.ResourceSet, bool) {
	if exhaustive && len(o.buckets) > 0 {
		b := o.buckets[o.cursor%len(o.buckets)]
		o.cursor++
		return b, true
	}

	floor := types.ResourceSet{Cores: 1, Memory: 512, Disk: 1024}
	if len(o.buckets) == 0 {
		return minResourceSet(floor, max), true
	}

	largest := o.buckets[0]
	for _, b := range o.buckets[1:] {
		if b.Cores+b.Memory+b.Disk+b.GPUs > largest.Cores+largest.Memory+largest.Disk+largest.GPUs {
			largest = b
		}
	}
	doubled := scaleResourceSet(largest, 2)
	capped := minResourceSet(doubled, max)
	if sameResourceSet(capped, largest) {
		return max, false // exhausted: already at the worker's ceiling
	}
	return capped, true
}
