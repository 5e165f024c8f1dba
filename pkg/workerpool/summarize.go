package workerpool

import (
	"math"
	"sort"
)

// WorkerShape is one (cores, memory, disk, gpus) bucket and the count of
// currently connected workers matching it, after rounding memory/disk to
// a nice power-of-two scale.
//
// Grounded on original_source/taskvine/src/manager/vine_manager_summarize.c
// (vine_manager_summarize_workers / round_to_nice_power_of_2), used by the
// catalog reporter to report per-shape worker counts to factories.
type WorkerShape struct {
	Cores   int
	Memory  int
	Disk    int
	GPUs    int
	Workers int
}

// roundToNicePowerOf2 rounds value to a power-of-two log scale with n
// subdivisions per octave, matching the source's rounding function exactly.
func roundToNicePowerOf2(value float64, n int) float64 {
	if value <= 0 {
		return 0
	}
	expOrg := math.Log2(value)
	below := math.Pow(2, math.Floor(expOrg))
	rest := value - below
	fact := below / float64(n)
	if fact == 0 {
		return below
	}
	return below + math.Floor(rest/fact)*fact
}

// SummarizeWorkers groups connected workers with known resources into
// shape buckets, sorted by disk, then memory, then gpus, then cores, then
// worker count (ascending priority, matching the source's successive
// sort-by calls where the last sort dominates).
func (r *Registry) SummarizeWorkers() []WorkerShape {
	r.mu.Lock()
	defer r.mu.Unlock()

	type key struct{ cores, memory, disk, gpus int }
	counts := make(map[key]*WorkerShape)

	for _, w := range r.workers {
		if !w.ResourcesKnown {
			continue
		}
		k := key{
			cores:  int(w.Resources.Cores.Total),
			memory: int(roundToNicePowerOf2(w.Resources.Memory.Total, 8)),
			disk:   int(roundToNicePowerOf2(w.Resources.Disk.Total, 8)),
			gpus:   int(w.Resources.GPUs.Total),
		}
		s := counts[k]
		if s == nil {
			s = &WorkerShape{Cores: k.cores, Memory: k.memory, Disk: k.disk, GPUs: k.gpus}
			counts[k] = s
		}
		s.Workers++
	}

	out := make([]WorkerShape, 0, len(counts))
	for _, s := range counts {
		out = append(out, *s)
	}

	// Successive stable sorts by ascending priority, so the final sort
	// (by worker count) dominates ties from the earlier ones -- matching
	// the source's repeated qsort-by-field calls.
	sortBy := func(field func(WorkerShape) int) {
		sort.SliceStable(out, func(i, j int) bool { return field(out[i]) > field(out[j]) })
	}
	sortBy(func(s WorkerShape) int { return s.Disk })
	sortBy(func(s WorkerShape) int { return s.Memory })
	sortBy(func(s WorkerShape) int { return s.GPUs })
	sortBy(func(s WorkerShape) int { return s.Cores })
	sortBy(func(s WorkerShape) int { return s.Workers })

	return out
}
