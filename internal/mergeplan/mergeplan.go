// Package mergeplan provides the minimal concrete leader.Planner
// cmd/replicad wires in by default. The merge-selection heuristic
// itself is explicitly out of scope (spec.md §1, §4.8 step 3 calls it
// "the external merge planner"); this is the simplest rule that keeps
// a replica's part count from growing without bound rather than a
// production cost model.
package mergeplan

import (
	"sort"

	"github.com/repltable/chreplica/internal/part"
)

// Adjacent proposes the smallest-by-block-count adjacent pair within
// the same month whose combined size fits maxTotalBytes, the same
// "pick the cheapest legal merge" shape as the teacher's raft log
// compaction picking the oldest eligible entries first.
type Adjacent struct {
	// SizeBytes estimates a candidate's on-disk size; nil treats every
	// candidate as zero bytes, i.e. every adjacent pair is eligible.
	SizeBytes func(part.Range) int64
}

// Plan returns the smallest-span eligible pair that accept approves,
// trying progressively larger spans when a smaller one is rejected.
// accept may be nil, in which case every eligible pair is approved —
// table.Replica.Optimize's local-queue-only merges have no analogue
// of canMergeParts to pass.
func (a Adjacent) Plan(candidates []part.Range, maxTotalBytes int64, accept func(x, y part.Range) bool) (part.Range, part.Range, bool) {
	byMonth := map[string][]part.Range{}
	for _, c := range candidates {
		byMonth[c.Month] = append(byMonth[c.Month], c)
	}

	type pair struct {
		x, y part.Range
		span int64
	}
	var eligible []pair
	for _, ranges := range byMonth {
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Left < ranges[j].Left })
		for i := 0; i+1 < len(ranges); i++ {
			x, y := ranges[i], ranges[i+1]
			if !x.Adjacent(y) {
				continue
			}
			if maxTotalBytes > 0 && a.SizeBytes != nil {
				if a.SizeBytes(x)+a.SizeBytes(y) > maxTotalBytes {
					continue
				}
			}
			eligible = append(eligible, pair{x, y, y.Right - x.Left})
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].span < eligible[j].span })

	for _, p := range eligible {
		if accept != nil && !accept(p.x, p.y) {
			continue
		}
		return p.x, p.y, true
	}
	return part.Range{}, part.Range{}, false
}
