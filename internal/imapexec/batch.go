package imapexec

import "sort"

// UIDRange is an inclusive [Start, End] run of UIDs.
type UIDRange struct {
	Start uint32
	End   uint32
}

// BatchUIDs implements the shared batching policy (spec.md §4.7): sort,
// collapse contiguous runs into ranges, then split into batches capped at
// batchSize UIDs each (a multi-UID range still counts as its full span
// toward the cap, so a batch never asks a server for more than batchSize
// messages in one command).
func BatchUIDs(uids []uint32, batchSize int) [][]UIDRange {
	if batchSize <= 0 {
		batchSize = 50
	}
	if len(uids) == 0 {
		return nil
	}

	sorted := append([]uint32(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var runs []UIDRange
	start, end := sorted[0], sorted[0]
	for _, u := range sorted[1:] {
		if u == end+1 {
			end = u
			continue
		}
		runs = append(runs, UIDRange{Start: start, End: end})
		start, end = u, u
	}
	runs = append(runs, UIDRange{Start: start, End: end})

	var batches [][]UIDRange
	var current []UIDRange
	currentCount := 0
	for _, r := range runs {
		runLen := int(r.End-r.Start) + 1
		for runLen > 0 {
			room := batchSize - currentCount
			if room <= 0 {
				batches = append(batches, current)
				current = nil
				currentCount = 0
				room = batchSize
			}
			take := runLen
			if take > room {
				take = room
			}
			current = append(current, UIDRange{Start: r.Start, End: r.Start + uint32(take) - 1})
			currentCount += take
			r.Start += uint32(take)
			runLen -= take
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
