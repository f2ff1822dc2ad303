package scanner

import "fmt"

// BlockRange is an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// SplitRange splits [from, to] into batches of at most batchSize blocks.
func SplitRange(from, to, batchSize uint64) ([]BlockRange, error) {
	if batchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block must be >= from block")
	}

	ranges := make([]BlockRange, 0, (to-from)/batchSize+1)
	for start := from; ; {
		end := to
		if to-start >= batchSize {
			end = start + batchSize - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			return ranges, nil
		}
		start = end + 1
	}
}

// window picks the next block range to scan given the last processed block and the head.
// A zero last means nothing was processed yet; scanning then starts at head.
func window(last, head, maxBackfill uint64) (BlockRange, bool) {
	if last == 0 {
		return BlockRange{From: head, To: head}, head > 0
	}
	if head <= last {
		return BlockRange{}, false
	}
	from := last + 1
	if maxBackfill > 0 && head-from+1 > maxBackfill {
		from = head - maxBackfill + 1
	}
	return BlockRange{From: from, To: head}, true
}
