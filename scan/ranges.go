package scan

import "fmt"

// BlockRange is an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// SplitRange splits an inclusive block range into sub-ranges of at most
// batchSize blocks, preserving order.
func SplitRange(from, to, batchSize uint64) ([]BlockRange, error) {
	if batchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block (%d) must be >= from block (%d)", to, from)
	}

	ranges := make([]BlockRange, 0)
	start := from
	for start <= to {
		end := to
		if remaining := to - start + 1; remaining > batchSize {
			end = start + batchSize - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			break
		}
		start = end + 1
	}

	return ranges, nil
}
