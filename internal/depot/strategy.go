package depot

import (
	"context"
)

// Batch is one unit of acquired mappings. Batches are applied atomically
// and are the granularity of cancellation.
type Batch struct {
	Mappings []Mapping
	Index    int
	Total    int
}

// BatchFunc applies one batch. Strategies stop at the first error.
type BatchFunc func(ctx context.Context, b Batch) error

// Strategy produces mapping batches from an external source. The three
// implementations (incremental crawl, full crawl, snapshot import) are
// interchangeable behind this contract; the controller only special-cases
// them at selection time.
//
// Run streams every batch through emit and returns the catalog change
// number the acquired data corresponds to (0 when the source does not
// carry one). Implementations must check ctx before each batch's network
// work so cancellation takes effect at batch boundaries.
type Strategy interface {
	Mode() Mode
	Run(ctx context.Context, job *Job, emit BatchFunc) (uint64, error)
}

// chunkApps splits app IDs into batches of size n.
func chunkApps(ids []uint32, n int) [][]uint32 {
	if n <= 0 {
		n = 200
	}
	var chunks [][]uint32
	for len(ids) > 0 {
		end := n
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[:end])
		ids = ids[end:]
	}
	return chunks
}
