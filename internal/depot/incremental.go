package depot

import (
	"context"
	"fmt"
	"time"

	"github.com/rlindsay/depotsync/internal/catalog"
)

// IncrementalCrawl asks the catalog only for apps changed since the last
// processed change number. The fastest path; only selected when the gap
// policy allows it.
type IncrementalCrawl struct {
	client    catalog.Client
	batchSize int
}

// NewIncrementalCrawl creates the strategy. batchSize is the number of
// apps resolved per catalog request.
func NewIncrementalCrawl(client catalog.Client, batchSize int) *IncrementalCrawl {
	return &IncrementalCrawl{client: client, batchSize: batchSize}
}

func (s *IncrementalCrawl) Mode() Mode { return ModeIncremental }

func (s *IncrementalCrawl) Run(ctx context.Context, job *Job, emit BatchFunc) (uint64, error) {
	since := job.LastChangeNumber.Load()
	cs, err := s.client.ChangesSince(ctx, since)
	if err != nil {
		return 0, err
	}
	job.CurrentChangeNumber.Store(cs.CurrentChangeNumber)

	// The gap policy was consulted before the job started, but the gap
	// can still have grown past the threshold in between. The service
	// signals that by refusing the delta; the run fails rather than
	// silently crawling everything.
	if cs.FullUpdateRequired {
		return 0, fmt.Errorf("catalog refused incremental delta since change %d; a full sync is required", since)
	}

	if err := crawlApps(ctx, s.client, job, cs.AppIDs, s.batchSize, emit); err != nil {
		return 0, err
	}
	return cs.CurrentChangeNumber, nil
}

// crawlApps resolves app metadata in fixed-size batches and emits the
// depot mappings found. Shared by the incremental and full crawls.
func crawlApps(ctx context.Context, client catalog.Client, job *Job, appIDs []uint32, batchSize int, emit BatchFunc) error {
	chunks := chunkApps(appIDs, batchSize)
	job.TotalApps.Store(int64(len(appIDs)))
	job.TotalBatches.Store(int64(len(chunks)))

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		apps, err := client.AppInfo(ctx, chunk)
		if err != nil {
			return fmt.Errorf("resolve app batch %d/%d: %w", i+1, len(chunks), err)
		}

		now := time.Now()
		var mappings []Mapping
		for _, app := range apps {
			for _, depotID := range app.Depots {
				mappings = append(mappings, Mapping{
					DepotID:    depotID,
					AppID:      app.AppID,
					GameName:   app.Name,
					ObservedAt: now,
				})
			}
		}

		job.ProcessedApps.Add(int64(len(chunk)))
		if err := emit(ctx, Batch{Mappings: mappings, Index: i, Total: len(chunks)}); err != nil {
			return err
		}
	}
	return nil
}
