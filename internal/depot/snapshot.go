package depot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// snapshotBatchSize is the number of mappings per applied batch when
// importing a precomputed dataset.
const snapshotBatchSize = 5000

// CorruptSnapshotError is returned when a downloaded dataset fails
// validation. Nothing is applied from a corrupt snapshot.
type CorruptSnapshotError struct {
	Reason string
}

func (e *CorruptSnapshotError) Error() string {
	return "corrupt snapshot: " + e.Reason
}

// snapshotFile is the wire format of the precomputed dataset.
type snapshotFile struct {
	ChangeNumber uint64 `json:"change_number"`
	Mappings     []struct {
		DepotID  uint64 `json:"depot_id"`
		AppID    uint32 `json:"app_id"`
		GameName string `json:"game_name"`
	} `json:"mappings"`
}

// SnapshotImport downloads one precomputed mapping dataset from a fixed
// remote location and yields it as a small number of large batches.
// Needs no catalog session at all, which makes it the fast fallback when
// a full crawl would otherwise be required.
type SnapshotImport struct {
	url         string
	minMappings int
	httpClient  *http.Client
	maxAttempts uint64
}

// NewSnapshotImport creates the strategy. minMappings is the sanity
// floor below which a downloaded dataset is rejected as truncated.
func NewSnapshotImport(url string, minMappings int, timeout time.Duration, maxAttempts uint64) *SnapshotImport {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	return &SnapshotImport{
		url:         url,
		minMappings: minMappings,
		httpClient:  &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
	}
}

func (s *SnapshotImport) Mode() Mode { return ModeSnapshot }

func (s *SnapshotImport) Run(ctx context.Context, job *Job, emit BatchFunc) (uint64, error) {
	snap, err := s.download(ctx)
	if err != nil {
		return 0, err
	}
	job.CurrentChangeNumber.Store(snap.ChangeNumber)

	now := time.Now()
	mappings := make([]Mapping, len(snap.Mappings))
	for i, m := range snap.Mappings {
		mappings[i] = Mapping{
			DepotID:    m.DepotID,
			AppID:      m.AppID,
			GameName:   m.GameName,
			ObservedAt: now,
		}
	}

	total := (len(mappings) + snapshotBatchSize - 1) / snapshotBatchSize
	job.TotalBatches.Store(int64(total))

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := (i + 1) * snapshotBatchSize
		if end > len(mappings) {
			end = len(mappings)
		}
		batch := Batch{Mappings: mappings[i*snapshotBatchSize : end], Index: i, Total: total}
		if err := emit(ctx, batch); err != nil {
			return 0, err
		}
	}
	return snap.ChangeNumber, nil
}

// download fetches and validates the dataset. Transient HTTP failures
// are retried; validation failures are terminal.
func (s *SnapshotImport) download(ctx context.Context) (*snapshotFile, error) {
	backoff := retry.WithMaxRetries(s.maxAttempts-1, retry.NewFibonacci(time.Second))

	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return err
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, resp.Body)
			return retry.RetryableError(fmt.Errorf("snapshot fetch: status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("snapshot fetch: status %d", resp.StatusCode)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("snapshot fetch: read body: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("download snapshot %s: %w", s.url, err)
	}

	if len(body) == 0 {
		return nil, &CorruptSnapshotError{Reason: "empty response"}
	}
	var snap snapshotFile
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, &CorruptSnapshotError{Reason: "unparseable JSON: " + err.Error()}
	}
	if len(snap.Mappings) < s.minMappings {
		return nil, &CorruptSnapshotError{
			Reason: fmt.Sprintf("only %d mappings, expected at least %d", len(snap.Mappings), s.minMappings),
		}
	}
	return &snap, nil
}
