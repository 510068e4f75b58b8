package regression_test

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

const defaultTestURL = "http://localhost:9080"

// testServer wraps the base URL for a running depotsync instance.
type testServer struct {
	baseURL string
	client  *http.Client
}

// newTestServer returns a testServer pointing at the URL in
// DEPOTSYNC_TEST_URL (default: http://localhost:9080). If the server is
// unreachable the test is skipped with a clear message.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	base := os.Getenv("DEPOTSYNC_TEST_URL")
	if base == "" {
		base = defaultTestURL
	}
	ts := &testServer{
		baseURL: base,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	// Verify the server is reachable.
	resp, err := ts.client.Get(base + "/api/status")
	if err != nil {
		t.Skipf("depotsync server not reachable at %s: %v", base, err)
	}
	resp.Body.Close()
	return ts
}

// get performs a GET request to path and returns the response.
func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := ts.client.Get(ts.baseURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

// post performs a POST request to path with the given JSON body.
func (ts *testServer) post(t *testing.T, path string, body io.Reader) *http.Response {
	t.Helper()
	resp, err := ts.client.Post(ts.baseURL+path, "application/json", body)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

// decodeJSON decodes the response body into v and closes it.
func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// progressSnapshot mirrors the GET /api/progress shape.
type progressSnapshot struct {
	IsRunning                   bool    `json:"isRunning"`
	Status                      string  `json:"status"`
	ScanMode                    string  `json:"scanMode"`
	TotalBatches                int64   `json:"totalBatches"`
	ProcessedBatches            int64   `json:"processedBatches"`
	ProgressPercent             float64 `json:"progressPercent"`
	TotalApps                   int64   `json:"totalApps"`
	ProcessedApps               int64   `json:"processedApps"`
	DepotMappingsFound          int64   `json:"depotMappingsFound"`
	DepotMappingsFoundInSession int64   `json:"depotMappingsFoundInSession"`
	IsReady                     bool    `json:"isReady"`
	NextCrawlIn                 int64   `json:"nextCrawlIn"`
	IsConnected                 bool    `json:"isConnected"`
	IsLoggedOn                  bool    `json:"isLoggedOn"`
}

// fetchProgress reads the current progress snapshot.
func (ts *testServer) fetchProgress(t *testing.T) progressSnapshot {
	t.Helper()
	var snap progressSnapshot
	decodeJSON(t, ts.get(t, "/api/progress"), &snap)
	return snap
}
