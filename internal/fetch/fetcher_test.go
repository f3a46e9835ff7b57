package fetch

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compliancegraph/internal/domain"
	"compliancegraph/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fileServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// --- Download ---

func TestDownload_WritesBody(t *testing.T) {
	payload := strings.Repeat("x", 100*1024)
	srv := fileServer(t, map[string]string{"/big.zip": payload})
	f := New(Config{Client: srv.Client(), Logger: testLogger()})
	dest := filepath.Join(t.TempDir(), "nested", "big.zip")

	n, err := f.Download(context.Background(), srv.URL+"/big.zip", dest)
	require.NoError(t, err)

	assert.Equal(t, int64(len(payload)), n)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_NonSuccessKeepsExistingFile(t *testing.T) {
	srv := fileServer(t, nil)
	f := New(Config{Client: srv.Client(), Logger: testLogger()})
	dest := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(dest, []byte("previous"), 0o644))

	_, err := f.Download(context.Background(), srv.URL+"/catalog.json", dest)

	var statusErr *domain.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	got, _ := os.ReadFile(dest)
	assert.Equal(t, "previous", string(got))
}

func TestDownload_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	f := New(Config{Logger: testLogger()})

	_, err := f.Download(context.Background(), url+"/x", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.Equal(t, domain.ErrTypeNetwork, domain.ClassifyError(err))
}

// --- FetchAll ---

func TestFetchAll_IsolatesFailuresAndKeepsOrder(t *testing.T) {
	srv := fileServer(t, map[string]string{
		"/a.json": "a",
		"/c.json": "ccc",
		"/d.json": "dddd",
	})
	collector := metrics.NewCollector()
	f := New(Config{Client: srv.Client(), Concurrency: 2, Metrics: collector, Logger: testLogger()})
	dir := t.TempDir()
	jobs := []Job{
		{Name: "a", URL: srv.URL + "/a.json", Dest: filepath.Join(dir, "a.json")},
		{Name: "b", URL: srv.URL + "/missing.json", Dest: filepath.Join(dir, "b.json")},
		{Name: "c", URL: srv.URL + "/c.json", Dest: filepath.Join(dir, "c.json")},
		{Name: "d", URL: srv.URL + "/d.json", Dest: filepath.Join(dir, "d.json")},
	}

	results := f.FetchAll(context.Background(), jobs)

	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, jobs[i], r.Job)
	}
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, int64(4), results[3].Bytes)

	failed := Failed(results)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].Job.Name)

	series, err := testutil.GatherAndCount(collector.Registry(), "compliancegraph_fetches_total")
	require.NoError(t, err)
	assert.Equal(t, 4, series, "one series per artifact and outcome")
}

func TestFetchAll_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(Config{Client: srv.Client(), Concurrency: 3, Logger: testLogger()})
	dir := t.TempDir()
	var jobs []Job
	for i := range 10 {
		name := string(rune('a' + i))
		jobs = append(jobs, Job{Name: name, URL: srv.URL + "/" + name, Dest: filepath.Join(dir, name)})
	}

	results := f.FetchAll(context.Background(), jobs)

	assert.Empty(t, Failed(results))
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

// --- PruneOlderThan ---

func TestPruneOlderThan(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	old := filepath.Join(dir, "U_SRG-STIG_Library_January_2025.zip")
	fresh := filepath.Join(dir, "U_SRG-STIG_Library_September_2025.zip")
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("new"), 0o644))
	require.NoError(t, os.Chtimes(old, now.AddDate(0, 0, -200), now.AddDate(0, 0, -200)))
	require.NoError(t, os.Chtimes(fresh, now.AddDate(0, 0, -10), now.AddDate(0, 0, -10)))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	n, err := PruneOlderThan(dir, 120*24*time.Hour, now, testLogger())
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.DirExists(t, filepath.Join(dir, "subdir"))
}

func TestPruneOlderThan_MissingDir(t *testing.T) {
	n, err := PruneOlderThan(filepath.Join(t.TempDir(), "nope"), time.Hour, time.Now(), testLogger())
	assert.NoError(t, err)
	assert.Zero(t, n)
}
