package pipeline

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compliancegraph/internal/config"
	"compliancegraph/internal/domain"
	"compliancegraph/internal/freshness"
	"compliancegraph/internal/index"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	testNow  = time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	modified = time.Date(2025, 2, 20, 8, 0, 0, 0, time.UTC)
)

const stigXCCDF = `<?xml version="1.0" encoding="UTF-8"?>
<Benchmark xmlns="http://checklists.nist.gov/xccdf/1.1" id="Windows_11_STIG">
  <Group id="V-1">
    <Rule id="SV-1r1_rule" severity="medium">
      <title>Accounts must be reviewed.</title>
      <description>Review accounts regularly.</description>
      <ident system="http://cyber.mil/cci">CCI-000001</ident>
    </Rule>
  </Group>
</Benchmark>`

const srgXCCDF = `<?xml version="1.0" encoding="UTF-8"?>
<Benchmark xmlns="http://checklists.nist.gov/xccdf/1.1" id="GPOS_SRG">
  <Group id="V-100">
    <Rule id="SV-100r1_rule">
      <title>The operating system must enforce access policy.</title>
      <description>Policy enforcement.</description>
      <ident system="http://cyber.mil/cci">CCI-000001</ident>
    </Rule>
  </Group>
</Benchmark>`

const cciXML = `<?xml version="1.0" encoding="utf-8"?>
<cci_list xmlns="http://iase.disa.mil/cci">
  <cci_items>
    <cci_item id="CCI-000001">
      <status>draft</status>
      <publishdate>2009-05-13</publishdate>
      <contributor>DISA FSO</contributor>
      <definition>The organization develops an access control policy.</definition>
      <type>policy</type>
      <references>
        <reference creator="NIST" title="NIST SP 800-53 Revision 5" version="5" location="https://csrc.nist.gov" index="AC-1 a" />
      </references>
    </cci_item>
  </cci_items>
</cci_list>`

const mappingJSON = `{"controls": {"AC-1": {"techniques": [
  {"id": "T1078", "name": "Valid Accounts", "description": "Adversaries may use valid accounts."}
]}}}`

type zipEntry struct {
	name string
	body []byte
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		fw, err := w.Create(e.name)
		require.NoError(t, err)
		_, err = fw.Write(e.body)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// artifactServer serves fixture files with a fixed Last-Modified time and
// counts downloads per path.
type artifactServer struct {
	*httptest.Server
	mu     sync.Mutex
	files  map[string][]byte
	status map[string]int
	gets   map[string]int
}

func newArtifactServer(t *testing.T) *artifactServer {
	t.Helper()
	library := buildZip(t,
		zipEntry{"U_Windows_11_STIG_V1R1.zip", buildZip(t, zipEntry{"U_Windows_11_STIG_V1R1_Manual-xccdf.xml", []byte(stigXCCDF)})},
		zipEntry{"U_GPOS_SRG_V3R1.zip", buildZip(t, zipEntry{"U_GPOS_SRG_V3R1_Manual-xccdf.xml", []byte(srgXCCDF)})},
		zipEntry{"_STIG_Readme.txt", []byte("ignored")},
	)
	s := &artifactServer{
		files: map[string][]byte{
			"/baselines/low.json":                   []byte(`{"profile": {"id": "low"}}`),
			"/catalog.json":                         []byte(`{"catalog": {"groups": []}}`),
			"/U_CCI_List.zip":                       buildZip(t, zipEntry{"U_CCI_List.xml", []byte(cciXML)}),
			"/mapping.json":                         []byte(mappingJSON),
			"/U_SRG-STIG_Library_February_2025.zip": library,
		},
		status: map[string]int{},
		gets:   map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *artifactServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	code := s.status[r.URL.Path]
	body, ok := s.files[r.URL.Path]
	if r.Method == http.MethodGet {
		s.gets[r.URL.Path]++
	}
	s.mu.Unlock()

	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, filepath.Base(r.URL.Path), modified, bytes.NewReader(body))
}

func (s *artifactServer) setStatus(path string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[path] = code
}

func (s *artifactServer) downloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.gets {
		n += c
	}
	return n
}

func testConfig(t *testing.T, srv *artifactServer) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.General.Workspace = t.TempDir()
	cfg.Artifacts.Baselines = map[string]string{"low": srv.URL + "/baselines/low.json"}
	cfg.Artifacts.Catalog = srv.URL + "/catalog.json"
	cfg.Artifacts.CrossRefList = srv.URL + "/U_CCI_List.zip"
	cfg.Artifacts.Library = srv.URL + "/U_SRG-STIG_Library_{month}_{year}.zip"
	cfg.Artifacts.Frameworks = map[string]string{"nist_800_53_rev5": srv.URL + "/mapping.json"}
	cfg.Artifacts.Framework = "nist_800_53_rev5"
	cfg.Fetch.MaxMonthsBack = 3
	return cfg
}

func testPipeline(t *testing.T, cfg *config.Config, now time.Time) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Config: cfg,
		Client: &http.Client{Timeout: 5 * time.Second},
		Now:    func() time.Time { return now },
		Logger: testLogger(),
	})
	require.NoError(t, err)
	return p
}

func outcome(t *testing.T, r *Report, name string) ArtifactOutcome {
	t.Helper()
	for _, o := range r.Artifacts {
		if o.Name == name {
			return o
		}
	}
	t.Fatalf("no outcome for %s", name)
	return ArtifactOutcome{}
}

func techniqueIDs(rec domain.Record) []string {
	var ids []string
	for _, tr := range rec.TechniqueList() {
		ids = append(ids, tr.ID)
	}
	return ids
}

// --- New ---

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Fetch.Concurrency = 0

	_, err := New(Config{Config: cfg, Logger: testLogger()})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = New(Config{Logger: testLogger()})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

// --- Run ---

func TestRun_EndToEnd(t *testing.T) {
	srv := newArtifactServer(t)
	cfg := testConfig(t, srv)

	report, err := testPipeline(t, cfg, testNow).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Empty(t, report.Failed())
	assert.Empty(t, report.ParseErrors)
	assert.NotEmpty(t, report.RunID)
	for _, o := range report.Artifacts {
		assert.True(t, o.Committed, "%s committed", o.Name)
	}
	assert.Equal(t, domain.MonthMarker(2025, time.February), outcome(t, report, libraryName).Decision.Marker)

	store := report.Store
	assert.Equal(t, map[domain.RecordKind]int{domain.KindSTIG: 1, domain.KindSRG: 1, domain.KindCCI: 1}, store.Counts())

	stig, ok := store.Get("SV-1r1_rule")
	require.True(t, ok)
	assert.Equal(t, domain.KindSTIG, stig.Kind())
	assert.Equal(t, []string{"T1078"}, techniqueIDs(stig))

	srg, ok := store.Get("SV-100r1_rule")
	require.True(t, ok)
	assert.Equal(t, domain.KindSRG, srg.Kind())

	cci, ok := store.Get("CCI-000001")
	require.True(t, ok)
	assert.Equal(t, []string{"T1078"}, techniqueIDs(cci))
	assert.Equal(t, 1, report.LinkStats.ControlsMatched)

	state := freshness.LoadState(cfg.Path(cfg.Layout.StateFile), nil, testLogger())
	assert.Equal(t, domain.MonthMarker(2025, time.February), state.Get(libraryName))
	assert.Equal(t, domain.TimeMarker(modified), state.Get(crossRefListName))
	assert.Equal(t, domain.TimeMarker(modified), state.Get(mappingName("nist_800_53_rev5")))
	last, ok := state.LastRun()
	require.True(t, ok)
	assert.Equal(t, testNow, last)
}

func TestRun_SecondRunFetchesNothing(t *testing.T) {
	srv := newArtifactServer(t)
	cfg := testConfig(t, srv)
	p := testPipeline(t, cfg, testNow)

	first, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)
	fetched := srv.downloads()
	assert.Equal(t, 5, fetched)

	second, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, fetched, srv.downloads())
	for _, o := range second.Artifacts {
		assert.Equal(t, freshness.Skip, o.Decision.Action, o.Name)
		assert.False(t, o.Fetched, o.Name)
	}
	assert.Equal(t, first.Store.Records(), second.Store.Records())
}

func TestRun_ForceRefetches(t *testing.T) {
	srv := newArtifactServer(t)
	p := testPipeline(t, testConfig(t, srv), testNow)

	_, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)
	_, err = p.Run(context.Background(), Options{Force: true})
	require.NoError(t, err)

	assert.Equal(t, 10, srv.downloads())
}

func TestRun_FailedArtifactNotCommitted(t *testing.T) {
	srv := newArtifactServer(t)
	srv.setStatus("/mapping.json", http.StatusInternalServerError)
	cfg := testConfig(t, srv)
	p := testPipeline(t, cfg, testNow)

	report, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)

	mapping := outcome(t, report, mappingName("nist_800_53_rev5"))
	assert.Error(t, mapping.Err)
	assert.False(t, mapping.Committed)
	assert.True(t, outcome(t, report, crossRefListName).Committed)
	assert.True(t, outcome(t, report, libraryName).Committed)
	assert.NotEmpty(t, report.Warnings)

	rule, ok := report.Store.Get("SV-1r1_rule")
	require.True(t, ok)
	assert.Empty(t, rule.TechniqueList())

	state := freshness.LoadState(cfg.Path(cfg.Layout.StateFile), nil, testLogger())
	assert.Equal(t, domain.EpochMarker(false), state.Get(mappingName("nist_800_53_rev5")))
	_, ok = state.LastRun()
	assert.False(t, ok, "last run only advances when every artifact succeeded")

	// The next run picks up only what is missing.
	srv.setStatus("/mapping.json", 0)
	before := srv.downloads()
	report, err = p.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, before+1, srv.downloads())
	assert.True(t, outcome(t, report, mappingName("nist_800_53_rev5")).Committed)
	rule, _ = report.Store.Get("SV-1r1_rule")
	assert.Equal(t, []string{"T1078"}, techniqueIDs(rule))
}

func TestRun_NoMonthlyRelease(t *testing.T) {
	srv := newArtifactServer(t)
	srv.setStatus("/U_SRG-STIG_Library_February_2025.zip", http.StatusNotFound)
	cfg := testConfig(t, srv)

	report, err := testPipeline(t, cfg, testNow).Run(context.Background(), Options{})
	require.NoError(t, err)

	lib := outcome(t, report, libraryName)
	assert.ErrorIs(t, lib.Err, domain.ErrNoArtifact)
	assert.True(t, outcome(t, report, crossRefListName).Committed)

	_, ok := report.Store.Get("CCI-000001")
	assert.True(t, ok, "cross-references load without the library")
	assert.Equal(t, 0, report.Store.Counts()[domain.KindSTIG])
}

func TestRun_CorruptArchiveNotCommitted(t *testing.T) {
	srv := newArtifactServer(t)
	srv.mu.Lock()
	srv.files["/U_CCI_List.zip"] = []byte("not a zip")
	srv.mu.Unlock()
	cfg := testConfig(t, srv)

	report, err := testPipeline(t, cfg, testNow).Run(context.Background(), Options{})
	require.NoError(t, err)

	o := outcome(t, report, crossRefListName)
	assert.True(t, o.Fetched)
	assert.False(t, o.Processed)
	assert.False(t, o.Committed)
	assert.Error(t, o.Err)
}

func TestRun_CancelledContextLeavesStateUntouched(t *testing.T) {
	srv := newArtifactServer(t)
	cfg := testConfig(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testPipeline(t, cfg, testNow).Run(ctx, Options{})

	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(cfg.Path(cfg.Layout.StateFile))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_SyncsIndex(t *testing.T) {
	srv := newArtifactServer(t)
	cfg := testConfig(t, srv)
	ix, err := index.Open(filepath.Join(t.TempDir(), "index.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	p, err := New(Config{
		Config:  cfg,
		Client:  &http.Client{Timeout: 5 * time.Second},
		Indexer: ix,
		Now:     func() time.Time { return testNow },
		Logger:  testLogger(),
	})
	require.NoError(t, err)

	report, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)

	require.NotNil(t, report.Index)
	assert.Equal(t, report.Store.Len(), report.Index.Upserted)
	doc, err := ix.Get(context.Background(), "CCI-000001")
	require.NoError(t, err)
	assert.Equal(t, report.RunID, doc.RunID)
}

// --- Load ---

func TestLoad_FromDisk(t *testing.T) {
	srv := newArtifactServer(t)
	cfg := testConfig(t, srv)
	_, err := testPipeline(t, cfg, testNow).Run(context.Background(), Options{})
	require.NoError(t, err)
	srv.Close()

	report, err := testPipeline(t, cfg, testNow.Add(24*time.Hour)).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Store.Len())
	assert.Empty(t, report.Warnings)
}

func TestLoad_WarnsWhenStale(t *testing.T) {
	srv := newArtifactServer(t)
	cfg := testConfig(t, srv)
	_, err := testPipeline(t, cfg, testNow).Run(context.Background(), Options{})
	require.NoError(t, err)

	later := testNow.Add(time.Duration(cfg.Fetch.StaleDays+1) * 24 * time.Hour)
	report, err := testPipeline(t, cfg, later).Load(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "last updated 1 week ago")
}

func TestLoad_NoStateWarns(t *testing.T) {
	srv := newArtifactServer(t)
	cfg := testConfig(t, srv)

	report, err := testPipeline(t, cfg, testNow).Load(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Store.Len())
	require.NotEmpty(t, report.Warnings)
	assert.True(t, strings.HasPrefix(report.Warnings[0], "no successful update recorded"))
}

func TestLoad_ParseErrorsFollowSourceOrder(t *testing.T) {
	srv := newArtifactServer(t)
	cfg := testConfig(t, srv)
	_, err := testPipeline(t, cfg, testNow).Run(context.Background(), Options{})
	require.NoError(t, err)
	srv.Close()

	broken := []string{
		filepath.Join(cfg.Path(cfg.Layout.STIG), "broken_stig.xml"),
		filepath.Join(cfg.Path(cfg.Layout.SRG), "broken_srg.xml"),
		filepath.Join(cfg.Path(cfg.Layout.CrossRef), "broken_cci.xml"),
	}
	for _, p := range broken {
		require.NoError(t, os.WriteFile(p, []byte("<Benchmark><Rule id="), 0o644))
	}

	report, err := testPipeline(t, cfg, testNow).Load(context.Background())
	require.NoError(t, err)

	require.Len(t, report.ParseErrors, 3)
	for i, fe := range report.ParseErrors {
		assert.Equal(t, broken[i], fe.Path)
	}
	assert.Equal(t, 3, report.Store.Len(), "intact files still load")
}
