package webapp

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hw-inspector/internal/adapters/hwids"
	sqliteadapter "hw-inspector/internal/adapters/store/sqlite"
	"hw-inspector/internal/app"
	"hw-inspector/internal/domain/model"
	"hw-inspector/internal/services/devicecache"
	"hw-inspector/internal/services/enrich"
	"hw-inspector/internal/services/imagecache"
)

type fakeProber struct {
	payload json.RawMessage
	err     error
}

func (p *fakeProber) ProbeDevice(ctx context.Context, dev model.DeviceIdentity) (json.RawMessage, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.payload, nil
}

type staticFetcher struct {
	payload []byte
}

func (f *staticFetcher) FetchDefinitions(ctx context.Context, kind model.Bus) ([]byte, error) {
	return f.payload, nil
}

func newTestServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()

	ctx := context.Background()
	dir := t.TempDir()

	db, err := sqliteadapter.Open(ctx, filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := sqliteadapter.NewStore(db)

	reg := hwids.NewRegistry(filepath.Join(dir, "ids"))
	if err := reg.Load(); err != nil {
		t.Fatalf("load registry: %v", err)
	}

	sub, err := fs.Sub(uiFS, "ui_dist")
	if err != nil {
		t.Fatalf("sub ui fs: %v", err)
	}

	enrichSvc := enrich.NewService(store, time.Hour, time.Second)
	enrichSvc.Register(&enrich.IDDatabaseSource{Registry: reg})

	cfg := app.DefaultConfig()
	cfg.DataDir = dir
	cfg.DBPath = filepath.Join(dir, "test.db")

	s := &Server{
		opts:    Options{Config: cfg},
		store:   store,
		reg:     reg,
		updater: hwids.NewUpdater(reg, &staticFetcher{payload: []byte("046d  Logitech, Inc.\n\tc52b  Unifying Receiver\n")}, time.Hour),
		devices: devicecache.NewService(store, reg, &fakeProber{payload: json.RawMessage(`{"speed":"12Mbps"}`)}, time.Hour),
		images:  imagecache.NewService(store, filepath.Join(dir, "images"), 0, 0),
		enrich:  enrichSvc,
		ui:      sub,
		jobs:    newJobManager(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, out
}

func TestLookupResolvesBaselineNames(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(t)

	rec, out := doJSON(t, mux, http.MethodGet, "/api/lookup?bus=usb&vendor_id=046D&product_id=C52B", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if out["vendor_name"] != "Logitech, Inc." || out["product_name"] != "Unifying Receiver" {
		t.Fatalf("unexpected lookup response: %v", out)
	}
	if out["device_key"] != "usb:046d:c52b" {
		t.Fatalf("device_key = %v", out["device_key"])
	}
}

func TestLookupRejectsBadIdentity(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(t)

	rec, _ := doJSON(t, mux, http.MethodGet, "/api/lookup?bus=usb&vendor_id=xyz&product_id=0001", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeepInfoThenSearchAndStats(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(t)

	body := `{"bus":"usb","vendor_id":"046d","product_id":"c52b"}`
	rec, out := doJSON(t, mux, http.MethodPost, "/api/devices/deep-info", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("deep-info status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if cached, _ := out["cached"].(bool); cached {
		t.Fatal("first probe should not be served from cache")
	}

	rec, out = doJSON(t, mux, http.MethodPost, "/api/devices/deep-info", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("deep-info status = %d", rec.Code)
	}
	if cached, _ := out["cached"].(bool); !cached {
		t.Fatal("second call should hit the cache")
	}

	rec, out = doJSON(t, mux, http.MethodGet, "/api/devices/search?q=logitech", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d", rec.Code)
	}
	if rows, _ := out["devices"].([]any); len(rows) != 1 {
		t.Fatalf("search hits = %d, want 1", len(out["devices"].([]any)))
	}

	rec, out = doJSON(t, mux, http.MethodGet, "/api/devices/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	if n, _ := out["entry_count"].(float64); n != 1 {
		t.Fatalf("entry_count = %v, want 1", out["entry_count"])
	}
}

func TestDeviceClearAllAndSingle(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(t)

	for _, pid := range []string{"c52b", "c534"} {
		body := `{"bus":"usb","vendor_id":"046d","product_id":"` + pid + `"}`
		if rec, _ := doJSON(t, mux, http.MethodPost, "/api/devices/deep-info", body); rec.Code != http.StatusOK {
			t.Fatalf("seed deep-info %s: status = %d", pid, rec.Code)
		}
	}

	rec, out := doJSON(t, mux, http.MethodPost, "/api/devices/clear", `{"bus":"usb","vendor_id":"046d","product_id":"c534"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear single status = %d", rec.Code)
	}
	if n, _ := out["removed"].(float64); n != 1 {
		t.Fatalf("removed = %v, want 1", out["removed"])
	}

	rec, out = doJSON(t, mux, http.MethodPost, "/api/devices/clear", ``)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear all status = %d", rec.Code)
	}
	if n, _ := out["removed"].(float64); n != 1 {
		t.Fatalf("removed = %v, want 1 (remaining entry)", out["removed"])
	}
}

func TestEnrichEndpointMergesOfflineSource(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(t)

	rec, out := doJSON(t, mux, http.MethodPost, "/api/enrich", `{"bus":"usb","vendor_id":"046d","product_id":"c52b"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("enrich status = %d, body = %s", rec.Code, rec.Body.String())
	}

	merged, _ := out["merged"].(map[string]any)
	if merged["vendor_name"] != "Logitech, Inc." {
		t.Fatalf("merged = %v", out["merged"])
	}

	rec, out = doJSON(t, mux, http.MethodGet, "/api/enrich/sources", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sources status = %d", rec.Code)
	}
	if srcs, _ := out["sources"].([]any); len(srcs) != 1 {
		t.Fatalf("sources = %v", out["sources"])
	}
}

func TestImageKeyAndCachedEndpoints(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(t)

	rec, out := doJSON(t, mux, http.MethodGet,
		"/api/images/key?bus=usb&vendor_id=046d&product_id=c52b&source_url=https://img.example/logi.png", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("key status = %d", rec.Code)
	}
	key, _ := out["cache_key"].(string)
	if len(key) != 64 {
		t.Fatalf("cache_key = %q, want 64 hex chars", key)
	}

	rec, out = doJSON(t, mux, http.MethodGet, "/api/images/"+key+"/cached", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cached status = %d", rec.Code)
	}
	if cached, _ := out["cached"].(bool); cached {
		t.Fatal("image should not be cached yet")
	}

	if rec, _ := doJSON(t, mux, http.MethodGet, "/api/images/"+key, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("download of uncached image: status = %d, want 404", rec.Code)
	}
}

func TestIDsStatusReportsBothKinds(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(t)

	rec, out := doJSON(t, mux, http.MethodGet, "/api/ids/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, kind := range []string{"usb", "pci"} {
		info, _ := out[kind].(map[string]any)
		if loaded, _ := info["loaded"].(bool); !loaded {
			t.Fatalf("%s database not loaded: %v", kind, out)
		}
	}
}

func TestJobUpdateIDsRunsToCompletion(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(t)

	rec, out := doJSON(t, mux, http.MethodPost, "/api/jobs/update-ids", `{"force":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start job status = %d, body = %s", rec.Code, rec.Body.String())
	}
	jobID, _ := out["job_id"].(string)
	if jobID == "" {
		t.Fatalf("missing job_id: %v", out)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, out = doJSON(t, mux, http.MethodGet, "/api/jobs/"+jobID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("poll job status = %d", rec.Code)
		}
		if status, _ := out["status"].(string); status != "running" {
			if status != "success" {
				t.Fatalf("job status = %s, error = %v", status, out["error"])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job did not finish in time")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// 任务成功后活跃快照应换成下载到的最小定义集。
	rec, out = doJSON(t, mux, http.MethodGet, "/api/ids/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	usb, _ := out["usb"].(map[string]any)
	if override, _ := usb["from_override"].(bool); !override {
		t.Fatalf("usb database should come from override after update: %v", usb)
	}
}

func TestUIServesIndexAndSPAFallback(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(t)

	for _, path := range []string{"/", "/devices/usb:046d:c52b"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s: status = %d", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "<html") {
			t.Fatalf("GET %s: body does not look like the SPA entry page", path)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/assets/missing.js", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing asset: status = %d, want 404", rec.Code)
	}
}
