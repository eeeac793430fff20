package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"hw-inspector/internal/adapters/hwids"
	sqliteadapter "hw-inspector/internal/adapters/store/sqlite"
	"hw-inspector/internal/domain/model"
)

func newTestService(t *testing.T, sourceTimeout time.Duration) *Service {
	t.Helper()

	ctx := context.Background()
	db, err := sqliteadapter.Open(ctx, filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return NewService(sqliteadapter.NewStore(db), time.Hour, sourceTimeout)
}

func jsonHandler(t *testing.T, payload string, hits *atomic.Int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, _ *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}
}

var receiver = model.DeviceIdentity{Bus: model.BusUSB, VendorID: "046d", ProductID: "c52b"}

func findStatus(t *testing.T, res *model.EnrichmentResult, name string) model.SourceStatus {
	t.Helper()
	for _, st := range res.Sources {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("source %s missing from result", name)
	return model.SourceStatus{}
}

func TestEnrichMergesByPriority(t *testing.T) {
	t.Parallel()

	primary := httptest.NewServer(jsonHandler(t, `{"vendor_name":"Primary Vendor","chipset":"nRF24"}`, nil))
	defer primary.Close()
	secondary := httptest.NewServer(jsonHandler(t, `{"vendor_name":"Secondary Vendor","release_year":2012}`, nil))
	defer secondary.Close()

	s := newTestService(t, time.Second)
	s.Register(NewHTTPSource("primary", primary.URL))
	s.Register(NewHTTPSource("secondary", secondary.URL))

	res, err := s.Enrich(context.Background(), receiver, false)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	var merged map[string]any
	if err := json.Unmarshal(res.Merged, &merged); err != nil {
		t.Fatalf("Unmarshal merged: %v", err)
	}
	// 先注册的来源优先：vendor_name 来自 primary，后注册来源只补充缺失字段。
	if merged["vendor_name"] != "Primary Vendor" {
		t.Fatalf("vendor_name = %v", merged["vendor_name"])
	}
	if merged["chipset"] != "nRF24" {
		t.Fatalf("chipset = %v", merged["chipset"])
	}
	if merged["release_year"] != float64(2012) {
		t.Fatalf("release_year = %v", merged["release_year"])
	}

	for _, name := range []string{"primary", "secondary"} {
		if st := findStatus(t, res, name); st.State != model.SourceOK {
			t.Fatalf("%s state = %s", name, st.State)
		}
	}
}

func TestEnrichToleratesPartialFailure(t *testing.T) {
	t.Parallel()

	healthy := httptest.NewServer(jsonHandler(t, `{"chipset":"nRF24"}`, nil))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer broken.Close()

	s := newTestService(t, time.Second)
	s.Register(NewHTTPSource("broken", broken.URL))
	s.Register(NewHTTPSource("healthy", healthy.URL))

	res, err := s.Enrich(context.Background(), receiver, false)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	if st := findStatus(t, res, "broken"); st.State != model.SourceError || st.Error == "" {
		t.Fatalf("broken status = %+v", st)
	}
	if st := findStatus(t, res, "healthy"); st.State != model.SourceOK {
		t.Fatalf("healthy status = %+v", st)
	}

	var merged map[string]any
	if err := json.Unmarshal(res.Merged, &merged); err != nil {
		t.Fatalf("Unmarshal merged: %v", err)
	}
	if merged["chipset"] != "nRF24" {
		t.Fatalf("merged = %v", merged)
	}
}

func TestEnrichMarksSlowSourceAsTimeout(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	s := newTestService(t, 100*time.Millisecond)
	s.Register(NewHTTPSource("slow", slow.URL))

	res, err := s.Enrich(context.Background(), receiver, false)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if st := findStatus(t, res, "slow"); st.State != model.SourceTimeout {
		t.Fatalf("slow status = %+v", st)
	}
}

func TestEnrichUsesPerSourceCacheSlots(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(jsonHandler(t, `{"chipset":"nRF24"}`, &hits))
	defer srv.Close()

	s := newTestService(t, time.Second)
	s.Register(NewHTTPSource("community", srv.URL))

	ctx := context.Background()
	if _, err := s.Enrich(ctx, receiver, false); err != nil {
		t.Fatalf("Enrich #1: %v", err)
	}

	res, err := s.Enrich(ctx, receiver, false)
	if err != nil {
		t.Fatalf("Enrich #2: %v", err)
	}
	if st := findStatus(t, res, "community"); st.State != model.SourceCached {
		t.Fatalf("second call state = %s", st.State)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("server hits = %d, want 1", got)
	}

	// refresh 绕过缓存槽。
	if _, err := s.Enrich(ctx, receiver, true); err != nil {
		t.Fatalf("Enrich refresh: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("server hits after refresh = %d, want 2", got)
	}
}

func TestDisabledSourceIsSkipped(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(jsonHandler(t, `{}`, &hits))
	defer srv.Close()

	s := newTestService(t, time.Second)
	s.Register(NewHTTPSource("community", srv.URL))
	s.SetEnabled("community", false)

	res, err := s.Enrich(context.Background(), receiver, false)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if st := findStatus(t, res, "community"); st.State != model.SourceDisabled {
		t.Fatalf("state = %s", st.State)
	}
	if hits.Load() != 0 {
		t.Fatal("disabled source was queried")
	}

	descs := s.ListSources()
	if len(descs) != 1 || descs[0].Enabled {
		t.Fatalf("ListSources = %+v", descs)
	}
}

func TestIDDatabaseSourceWorksOffline(t *testing.T) {
	t.Parallel()

	reg := hwids.NewRegistry(t.TempDir())
	if err := reg.Load(); err != nil {
		t.Fatalf("Load ids: %v", err)
	}

	s := newTestService(t, time.Second)
	s.Register(&IDDatabaseSource{Registry: reg})

	res, err := s.Enrich(context.Background(), receiver, false)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	var merged map[string]any
	if err := json.Unmarshal(res.Merged, &merged); err != nil {
		t.Fatalf("Unmarshal merged: %v", err)
	}
	if merged["vendor_name"] != "Logitech, Inc." || merged["product_name"] != "Unifying Receiver" {
		t.Fatalf("merged = %v", merged)
	}
}

func TestCleanupRemovesExpiredSlots(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(jsonHandler(t, `{"chipset":"nRF24"}`, nil))
	defer srv.Close()

	s := newTestService(t, time.Second)
	s.Register(NewHTTPSource("community", srv.URL))

	ctx := context.Background()
	if _, err := s.Enrich(ctx, receiver, false); err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	res, err := s.Cleanup(ctx, "")
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.Removed != 1 || res.Retained != 0 {
		t.Fatalf("cleanup = %+v", res)
	}
}

func TestCleanupWithSourceOnlyTouchesThatSource(t *testing.T) {
	t.Parallel()

	vendorSrv := httptest.NewServer(jsonHandler(t, `{"a":1}`, nil))
	defer vendorSrv.Close()
	communitySrv := httptest.NewServer(jsonHandler(t, `{"b":2}`, nil))
	defer communitySrv.Close()

	s := newTestService(t, time.Second)
	s.Register(NewHTTPSource("vendor-db", vendorSrv.URL))
	s.Register(NewHTTPSource("community", communitySrv.URL))

	ctx := context.Background()
	if _, err := s.Enrich(ctx, receiver, false); err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	// 两个槽都已过期，但只清理 community，vendor-db 的槽必须留下。
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	res, err := s.Cleanup(ctx, "community")
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.Removed != 1 || res.Retained != 1 {
		t.Fatalf("cleanup = %+v, want removed=1 retained=1", res)
	}
}

func TestConcurrentEnrichSharesOneSourceQuery(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(150 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"chipset":"nRF24"}`))
	}))
	defer slow.Close()

	s := newTestService(t, 5*time.Second)
	s.Register(NewHTTPSource("community", slow.URL))

	// 冷缓存下同一设备的并发 enrich 合并为一轮来源查询。
	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Enrich(context.Background(), receiver, false)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Enrich #%d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("source queries = %d, want 1", got)
	}
}
