package imagecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	sqliteadapter "hw-inspector/internal/adapters/store/sqlite"
	"hw-inspector/internal/domain/model"
)

// pngBytes 是携带合法 PNG 签名的最小字节串，足以让内容嗅探判定为 image/png。
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR-test-payload")

func newTestService(t *testing.T, maxBytes int64, maxAge time.Duration) *Service {
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

	return NewService(sqliteadapter.NewStore(db), t.TempDir(), maxBytes, maxAge)
}

var receiver = model.DeviceIdentity{Bus: model.BusUSB, VendorID: "046d", ProductID: "c52b"}

func TestCacheKeyIsDeterministic(t *testing.T) {
	t.Parallel()

	s := newTestService(t, 0, 0)

	k1 := s.CacheKey(receiver, "https://img.example.com/a.png")
	k2 := s.CacheKey(model.DeviceIdentity{Bus: model.BusUSB, VendorID: "046D", ProductID: "C52B"}, "https://img.example.com/a.png")
	if k1 != k2 {
		t.Fatalf("case-insensitive identities produced different keys: %s / %s", k1, k2)
	}

	k3 := s.CacheKey(receiver, "https://img.example.com/b.png")
	if k1 == k3 {
		t.Fatal("different source urls produced same key")
	}
	k4 := s.CacheKey(model.DeviceIdentity{Bus: model.BusUSB, VendorID: "0781", ProductID: "5567"}, "https://img.example.com/a.png")
	if k1 == k4 {
		t.Fatal("different devices produced same key")
	}
}

func TestFetchDownloadsOnceThenServesCache(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write(pngBytes)
	}))
	defer srv.Close()

	ctx := context.Background()
	s := newTestService(t, 0, 0)

	res, err := s.Fetch(ctx, receiver, srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Cached {
		t.Fatal("first fetch marked cached")
	}
	if filepath.Ext(res.Entry.FilePath) != ".png" {
		t.Fatalf("FilePath = %s, want .png extension", res.Entry.FilePath)
	}
	raw, err := os.ReadFile(res.Entry.FilePath)
	if err != nil {
		t.Fatalf("read published file: %v", err)
	}
	if string(raw) != string(pngBytes) {
		t.Fatal("published bytes differ from source")
	}

	res2, err := s.Fetch(ctx, receiver, srv.URL)
	if err != nil {
		t.Fatalf("Fetch #2: %v", err)
	}
	if !res2.Cached {
		t.Fatal("second fetch missed cache")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("server hits = %d, want 1", got)
	}

	ok, err := s.IsCached(ctx, res.Entry.CacheKey)
	if err != nil || !ok {
		t.Fatalf("IsCached = %v, %v", ok, err)
	}
	path, ok, err := s.CachedPath(ctx, res.Entry.CacheKey)
	if err != nil || !ok || path != res.Entry.FilePath {
		t.Fatalf("CachedPath = %s, %v, %v", path, ok, err)
	}
}

func TestFetchRejectsNonImageContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>404 page pretending to be an image</html>"))
	}))
	defer srv.Close()

	s := newTestService(t, 0, 0)
	if _, err := s.Fetch(context.Background(), receiver, srv.URL); err == nil {
		t.Fatal("Fetch accepted non-image content")
	}

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.EntryCount != 0 {
		t.Fatalf("rejected download left %d index entries", stats.EntryCount)
	}
}

func TestLookupHealsMissingFile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(pngBytes)
	}))
	defer srv.Close()

	ctx := context.Background()
	s := newTestService(t, 0, 0)

	res, err := s.Fetch(ctx, receiver, srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := os.Remove(res.Entry.FilePath); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	// 文件被外部删除后，索引自愈为未命中。
	ok, err := s.IsCached(ctx, res.Entry.CacheKey)
	if err != nil || ok {
		t.Fatalf("IsCached after file loss = %v, %v", ok, err)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.EntryCount != 0 {
		t.Fatalf("stale index entry survived: %+v", stats)
	}
}

func TestCleanupEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(pngBytes)
	}))
	defer srv.Close()

	ctx := context.Background()
	// 预算只够容纳两张图。
	s := newTestService(t, int64(len(pngBytes)*2), time.Hour)

	var keys []string
	base := time.Now().Add(-30 * time.Minute)
	for i := 0; i < 3; i++ {
		i := i
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		res, err := s.Fetch(ctx, receiver, srv.URL+"/"+string(rune('a'+i)))
		if err != nil {
			t.Fatalf("Fetch #%d: %v", i, err)
		}
		keys = append(keys, res.Entry.CacheKey)
	}

	s.now = time.Now
	res, err := s.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.Removed != 1 || res.Retained != 2 {
		t.Fatalf("cleanup = %+v, want removed=1 retained=2", res)
	}
	// 最老的条目先被淘汰。
	if ok, _ := s.IsCached(ctx, keys[0]); ok {
		t.Fatal("oldest entry survived size eviction")
	}
	if ok, _ := s.IsCached(ctx, keys[2]); !ok {
		t.Fatal("newest entry evicted")
	}

	// 幂等：再次清理无事发生。
	res, err = s.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup #2: %v", err)
	}
	if res.Removed != 0 {
		t.Fatalf("second cleanup removed %d", res.Removed)
	}

	// 按存活时间淘汰：时钟前进到 maxAge 之外后全部清除。
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	res, err = s.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup #3: %v", err)
	}
	if res.Removed != 2 || res.Retained != 0 {
		t.Fatalf("age cleanup = %+v, want removed=2 retained=0", res)
	}
}
