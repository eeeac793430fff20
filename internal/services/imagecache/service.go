// Package imagecache 负责设备图片的下载、落盘与索引。
// 字节内容放文件系统，SQLite 索引只记键到路径的映射；
// 发布路径采用“临时文件 + rename”，读取方永远不会看到半截文件。
package imagecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	sqliteadapter "hw-inspector/internal/adapters/store/sqlite"
	"hw-inspector/internal/domain/model"
	"hw-inspector/internal/platform/hash"
)

// maxImageBytes 限制单张图片的下载体积。
const maxImageBytes = 16 << 20

// Service 是图片缓存的入口。
type Service struct {
	store    *sqliteadapter.Store
	dir      string
	maxBytes int64
	maxAge   time.Duration
	client   *http.Client

	group singleflight.Group
	now   func() time.Time
}

func NewService(store *sqliteadapter.Store, dir string, maxBytes int64, maxAge time.Duration) *Service {
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &Service{
		store:    store,
		dir:      dir,
		maxBytes: maxBytes,
		maxAge:   maxAge,
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}
}

// CacheKey 由设备键与图片来源派生确定性缓存键。
// 同一设备同一来源永远得到同一个键，这是缓存命中的前提。
func (s *Service) CacheKey(dev model.DeviceIdentity, sourceURL string) string {
	return hash.Text("device-image", dev.Key(), sourceURL)
}

// FetchResult 是一次图片获取的输出。
type FetchResult struct {
	Entry  model.ImageCacheEntry `json:"entry"`
	Cached bool                  `json:"cached"`
}

// Fetch 获取设备图片，缓存键由 CacheKey 派生。
func (s *Service) Fetch(ctx context.Context, dev model.DeviceIdentity, sourceURL string) (*FetchResult, error) {
	if err := dev.Validate(); err != nil {
		return nil, err
	}
	return s.FetchWithKey(ctx, dev, sourceURL, s.CacheKey(dev, sourceURL))
}

// FetchWithKey 用调用方指定的缓存键获取图片。
// 同键并发请求合并为一次下载。
func (s *Service) FetchWithKey(ctx context.Context, dev model.DeviceIdentity, sourceURL, cacheKey string) (*FetchResult, error) {
	cacheKey = strings.TrimSpace(cacheKey)
	if cacheKey == "" {
		return nil, fmt.Errorf("cache key is empty")
	}
	if sourceURL == "" {
		return nil, fmt.Errorf("image source url is empty")
	}

	v, err, _ := s.group.Do(cacheKey, func() (interface{}, error) {
		return s.fetchOne(ctx, dev, sourceURL, cacheKey)
	})
	if err != nil {
		return nil, err
	}
	return v.(*FetchResult), nil
}

func (s *Service) fetchOne(ctx context.Context, dev model.DeviceIdentity, sourceURL, cacheKey string) (*FetchResult, error) {
	if entry, ok, err := s.lookup(ctx, cacheKey); err != nil {
		return nil, err
	} else if ok {
		return &FetchResult{Entry: *entry, Cached: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("fetch image: empty body")
	}
	// 内容嗅探比 Content-Type 头可信：部分镜像站对图片返回 text/html 错误页。
	contentType := http.DetectContentType(raw)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("fetch image: content type %s is not an image", contentType)
	}

	path, err := s.publish(cacheKey, contentType, raw)
	if err != nil {
		return nil, err
	}

	entry := model.ImageCacheEntry{
		CacheKey:  cacheKey,
		DeviceKey: dev.Key(),
		FilePath:  path,
		FetchedAt: s.now().Unix(),
		SizeBytes: int64(len(raw)),
	}
	if err := s.store.UpsertImage(ctx, entry); err != nil {
		// 索引写失败时回收已发布的文件，避免产生无索引的孤儿。
		os.Remove(path)
		return nil, err
	}
	return &FetchResult{Entry: entry}, nil
}

// publish 把图片字节写入临时文件后 rename 到最终路径。
func (s *Service) publish(cacheKey, contentType string, raw []byte) (string, error) {
	// 按键前缀分桶，避免单目录文件数失控。
	prefix := cacheKey
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	bucket := filepath.Join(s.dir, prefix)
	if err := os.MkdirAll(bucket, 0o755); err != nil {
		return "", fmt.Errorf("create image bucket: %w", err)
	}

	final := filepath.Join(bucket, cacheKey+extForContentType(contentType))
	tmp, err := os.CreateTemp(bucket, ".img-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp image file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write temp image file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp image file: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("publish image file: %w", err)
	}
	return final, nil
}

func extForContentType(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".img"
	}
}

// lookup 查索引并校验文件仍然存在；索引指向已消失文件时自愈（删索引、当未命中）。
func (s *Service) lookup(ctx context.Context, cacheKey string) (*model.ImageCacheEntry, bool, error) {
	entry, err := s.store.GetImage(ctx, cacheKey)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, nil
	}
	if _, err := os.Stat(entry.FilePath); err != nil {
		_ = s.store.DeleteImage(ctx, cacheKey)
		return nil, false, nil
	}
	return entry, true, nil
}

// CachedPath 返回缓存图片的磁盘路径；未命中返回 ok=false。
func (s *Service) CachedPath(ctx context.Context, cacheKey string) (string, bool, error) {
	entry, ok, err := s.lookup(ctx, cacheKey)
	if err != nil || !ok {
		return "", false, err
	}
	return entry.FilePath, true, nil
}

// IsCached 判断缓存键是否命中（文件存在才算命中）。
func (s *Service) IsCached(ctx context.Context, cacheKey string) (bool, error) {
	_, ok, err := s.lookup(ctx, cacheKey)
	return ok, err
}

// Stats 返回图片缓存的条数与总字节数。
func (s *Service) Stats(ctx context.Context) (model.ImageCacheStats, error) {
	return s.store.ImageStats(ctx)
}

// Cleanup 先按最大存活时间淘汰过老条目，再在总量超限时按最老优先淘汰，
// 直到总字节数降到上限以内。文件已消失的条目照常清理索引，不视为错误。
func (s *Service) Cleanup(ctx context.Context) (model.CleanupResult, error) {
	var out model.CleanupResult

	entries, err := s.store.ListImagesOldestFirst(ctx)
	if err != nil {
		return out, err
	}

	cutoff := s.now().Add(-s.maxAge).Unix()
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}

	for _, e := range entries {
		tooOld := e.FetchedAt <= cutoff
		overBudget := total > s.maxBytes
		if !tooOld && !overBudget {
			out.Retained++
			continue
		}
		if err := s.store.DeleteImage(ctx, e.CacheKey); err != nil {
			return out, err
		}
		if err := os.Remove(e.FilePath); err != nil && !os.IsNotExist(err) {
			return out, fmt.Errorf("remove image file %s: %w", e.FilePath, err)
		}
		total -= e.SizeBytes
		out.Removed++
	}
	return out, nil
}
