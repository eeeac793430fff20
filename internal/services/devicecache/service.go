// Package devicecache 提供深度设备信息的 TTL 缓存与按需探测。
// 核心约束：同一设备的并发深度查询至多触发一次探测，其余请求共享结果。
package devicecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"hw-inspector/internal/adapters/hwids"
	"hw-inspector/internal/adapters/probe"
	sqliteadapter "hw-inspector/internal/adapters/store/sqlite"
	"hw-inspector/internal/domain/model"
)

// Service 是设备信息缓存的入口。
type Service struct {
	store  *sqliteadapter.Store
	reg    *hwids.Registry
	prober probe.Prober
	ttl    time.Duration

	group singleflight.Group
	now   func() time.Time
}

func NewService(store *sqliteadapter.Store, reg *hwids.Registry, prober probe.Prober, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		store:  store,
		reg:    reg,
		prober: prober,
		ttl:    ttl,
		now:    time.Now,
	}
}

// DeepInfoResult 是一次深度查询的输出。
// Cached 表示结果直接来自缓存；Warnings 记录降级原因（探测失败、回退陈旧缓存等）。
type DeepInfoResult struct {
	Record   model.DeviceRecord `json:"record"`
	Cached   bool               `json:"cached"`
	Warnings []string           `json:"warnings,omitempty"`
}

// GetDeepInfo 返回设备的深度信息，优先命中缓存。
// refresh 为 true 时跳过缓存强制重新探测。
// 探测失败不视为整体失败：有陈旧缓存则回退陈旧缓存，
// 否则返回仅含 ID 数据库名称解析的记录（不落库，保留下次重试机会）。
func (s *Service) GetDeepInfo(ctx context.Context, dev model.DeviceIdentity, refresh bool) (*DeepInfoResult, error) {
	if err := dev.Validate(); err != nil {
		return nil, err
	}
	key := dev.Key()

	if !refresh {
		cached, err := s.store.GetDevice(ctx, key)
		if err != nil {
			return nil, err
		}
		if cached != nil && !cached.Expired(s.now()) {
			return &DeepInfoResult{Record: *cached, Cached: true}, nil
		}
	}

	// 并发请求按设备键合并：只有第一个请求真正探测，其余共享同一份结果。
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.probeAndStore(ctx, dev, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*DeepInfoResult), nil
}

func (s *Service) probeAndStore(ctx context.Context, dev model.DeviceIdentity, key string) (*DeepInfoResult, error) {
	n := dev.Normalize()
	vendorName, _ := s.reg.LookupVendor(n.Bus, n.VendorID)
	productName, _ := s.reg.LookupProduct(n.Bus, n.VendorID, n.ProductID)

	deepInfo, probeErr := s.prober.ProbeDevice(ctx, n)
	if probeErr != nil {
		out := &DeepInfoResult{
			Warnings: []string{fmt.Sprintf("deep probe failed: %v", probeErr)},
		}
		// 探测失败时回退陈旧缓存比只给名称更有用。
		stale, err := s.store.GetDevice(ctx, key)
		if err != nil {
			return nil, err
		}
		if stale != nil {
			out.Record = *stale
			out.Cached = true
			out.Warnings = append(out.Warnings, "serving stale cache entry")
			return out, nil
		}
		out.Record = model.DeviceRecord{
			DeviceKey:   key,
			VendorName:  vendorName,
			ProductName: productName,
			DeepInfo:    json.RawMessage(`{}`),
			FetchedAt:   s.now().Unix(),
		}
		return out, nil
	}

	rec := model.DeviceRecord{
		DeviceKey:   key,
		VendorName:  vendorName,
		ProductName: productName,
		DeepInfo:    deepInfo,
		FetchedAt:   s.now().Unix(),
		TTLSeconds:  int64(s.ttl / time.Second),
	}
	if err := s.store.UpsertDevice(ctx, rec); err != nil {
		return nil, err
	}
	// 审计失败不阻断查询。
	_ = s.store.AppendAudit(ctx, key, "cache", "probe_device", "ok", "", "devicecache", nil)

	return &DeepInfoResult{Record: rec}, nil
}

// GetCached 只查缓存，不触发探测；未命中或已过期返回 (nil, nil)。
func (s *Service) GetCached(ctx context.Context, dev model.DeviceIdentity) (*model.DeviceRecord, error) {
	if err := dev.Validate(); err != nil {
		return nil, err
	}
	rec, err := s.store.GetDevice(ctx, dev.Key())
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Expired(s.now()) {
		return nil, nil
	}
	return rec, nil
}

// Search 在缓存记录的键、名称与深度信息全文上做子串匹配，已过期记录不参与。
func (s *Service) Search(ctx context.Context, query string, limit int) ([]model.DeviceRecord, error) {
	return s.store.SearchDevices(ctx, query, limit, s.now())
}

// List 返回缓存记录列表，按抓取时间倒序，已过期记录不参与。
func (s *Service) List(ctx context.Context, limit, offset int) ([]model.DeviceRecord, error) {
	return s.store.ListDevices(ctx, limit, offset, s.now())
}

// Clear 删除单个设备的缓存（含 enrichment 槽）；dev 为 nil 时清空全部设备缓存。
func (s *Service) Clear(ctx context.Context, dev *model.DeviceIdentity) (int, error) {
	if dev == nil {
		n, err := s.store.DeleteAllDevices(ctx)
		if err != nil {
			return 0, err
		}
		_ = s.store.AppendAudit(ctx, "", "cache", "clear_device_cache", "ok", "", "devicecache", map[string]any{"removed": n})
		return n, nil
	}

	if err := dev.Validate(); err != nil {
		return 0, err
	}
	key := dev.Key()
	removed := 0
	ok, err := s.store.DeleteDevice(ctx, key)
	if err != nil {
		return 0, err
	}
	if ok {
		removed++
	}
	if _, err := s.store.DeleteEnrichmentsByDevice(ctx, key); err != nil {
		return removed, err
	}
	_ = s.store.AppendAudit(ctx, key, "cache", "clear_device_cache", "ok", "", "devicecache", nil)
	return removed, nil
}

// Cleanup 删除所有已过 TTL 的缓存记录。
func (s *Service) Cleanup(ctx context.Context) (model.CleanupResult, error) {
	return s.store.DeleteExpiredDevices(ctx, s.now())
}

// Stats 返回缓存统计摘要。
func (s *Service) Stats(ctx context.Context) (model.DeviceCacheStats, error) {
	return s.store.DeviceStats(ctx, s.now())
}
