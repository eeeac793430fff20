// Package enrich 把多个来源的设备附加信息聚合成一份合并视图。
// 每个来源有独立的缓存槽与超时预算，单个来源失败不拖垮整次查询。
// 同一设备的并发 enrich 至多触发一轮来源查询，其余请求共享结果。
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	sqliteadapter "hw-inspector/internal/adapters/store/sqlite"
	"hw-inspector/internal/domain/model"
)

// Service 是 enrichment 聚合器。
type Service struct {
	store         *sqliteadapter.Store
	ttl           time.Duration
	sourceTimeout time.Duration

	mu       sync.RWMutex
	sources  []Source
	disabled map[string]bool

	group singleflight.Group
	now   func() time.Time
}

func NewService(store *sqliteadapter.Store, ttl, sourceTimeout time.Duration) *Service {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if sourceTimeout <= 0 {
		sourceTimeout = 8 * time.Second
	}
	return &Service{
		store:         store,
		ttl:           ttl,
		sourceTimeout: sourceTimeout,
		disabled:      map[string]bool{},
		now:           time.Now,
	}
}

// Register 追加一个来源。注册顺序即合并优先级，先注册的来源先填字段。
func (s *Service) Register(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
}

// SetEnabled 启用/停用一个来源。停用的来源在 Enrich 中直接跳过并标记 disabled。
func (s *Service) SetEnabled(name string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		delete(s.disabled, name)
	} else {
		s.disabled[name] = true
	}
}

// ListSources 返回已注册来源的描述，按优先级顺序。
func (s *Service) ListSources() []model.SourceDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SourceDescriptor, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, model.SourceDescriptor{
			Name:    src.Name(),
			Enabled: !s.disabled[src.Name()],
		})
	}
	return out
}

// Enrich 并发查询所有启用的来源并按优先级合并字段。
// refresh 为 true 时跳过各来源的缓存槽。
// 来源失败/超时只反映在对应的 SourceStatus 上；只要聚合流程本身没出错就返回结果。
func (s *Service) Enrich(ctx context.Context, dev model.DeviceIdentity, refresh bool) (*model.EnrichmentResult, error) {
	if err := dev.Validate(); err != nil {
		return nil, err
	}
	key := dev.Key()

	// 并发请求按设备键合并：只有第一个请求真正查询来源，其余共享同一份结果。
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.queryAndMerge(ctx, dev, key, refresh)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.EnrichmentResult), nil
}

func (s *Service) queryAndMerge(ctx context.Context, dev model.DeviceIdentity, key string, refresh bool) (*model.EnrichmentResult, error) {
	s.mu.RLock()
	sources := make([]Source, len(s.sources))
	copy(sources, s.sources)
	disabled := make(map[string]bool, len(s.disabled))
	for k, v := range s.disabled {
		disabled[k] = v
	}
	s.mu.RUnlock()

	statuses := make([]model.SourceStatus, len(sources))
	payloads := make([]json.RawMessage, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		name := src.Name()
		if disabled[name] {
			statuses[i] = model.SourceStatus{Name: name, State: model.SourceDisabled}
			continue
		}

		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			payloads[i], statuses[i] = s.querySource(ctx, src, dev, key, refresh)
		}(i, src)
	}
	wg.Wait()

	merged, err := mergePayloads(payloads)
	if err != nil {
		return nil, err
	}

	out := &model.EnrichmentResult{
		DeviceKey: key,
		Merged:    merged,
		Sources:   statuses,
		FetchedAt: s.now().Unix(),
	}
	_ = s.store.AppendAudit(ctx, key, "enrich", "enrich_device", "ok", "", "enrich", nil)
	return out, nil
}

// querySource 处理单个来源：缓存槽命中直接返回，否则带超时预算查询并回填缓存。
func (s *Service) querySource(ctx context.Context, src Source, dev model.DeviceIdentity, key string, refresh bool) (json.RawMessage, model.SourceStatus) {
	name := src.Name()

	if !refresh {
		cached, err := s.store.GetEnrichment(ctx, key, name)
		if err == nil && cached != nil && !cached.Expired(s.now()) {
			return cached.Payload, model.SourceStatus{Name: name, State: model.SourceCached}
		}
	}

	started := s.now()
	queryCtx, cancel := context.WithTimeout(ctx, s.sourceTimeout)
	defer cancel()

	payload, err := src.Query(queryCtx, dev)
	elapsed := s.now().Sub(started).Milliseconds()
	if err != nil {
		state := model.SourceError
		if errors.Is(err, context.DeadlineExceeded) {
			state = model.SourceTimeout
		}
		return nil, model.SourceStatus{Name: name, State: state, Error: err.Error(), ElapsedMS: elapsed}
	}

	// 缓存回填失败不影响本次结果。
	_ = s.store.UpsertEnrichment(ctx, model.EnrichmentRecord{
		DeviceKey:  key,
		SourceName: name,
		Payload:    payload,
		FetchedAt:  s.now().Unix(),
		TTLSeconds: int64(s.ttl / time.Second),
	})
	return payload, model.SourceStatus{Name: name, State: model.SourceOK, ElapsedMS: elapsed}
}

// mergePayloads 按来源优先级逐字段合并：先到先得，后续来源不覆盖已填字段。
func mergePayloads(payloads []json.RawMessage) (json.RawMessage, error) {
	merged := map[string]any{}
	for _, payload := range payloads {
		if len(payload) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(payload, &obj); err != nil {
			// 槽里的 payload 在写入前都校验过，这里的坏数据直接跳过。
			continue
		}
		for field, value := range obj {
			if _, exists := merged[field]; !exists {
				merged[field] = value
			}
		}
	}
	return json.Marshal(merged)
}

// Cleanup 删除已过 TTL 的 enrichment 缓存槽。
// source 非空时只清理该来源的槽。
func (s *Service) Cleanup(ctx context.Context, source string) (model.CleanupResult, error) {
	return s.store.DeleteExpiredEnrichments(ctx, s.now(), source)
}
