package model

import (
	"encoding/json"
	"time"
)

// SourceState 是单个 enrichment source 在一次查询中的结局。
type SourceState string

const (
	SourceOK       SourceState = "ok"
	SourceCached   SourceState = "cached"
	SourceError    SourceState = "error"
	SourceTimeout  SourceState = "timeout"
	SourceDisabled SourceState = "disabled"
)

// SourceStatus 是 enrich 结果中的逐 source 状态行，
// 用于让 UI 展示“3/4 个来源成功”而不是一个整体失败。
type SourceStatus struct {
	Name      string      `json:"name"`
	State     SourceState `json:"state"`
	Error     string      `json:"error,omitempty"`
	ElapsedMS int64       `json:"elapsed_ms,omitempty"`
}

// SourceDescriptor 描述一个已注册的 enrichment source（纯配置，不发网络请求）。
type SourceDescriptor struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// EnrichmentRecord 是单个 (device_key, source) 缓存槽中的记录。
type EnrichmentRecord struct {
	DeviceKey  string          `json:"device_key"`
	SourceName string          `json:"source_name"`
	Payload    json.RawMessage `json:"payload"`
	FetchedAt  int64           `json:"fetched_at"`
	TTLSeconds int64           `json:"ttl_seconds"`
}

// Expired 判断缓存槽在 now 时刻是否已过 TTL。
func (r EnrichmentRecord) Expired(now time.Time) bool {
	if r.TTLSeconds <= 0 {
		return false
	}
	return now.Unix() >= r.FetchedAt+r.TTLSeconds
}

// EnrichmentResult 是一次 enrich 调用的聚合输出：
// Merged 按 source 优先级逐字段合并（先到先得，低优先级不覆盖已填字段），
// Sources 保留每个来源的状态供展示与排错。
type EnrichmentResult struct {
	DeviceKey string          `json:"device_key"`
	Merged    json.RawMessage `json:"merged"`
	Sources   []SourceStatus  `json:"sources"`
	FetchedAt int64           `json:"fetched_at"`
}
