package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Bus 表示硬件标识符所属的总线类别。
type Bus string

const (
	BusUSB Bus = "usb"
	BusPCI Bus = "pci"
)

// ParseBus 校验并归一化总线类别字符串。
func ParseBus(s string) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "usb":
		return BusUSB, nil
	case "pci":
		return BusPCI, nil
	default:
		return "", fmt.Errorf("unknown bus: %s", s)
	}
}

// DeviceIdentity 是一个硬件设备的原始标识输入。
// VendorID/ProductID 是 4 位十六进制（USB VID/PID 或 PCI Vendor/Device），
// Serial 与 Location 用于区分同型号多实例（均可为空）。
type DeviceIdentity struct {
	Bus       Bus    `json:"bus"`
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`
	Serial    string `json:"serial,omitempty"`
	Location  string `json:"location,omitempty"`
}

// Normalize 返回十六进制小写、去空白后的标识副本。
// 所有缓存键派生都必须经过它，保证 046D 与 046d 命中同一条缓存。
func (d DeviceIdentity) Normalize() DeviceIdentity {
	return DeviceIdentity{
		Bus:       Bus(strings.ToLower(strings.TrimSpace(string(d.Bus)))),
		VendorID:  strings.ToLower(strings.TrimSpace(d.VendorID)),
		ProductID: strings.ToLower(strings.TrimSpace(d.ProductID)),
		Serial:    strings.TrimSpace(d.Serial),
		Location:  strings.TrimSpace(d.Location),
	}
}

// Key 返回设备的稳定缓存键：bus:vid:pid[:serial][@location]。
// 可读格式便于日志排查；同一设备的所有缓存（深度信息/enrichment）共用该键。
func (d DeviceIdentity) Key() string {
	n := d.Normalize()
	key := fmt.Sprintf("%s:%s:%s", n.Bus, n.VendorID, n.ProductID)
	if n.Serial != "" {
		key += ":" + n.Serial
	}
	if n.Location != "" {
		key += "@" + n.Location
	}
	return key
}

// Validate 检查标识符是否满足 4 位十六进制约定。
func (d DeviceIdentity) Validate() error {
	n := d.Normalize()
	if n.Bus != BusUSB && n.Bus != BusPCI {
		return fmt.Errorf("unknown bus: %s", d.Bus)
	}
	for _, code := range []string{n.VendorID, n.ProductID} {
		if len(code) != 4 {
			return fmt.Errorf("invalid id code: %q (expect 4 hex digits)", code)
		}
		for _, r := range code {
			if !strings.ContainsRune("0123456789abcdef", r) {
				return fmt.Errorf("invalid id code: %q (expect 4 hex digits)", code)
			}
		}
	}
	return nil
}

// DeviceRecord 是深度设备信息缓存中的一条记录。
// DeepInfo 是探测采集器返回的不透明 JSON payload，核心不解释其内容。
type DeviceRecord struct {
	DeviceKey   string          `json:"device_key"`
	VendorName  string          `json:"vendor_name,omitempty"`
	ProductName string          `json:"product_name,omitempty"`
	DeepInfo    json.RawMessage `json:"deep_info"`
	FetchedAt   int64           `json:"fetched_at"`
	TTLSeconds  int64           `json:"ttl_seconds"`
}

// Expired 判断记录在 now 时刻是否已过 TTL（惰性过期判定的唯一入口）。
func (r DeviceRecord) Expired(now time.Time) bool {
	if r.TTLSeconds <= 0 {
		return false
	}
	return now.Unix() >= r.FetchedAt+r.TTLSeconds
}

// DeviceCacheStats 是设备信息缓存的统计摘要。
type DeviceCacheStats struct {
	EntryCount   int   `json:"entry_count"`
	ExpiredCount int   `json:"expired_count"`
	TotalBytes   int64 `json:"total_bytes"`
}

// CleanupResult 记录一次缓存清理的结果计数。
type CleanupResult struct {
	Removed  int `json:"removed"`
	Retained int `json:"retained"`
}

// UpdateResult 是一次 ID 定义文件更新尝试的结果。
// 失败通过 Error 字段返回而不是 error 值，便于 UI 直接展示
// “未更新 + 原因”而不是收到一个不透明异常。
type UpdateResult struct {
	Updated      bool   `json:"updated"`
	USBEntries   int    `json:"usb_entries"`
	PCIEntries   int    `json:"pci_entries"`
	SkippedLines int    `json:"skipped_lines,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ImageCacheEntry 是图片缓存索引中的一条记录。
type ImageCacheEntry struct {
	CacheKey  string `json:"cache_key"`
	DeviceKey string `json:"device_key"`
	FilePath  string `json:"file_path"`
	FetchedAt int64  `json:"fetched_at"`
	SizeBytes int64  `json:"size_bytes"`
}

// ImageCacheStats 是图片缓存的统计摘要。
type ImageCacheStats struct {
	EntryCount int   `json:"entry_count"`
	TotalBytes int64 `json:"total_bytes"`
}
