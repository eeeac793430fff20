package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"howett.net/plist"

	"hw-inspector/internal/domain/model"
)

// probeSystemProfiler 解析 macOS system_profiler 的 plist 输出。
// -xml 模式输出一个 plist 数组，设备树挂在各级 _items 下。
func (p *SystemProber) probeSystemProfiler(ctx context.Context, dev model.DeviceIdentity) (json.RawMessage, error) {
	dataType := "SPUSBDataType"
	if dev.Bus == model.BusPCI {
		dataType = "SPPCIDataType"
	}

	raw, err := p.run(ctx, "system_profiler", dataType, "-xml")
	if err != nil {
		return nil, err
	}
	return findProfilerItem(raw, dev)
}

// findProfilerItem 在 plist 输出中定位匹配 vendor/product 的设备节点。
// system_profiler 的 ID 字段形态并不统一（"0x046d"、"0x046d  (Logitech Inc.)"），
// 因此按“任一字符串值包含 0x<code>”做宽松匹配。
func findProfilerItem(raw []byte, dev model.DeviceIdentity) (json.RawMessage, error) {
	var doc []map[string]any
	if _, err := plist.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode system_profiler plist: %w", err)
	}

	for _, section := range doc {
		if found := searchItems(section, dev); found != nil {
			return json.Marshal(found)
		}
	}
	return nil, fmt.Errorf("%s device %s:%s not found", dev.Bus, dev.VendorID, dev.ProductID)
}

func searchItems(node map[string]any, dev model.DeviceIdentity) map[string]any {
	if matchesIdentity(node, dev) {
		return node
	}
	items, _ := node["_items"].([]any)
	for _, item := range items {
		child, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if found := searchItems(child, dev); found != nil {
			return found
		}
	}
	return nil
}

func matchesIdentity(node map[string]any, dev model.DeviceIdentity) bool {
	vendorHit, productHit := false, false
	for key, value := range node {
		s, ok := value.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		isIDKey := strings.Contains(key, "vendor") || strings.Contains(key, "device") || strings.Contains(key, "product")
		if !isIDKey {
			continue
		}
		if strings.Contains(lower, "0x"+dev.VendorID) {
			vendorHit = true
		}
		if strings.Contains(lower, "0x"+dev.ProductID) {
			productHit = true
		}
	}
	return vendorHit && productHit
}
