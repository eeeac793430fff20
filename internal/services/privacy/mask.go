package privacy

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"hw-inspector/internal/domain/model"
)

// 展示层脱敏：masked 模式用于对外分享/演示设备报告时隐藏
// 序列号、主机路径等能关联到具体机器的信息。
// 数据库中的原始缓存记录不做任何修改，授权人员仍可复核。

// Mode 的合法取值。
const (
	ModeOff    = "off"
	ModeMasked = "masked"
)

// NormalizeMode 把任意输入归一到合法的脱敏模式，未知值按 off 处理。
func NormalizeMode(s string) string {
	if strings.ToLower(strings.TrimSpace(s)) == ModeMasked {
		return ModeMasked
	}
	return ModeOff
}

// MaskSerial 保留序列号首尾各 2 个字符，中间替换为 ****。
// 过短的序列号整体替换，避免变相泄露长度信息。
func MaskSerial(serial string) string {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return ""
	}
	if len(serial) <= 6 {
		return "****"
	}
	return serial[:2] + "****" + serial[len(serial)-2:]
}

// MaskDeviceKey 只脱敏设备键中的序列号段：bus:vid:pid[:serial][@location]。
// bus/vendor/product 是公开的型号信息，location 是机内插槽位置，均保留。
func MaskDeviceKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}

	location := ""
	if at := strings.Index(key, "@"); at >= 0 {
		location = key[at:]
		key = key[:at]
	}

	parts := strings.SplitN(key, ":", 4)
	if len(parts) == 4 {
		parts[3] = MaskSerial(parts[3])
	}
	return strings.Join(parts, ":") + location
}

// MaskPath 用于把绝对路径压缩为“文件名”形式，避免在对外材料中暴露用户名/目录结构。
func MaskPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Base(p)
}

// MaskDeviceRecordForReport 返回展示层脱敏后的记录副本：
// - DeviceKey 中的序列号段脱敏
// - 探测 payload 里 key 含 serial 的字符串字段脱敏（递归处理嵌套对象）
func MaskDeviceRecordForReport(rec model.DeviceRecord) model.DeviceRecord {
	out := rec
	out.DeviceKey = MaskDeviceKey(rec.DeviceKey)
	out.DeepInfo = maskDeepInfo(rec.DeepInfo)
	return out
}

func maskDeepInfo(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		// 非对象 payload：保持原样，脱敏只针对字段级内容。
		return raw
	}
	maskFields(fields)
	masked, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return masked
}

func maskFields(fields map[string]any) {
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			if strings.Contains(strings.ToLower(k), "serial") {
				fields[k] = MaskSerial(val)
			}
		case map[string]any:
			maskFields(val)
		}
	}
}
