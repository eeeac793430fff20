package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hw-inspector/internal/adapters/hwids"
	"hw-inspector/internal/domain/model"
)

// Source 是“设备附加信息查询”的最小接口。
//
// 返回值约定：
// - payload 必须是 JSON object（顶层 {}），字段由来源自行定义；
// - 查不到该设备返回空 object 而不是错误，错误留给网络/解码类故障。
//
// 来源的注册顺序即合并优先级：先注册的来源先填字段，后注册的不覆盖已填字段。
type Source interface {
	Name() string
	Query(ctx context.Context, dev model.DeviceIdentity) (json.RawMessage, error)
}

// IDDatabaseSource 从本地 ID 数据库解析厂商/产品名。
// 它不发网络请求，通常注册为最高优先级来源，保证离线环境下 enrich 也有产出。
type IDDatabaseSource struct {
	Registry *hwids.Registry
}

func (s *IDDatabaseSource) Name() string { return "hwids" }

func (s *IDDatabaseSource) Query(_ context.Context, dev model.DeviceIdentity) (json.RawMessage, error) {
	n := dev.Normalize()
	out := map[string]any{}
	if name, ok := s.Registry.LookupVendor(n.Bus, n.VendorID); ok {
		out["vendor_name"] = name
	}
	if name, ok := s.Registry.LookupProduct(n.Bus, n.VendorID, n.ProductID); ok {
		out["product_name"] = name
	}
	return json.Marshal(out)
}

// HTTPSource 对接返回 JSON object 的设备信息 API。
// 请求路径形如 {base}/{bus}/{vendor_id}/{product_id}；404 视为“查不到”，返回空 object。
type HTTPSource struct {
	SourceName string
	BaseURL    string

	HTTPClient *http.Client
}

func NewHTTPSource(name, baseURL string) *HTTPSource {
	return &HTTPSource{
		SourceName: strings.TrimSpace(name),
		BaseURL:    strings.TrimSpace(baseURL),
	}
}

func (s *HTTPSource) Name() string { return s.SourceName }

func (s *HTTPSource) Query(ctx context.Context, dev model.DeviceIdentity) (json.RawMessage, error) {
	n := dev.Normalize()
	u := fmt.Sprintf("%s/%s/%s/%s", strings.TrimRight(s.BaseURL, "/"), n.Bus, n.VendorID, n.ProductID)

	c := s.HTTPClient
	if c == nil {
		c = &http.Client{Timeout: 12 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return json.RawMessage(`{}`), nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	// 解码一遍确认是合法 JSON object，避免把坏响应写进缓存槽。
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return raw, nil
}
