package hwids

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"hw-inspector/internal/domain/model"
)

// 官方定义文件的默认下载地址。
const (
	DefaultUSBSourceURL = "http://www.linux-usb.org/usb.ids"
	DefaultPCISourceURL = "https://pci-ids.ucw.cz/v2.2/pci.ids"

	// maxDefinitionBytes 限制单个定义文件的下载体积，
	// 防止异常响应把临时目录写爆。线上完整文件在 1–2 MiB 量级。
	maxDefinitionBytes = 32 << 20
)

// Fetcher 抽象定义文件的远端获取，便于测试时替换为固定内容。
type Fetcher interface {
	FetchDefinitions(ctx context.Context, kind model.Bus) ([]byte, error)
}

// HTTPFetcher 从官方镜像按类别下载定义文件。
type HTTPFetcher struct {
	USBSourceURL string
	PCISourceURL string
	Client       *http.Client
}

// NewHTTPFetcher 构建带默认地址与超时的下载器；空参数使用默认值。
func NewHTTPFetcher(usbURL, pciURL string, timeout time.Duration) *HTTPFetcher {
	if usbURL == "" {
		usbURL = DefaultUSBSourceURL
	}
	if pciURL == "" {
		pciURL = DefaultPCISourceURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		USBSourceURL: usbURL,
		PCISourceURL: pciURL,
		Client:       &http.Client{Timeout: timeout},
	}
}

// FetchDefinitions 下载一个类别的定义文件全文。
func (f *HTTPFetcher) FetchDefinitions(ctx context.Context, kind model.Bus) ([]byte, error) {
	url := f.USBSourceURL
	if kind == model.BusPCI {
		url = f.PCISourceURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s ids request: %w", kind, err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s ids: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s ids: unexpected status %d", kind, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDefinitionBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s ids body: %w", kind, err)
	}
	return raw, nil
}

// Updater 负责把远端定义文件落盘为覆盖文件并触发快照重建。
// 同类别的并发更新请求通过 singleflight 合并成一次下载。
type Updater struct {
	reg     *Registry
	fetcher Fetcher
	maxAge  time.Duration

	group singleflight.Group
	now   func() time.Time
}

// NewUpdater 构建更新器；maxAge<=0 表示每次都视为过期。
func NewUpdater(reg *Registry, fetcher Fetcher, maxAge time.Duration) *Updater {
	return &Updater{
		reg:     reg,
		fetcher: fetcher,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// NeedsUpdate 依据覆盖文件的修改时间判断是否超过最大陈旧时间。
// 覆盖文件不存在（仅有内嵌基线）时总是需要更新。
func (u *Updater) NeedsUpdate(kind model.Bus) bool {
	info, err := os.Stat(u.reg.OverridePath(kind))
	if err != nil {
		return true
	}
	if u.maxAge <= 0 {
		return true
	}
	return u.now().Sub(info.ModTime()) > u.maxAge
}

// Update 更新单个类别并返回结果。
// 失败写入 UpdateResult.Error，磁盘文件与内存快照保持原状；
// 同类别并发调用共享同一次下载的结果。
func (u *Updater) Update(ctx context.Context, kind model.Bus) model.UpdateResult {
	v, _, _ := u.group.Do(string(kind), func() (interface{}, error) {
		return u.updateOne(ctx, kind), nil
	})
	return v.(model.UpdateResult)
}

// UpdateAll 更新两个类别，其中已足够新的类别直接跳过。
// force 为 true 时忽略陈旧判定，强制重新下载。
func (u *Updater) UpdateAll(ctx context.Context, force bool) model.UpdateResult {
	out := model.UpdateResult{}
	for _, kind := range []model.Bus{model.BusUSB, model.BusPCI} {
		if !force && !u.NeedsUpdate(kind) {
			continue
		}
		res := u.Update(ctx, kind)
		if res.Updated {
			out.Updated = true
		}
		out.SkippedLines += res.SkippedLines
		if res.Error != "" {
			if out.Error != "" {
				out.Error += "; "
			}
			out.Error += res.Error
		}
	}
	u.fillCounts(&out)
	return out
}

func (u *Updater) updateOne(ctx context.Context, kind model.Bus) model.UpdateResult {
	res := model.UpdateResult{}

	raw, err := u.fetcher.FetchDefinitions(ctx, kind)
	if err != nil {
		res.Error = err.Error()
		u.fillCounts(&res)
		return res
	}

	// 落盘前先完整解析校验：空文件或解析不出任何厂商的内容
	// 一律视为坏响应，直接丢弃，绝不覆盖现有文件。
	parsed, err := Parse(kind, bytes.NewReader(raw))
	if err != nil {
		res.Error = err.Error()
		u.fillCounts(&res)
		return res
	}
	if parsed.VendorCount() == 0 {
		res.Error = fmt.Sprintf("%s ids: downloaded file contains no vendor entries", kind)
		u.fillCounts(&res)
		return res
	}

	if err := writeFileAtomic(u.reg.OverridePath(kind), raw); err != nil {
		res.Error = err.Error()
		u.fillCounts(&res)
		return res
	}

	db, err := u.reg.Reload(kind)
	if err != nil {
		res.Error = err.Error()
		u.fillCounts(&res)
		return res
	}

	res.Updated = true
	res.SkippedLines = db.SkippedLines
	u.fillCounts(&res)
	return res
}

// fillCounts 把当前活动快照的条目数写入结果（无论本次是否更新成功）。
func (u *Updater) fillCounts(res *model.UpdateResult) {
	if db := u.reg.Get(model.BusUSB); db != nil {
		res.USBEntries = db.VendorCount() + db.ProductCount()
	}
	if db := u.reg.Get(model.BusPCI); db != nil {
		res.PCIEntries = db.VendorCount() + db.ProductCount()
	}
}

// writeFileAtomic 先写同目录临时文件再 rename，
// 确保覆盖文件要么是旧的完整版本、要么是新的完整版本。
func writeFileAtomic(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ids dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ids-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ids file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp ids file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp ids file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish ids file: %w", err)
	}
	return nil
}
