package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// 构建期注入的版本信息（-ldflags -X）。
var (
	Version   = "0.2.0"
	Commit    = "dev"
	BuildTime = ""
)

// Config 存放应用级路径与缓存策略配置。
//
// 所有策略值都有文档化默认值，可被配置文件与 CLI 参数覆盖，
// 不允许在业务代码里硬编码（便于测试注入临时目录和极短 TTL）。
type Config struct {
	// DataDir 是唯一可写数据根目录，其余路径默认从它派生。
	DataDir string `yaml:"data_dir"`

	DBPath   string `yaml:"db_path"`
	IDsDir   string `yaml:"ids_dir"`
	ImageDir string `yaml:"image_dir"`

	// IDRefreshMaxAge 是本地 usb.ids/pci.ids 覆盖文件的新鲜度窗口，
	// 超过该窗口 NeedsUpdate 返回 true。默认 30 天。
	IDRefreshMaxAge time.Duration `yaml:"id_refresh_max_age"`

	// DeviceTTL 是深度设备信息缓存记录的存活时间。默认 24 小时。
	DeviceTTL time.Duration `yaml:"device_ttl"`

	// ImageMaxBytes / ImageMaxAge 是图片缓存清理阈值。
	// 默认 256MiB / 30 天。
	ImageMaxBytes int64         `yaml:"image_max_bytes"`
	ImageMaxAge   time.Duration `yaml:"image_max_age"`

	// EnrichTTL 是每个 enrichment source 缓存槽的存活时间。默认 7 天。
	EnrichTTL time.Duration `yaml:"enrich_ttl"`

	// SourceTimeout 是单个 enrichment source 查询的超时上限。默认 8 秒。
	SourceTimeout time.Duration `yaml:"source_timeout"`

	// UpdateTimeout 是一次远端 ID 定义文件下载的超时上限。默认 30 秒。
	UpdateTimeout time.Duration `yaml:"update_timeout"`

	// USBSourceURL / PCISourceURL 是远端权威定义文件地址。
	USBSourceURL string `yaml:"usb_source_url"`
	PCISourceURL string `yaml:"pci_source_url"`

	// EnrichSources 是额外的 enrichment HTTP 来源。
	// 本地 ID 数据库来源始终内置且优先级最高，这里只配置外部 API。
	EnrichSources []EnrichSourceConfig `yaml:"enrich_sources"`
}

// EnrichSourceConfig 描述一个外部 enrichment 来源。
type EnrichSourceConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	// Enabled 缺省（nil）视为启用。
	Enabled *bool `yaml:"enabled"`
}

// DefaultConfig 返回本地开发环境的默认配置。
func DefaultConfig() Config {
	cfg := Config{
		DataDir:         "data",
		IDRefreshMaxAge: 30 * 24 * time.Hour,
		DeviceTTL:       24 * time.Hour,
		ImageMaxBytes:   256 << 20,
		ImageMaxAge:     30 * 24 * time.Hour,
		EnrichTTL:       7 * 24 * time.Hour,
		SourceTimeout:   8 * time.Second,
		UpdateTimeout:   30 * time.Second,
		USBSourceURL:    "http://www.linux-usb.org/usb.ids",
		PCISourceURL:    "https://pci-ids.ucw.cz/v2.2/pci.ids",
	}
	cfg.applyDerived()
	return cfg
}

// LoadConfig 读取可选的 YAML 配置文件并叠加在默认值之上。
// path 为空或文件不存在时直接返回默认配置（安装即用，不强制配置文件）。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDerived()
	return cfg, nil
}

// applyDerived 用 DataDir 补齐未显式配置的派生路径，并兜底非法策略值。
func (c *Config) applyDerived() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "inspector.db")
	}
	if c.IDsDir == "" {
		c.IDsDir = filepath.Join(c.DataDir, "ids")
	}
	if c.ImageDir == "" {
		c.ImageDir = filepath.Join(c.DataDir, "images")
	}
	if c.IDRefreshMaxAge <= 0 {
		c.IDRefreshMaxAge = 30 * 24 * time.Hour
	}
	if c.DeviceTTL <= 0 {
		c.DeviceTTL = 24 * time.Hour
	}
	if c.ImageMaxBytes <= 0 {
		c.ImageMaxBytes = 256 << 20
	}
	if c.ImageMaxAge <= 0 {
		c.ImageMaxAge = 30 * 24 * time.Hour
	}
	if c.EnrichTTL <= 0 {
		c.EnrichTTL = 7 * 24 * time.Hour
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = 8 * time.Second
	}
	if c.UpdateTimeout <= 0 {
		c.UpdateTimeout = 30 * time.Second
	}
}

// EnsureDataDirs 创建数据目录结构。
// 返回的 inMemory 表示数据根目录不可用、应降级为进程内缓存
// （sqlite 使用 :memory:，图片缓存使用临时目录）。
func (c *Config) EnsureDataDirs() (inMemory bool, err error) {
	if mkErr := os.MkdirAll(c.DataDir, 0o755); mkErr != nil {
		tmp, tmpErr := os.MkdirTemp("", "hw-inspector-*")
		if tmpErr != nil {
			return false, fmt.Errorf("create data directory: %w", mkErr)
		}
		c.DataDir = tmp
		c.DBPath = ":memory:"
		c.IDsDir = filepath.Join(tmp, "ids")
		c.ImageDir = filepath.Join(tmp, "images")
		inMemory = true
	}

	for _, dir := range []string{c.IDsDir, c.ImageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return inMemory, fmt.Errorf("create cache directory %s: %w", dir, err)
		}
	}
	return inMemory, nil
}
