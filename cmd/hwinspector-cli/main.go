package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"hw-inspector/internal/adapters/hwids"
	"hw-inspector/internal/adapters/probe"
	sqliteadapter "hw-inspector/internal/adapters/store/sqlite"
	"hw-inspector/internal/app"
	"hw-inspector/internal/domain/model"
	"hw-inspector/internal/services/auditverify"
	"hw-inspector/internal/services/devicecache"
	"hw-inspector/internal/services/devicereport"
	"hw-inspector/internal/services/enrich"
	"hw-inspector/internal/services/imagecache"
	"hw-inspector/internal/services/webapp"

	_ "modernc.org/sqlite"
)

// CLI 入口。所有子命令错误都统一输出到 stderr 并返回非 0 状态码。
func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run 是一级命令路由。
func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "lookup":
		return runLookup(ctx, args[1:])
	case "ids":
		return runIDs(ctx, args[1:])
	case "device":
		return runDevice(ctx, args[1:])
	case "image":
		return runImage(ctx, args[1:])
	case "enrich":
		return runEnrich(ctx, args[1:])
	case "report":
		return runReport(ctx, args[1:])
	case "audit":
		return runAudit(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// openDB 打开 sqlite 并执行迁移，所有需要持久化的子命令共用。
func openDB(ctx context.Context, dbPath string) (*sql.DB, *sqliteadapter.Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sqliteadapter.Open(ctx, dbPath)
	if err != nil {
		return nil, nil, err
	}
	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, sqliteadapter.NewStore(db), nil
}

// identityFlags 把设备标识参数统一挂到 FlagSet 上，避免每个子命令重复定义。
type identityFlags struct {
	bus      *string
	vendor   *string
	product  *string
	serial   *string
	location *string
}

func addIdentityFlags(fs *flag.FlagSet) identityFlags {
	return identityFlags{
		bus:      fs.String("bus", "usb", "bus kind: usb|pci"),
		vendor:   fs.String("vendor", "", "vendor id (4 hex digits, required)"),
		product:  fs.String("product", "", "product id (4 hex digits, required)"),
		serial:   fs.String("serial", "", "serial number (optional)"),
		location: fs.String("location", "", "bus location, e.g. 0000:00:14.3 (optional)"),
	}
}

func (f identityFlags) identity() (model.DeviceIdentity, error) {
	bus, err := model.ParseBus(*f.bus)
	if err != nil {
		return model.DeviceIdentity{}, err
	}
	dev := model.DeviceIdentity{
		Bus:       bus,
		VendorID:  *f.vendor,
		ProductID: *f.product,
		Serial:    *f.serial,
		Location:  *f.location,
	}
	if err := dev.Validate(); err != nil {
		return model.DeviceIdentity{}, err
	}
	return dev.Normalize(), nil
}

func loadRegistry(idsDir string) (*hwids.Registry, error) {
	reg := hwids.NewRegistry(idsDir)
	if err := reg.Load(); err != nil {
		return nil, err
	}
	return reg, nil
}

// runMigrate 执行 SQLite 迁移，确保数据库结构完整。
func runMigrate(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, _, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("migrations applied successfully: db=%s\n", *dbPath)
	return nil
}

// runLookup 做纯名称解析：只查本地 ID 数据库，不探测、不访问网络。
func runLookup(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("lookup", flag.ContinueOnError)
	idsDir := fs.String("ids-dir", cfg.IDsDir, "local ids override directory")
	idf := addIdentityFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	dev, err := idf.identity()
	if err != nil {
		return err
	}

	reg, err := loadRegistry(*idsDir)
	if err != nil {
		return err
	}

	vendorName, vendorFound := reg.LookupVendor(dev.Bus, dev.VendorID)
	productName, productFound := reg.LookupProduct(dev.Bus, dev.VendorID, dev.ProductID)

	fmt.Printf("device_key=%s\n", dev.Key())
	if vendorFound {
		fmt.Printf("vendor=%s\n", vendorName)
	} else {
		fmt.Println("vendor=<unknown>")
	}
	if productFound {
		fmt.Printf("product=%s\n", productName)
	} else {
		fmt.Println("product=<unknown>")
	}
	return nil
}

// runIDs 是 ID 定义库子命令路由：status / update。
func runIDs(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printIDsUsage()
		return nil
	}
	switch args[0] {
	case "status":
		return runIDsStatus(ctx, args[1:])
	case "update":
		return runIDsUpdate(ctx, args[1:])
	default:
		printIDsUsage()
		return fmt.Errorf("unknown ids command: %s", args[0])
	}
}

func runIDsStatus(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("ids status", flag.ContinueOnError)
	idsDir := fs.String("ids-dir", cfg.IDsDir, "local ids override directory")
	maxAge := fs.Duration("max-age", cfg.IDRefreshMaxAge, "freshness window for override files")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg, err := loadRegistry(*idsDir)
	if err != nil {
		return err
	}
	updater := hwids.NewUpdater(reg, nil, *maxAge)

	for _, kind := range []model.Bus{model.BusUSB, model.BusPCI} {
		db := reg.Get(kind)
		if db == nil {
			fmt.Printf("%s: not loaded\n", kind)
			continue
		}
		source := "embedded baseline"
		if db.FromOverride {
			source = reg.OverridePath(kind)
		}
		fmt.Printf("%s: vendors=%s products=%s skipped_lines=%d source=%s needs_update=%v\n",
			kind,
			humanize.Comma(int64(db.VendorCount())),
			humanize.Comma(int64(db.ProductCount())),
			db.SkippedLines,
			source,
			updater.NeedsUpdate(kind),
		)
	}
	return nil
}

func runIDsUpdate(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("ids update", flag.ContinueOnError)
	idsDir := fs.String("ids-dir", cfg.IDsDir, "local ids override directory")
	usbURL := fs.String("usb-url", cfg.USBSourceURL, "usb.ids source url")
	pciURL := fs.String("pci-url", cfg.PCISourceURL, "pci.ids source url")
	timeout := fs.Duration("timeout", cfg.UpdateTimeout, "download timeout per file")
	maxAge := fs.Duration("max-age", cfg.IDRefreshMaxAge, "freshness window for override files")
	force := fs.Bool("force", false, "download even if local files are fresh")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg, err := loadRegistry(*idsDir)
	if err != nil {
		return err
	}
	updater := hwids.NewUpdater(reg, hwids.NewHTTPFetcher(*usbURL, *pciURL, *timeout), *maxAge)

	res := updater.UpdateAll(ctx, *force)
	fmt.Printf("updated=%v usb_entries=%s pci_entries=%s\n",
		res.Updated, humanize.Comma(int64(res.USBEntries)), humanize.Comma(int64(res.PCIEntries)))
	if res.SkippedLines > 0 {
		fmt.Printf("skipped_lines=%d\n", res.SkippedLines)
	}
	if res.Error != "" {
		return fmt.Errorf("update incomplete: %s", res.Error)
	}
	return nil
}

// runDevice 是设备信息缓存子命令路由。
func runDevice(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printDeviceUsage()
		return nil
	}
	switch args[0] {
	case "deep-info":
		return runDeviceDeepInfo(ctx, args[1:])
	case "search":
		return runDeviceSearch(ctx, args[1:])
	case "list":
		return runDeviceList(ctx, args[1:])
	case "clear":
		return runDeviceClear(ctx, args[1:])
	case "cleanup":
		return runDeviceCleanup(ctx, args[1:])
	case "stats":
		return runDeviceStats(ctx, args[1:])
	default:
		printDeviceUsage()
		return fmt.Errorf("unknown device command: %s", args[0])
	}
}

func newDeviceService(ctx context.Context, dbPath, idsDir string, ttl time.Duration) (*sql.DB, *devicecache.Service, error) {
	db, store, err := openDB(ctx, dbPath)
	if err != nil {
		return nil, nil, err
	}
	reg, err := loadRegistry(idsDir)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, devicecache.NewService(store, reg, probe.NewSystemProber(), ttl), nil
}

// runDeviceDeepInfo 查询设备深度信息（带缓存，失败时降级为名称解析）。
func runDeviceDeepInfo(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("device deep-info", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	idsDir := fs.String("ids-dir", cfg.IDsDir, "local ids override directory")
	ttl := fs.Duration("ttl", cfg.DeviceTTL, "cache ttl for new entries")
	refresh := fs.Bool("refresh", false, "skip cache and probe again")
	idf := addIdentityFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	dev, err := idf.identity()
	if err != nil {
		return err
	}

	db, svc, err := newDeviceService(ctx, *dbPath, *idsDir, *ttl)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := svc.GetDeepInfo(ctx, dev, *refresh)
	if err != nil {
		return err
	}
	if len(res.Warnings) > 0 {
		fmt.Fprintf(os.Stderr, "warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return printJSON(res)
}

func runDeviceSearch(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("device search", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	query := fs.String("q", "", "search text (matches key, names and probe payload)")
	limit := fs.Int("limit", 50, "max rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*query) == "" {
		return fmt.Errorf("--q is required")
	}

	db, store, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := store.SearchDevices(ctx, *query, *limit, time.Now())
	if err != nil {
		return err
	}
	return printJSON(rows)
}

func runDeviceList(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("device list", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	limit := fs.Int("limit", 50, "max rows")
	offset := fs.Int("offset", 0, "offset")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, store, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := store.ListDevices(ctx, *limit, *offset, time.Now())
	if err != nil {
		return err
	}
	return printJSON(rows)
}

// runDeviceClear 清理设备缓存：给了设备标识只清单个，否则清全部（需 --all 确认）。
func runDeviceClear(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("device clear", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	idsDir := fs.String("ids-dir", cfg.IDsDir, "local ids override directory")
	all := fs.Bool("all", false, "clear every cached device")
	idf := addIdentityFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var target *model.DeviceIdentity
	if !*all {
		dev, err := idf.identity()
		if err != nil {
			return fmt.Errorf("device identity required (or pass --all): %w", err)
		}
		target = &dev
	}

	db, svc, err := newDeviceService(ctx, *dbPath, *idsDir, cfg.DeviceTTL)
	if err != nil {
		return err
	}
	defer db.Close()

	removed, err := svc.Clear(ctx, target)
	if err != nil {
		return err
	}
	fmt.Printf("removed=%d\n", removed)
	return nil
}

func runDeviceCleanup(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("device cleanup", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, store, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := store.DeleteExpiredDevices(ctx, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("removed=%d retained=%d\n", res.Removed, res.Retained)
	return nil
}

func runDeviceStats(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("device stats", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, store, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := store.DeviceStats(ctx, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("entries=%d expired=%d payload=%s\n",
		stats.EntryCount, stats.ExpiredCount, humanize.Bytes(uint64(stats.TotalBytes)))
	return nil
}

// runImage 是图片缓存子命令路由。
func runImage(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printImageUsage()
		return nil
	}
	switch args[0] {
	case "fetch":
		return runImageFetch(ctx, args[1:])
	case "key":
		return runImageKey(ctx, args[1:])
	case "cached":
		return runImageCached(ctx, args[1:])
	case "stats":
		return runImageStats(ctx, args[1:])
	case "cleanup":
		return runImageCleanup(ctx, args[1:])
	default:
		printImageUsage()
		return fmt.Errorf("unknown image command: %s", args[0])
	}
}

func newImageService(ctx context.Context, cfg app.Config, dbPath, imageDir string) (*sql.DB, *imagecache.Service, error) {
	db, store, err := openDB(ctx, dbPath)
	if err != nil {
		return nil, nil, err
	}
	return db, imagecache.NewService(store, imageDir, cfg.ImageMaxBytes, cfg.ImageMaxAge), nil
}

func runImageFetch(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("image fetch", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	imageDir := fs.String("image-dir", cfg.ImageDir, "image cache directory")
	sourceURL := fs.String("url", "", "image source url (required)")
	cacheKey := fs.String("cache-key", "", "pre-computed cache key (optional)")
	idf := addIdentityFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*sourceURL) == "" {
		return fmt.Errorf("--url is required")
	}
	dev, err := idf.identity()
	if err != nil {
		return err
	}

	db, svc, err := newImageService(ctx, cfg, *dbPath, *imageDir)
	if err != nil {
		return err
	}
	defer db.Close()

	var res *imagecache.FetchResult
	if strings.TrimSpace(*cacheKey) != "" {
		res, err = svc.FetchWithKey(ctx, dev, *sourceURL, *cacheKey)
	} else {
		res, err = svc.Fetch(ctx, dev, *sourceURL)
	}
	if err != nil {
		return err
	}

	fmt.Printf("cache_key=%s cached=%v\n", res.Entry.CacheKey, res.Cached)
	fmt.Printf("path=%s size=%s\n", res.Entry.FilePath, humanize.Bytes(uint64(res.Entry.SizeBytes)))
	return nil
}

// runImageKey 只计算缓存键，不触发下载（给外部脚本预判缓存命中用）。
func runImageKey(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("image key", flag.ContinueOnError)
	sourceURL := fs.String("url", "", "image source url (required)")
	idf := addIdentityFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*sourceURL) == "" {
		return fmt.Errorf("--url is required")
	}
	dev, err := idf.identity()
	if err != nil {
		return err
	}

	svc := imagecache.NewService(nil, "", 0, 0)
	fmt.Println(svc.CacheKey(dev, *sourceURL))
	return nil
}

func runImageCached(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("image cached", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	imageDir := fs.String("image-dir", cfg.ImageDir, "image cache directory")
	cacheKey := fs.String("cache-key", "", "cache key (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*cacheKey) == "" {
		return fmt.Errorf("--cache-key is required")
	}

	db, svc, err := newImageService(ctx, cfg, *dbPath, *imageDir)
	if err != nil {
		return err
	}
	defer db.Close()

	path, ok, err := svc.CachedPath(ctx, *cacheKey)
	if err != nil {
		return err
	}
	fmt.Printf("cached=%v\n", ok)
	if ok {
		fmt.Printf("path=%s\n", path)
	}
	return nil
}

func runImageStats(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("image stats", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	imageDir := fs.String("image-dir", cfg.ImageDir, "image cache directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, svc, err := newImageService(ctx, cfg, *dbPath, *imageDir)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := svc.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("entries=%d total=%s\n", stats.EntryCount, humanize.Bytes(uint64(stats.TotalBytes)))
	return nil
}

func runImageCleanup(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("image cleanup", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	imageDir := fs.String("image-dir", cfg.ImageDir, "image cache directory")
	maxBytes := fs.Int64("max-bytes", cfg.ImageMaxBytes, "total size budget")
	maxAge := fs.Duration("max-age", cfg.ImageMaxAge, "max entry age")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, store, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := imagecache.NewService(store, *imageDir, *maxBytes, *maxAge)
	res, err := svc.Cleanup(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("removed=%d retained=%d\n", res.Removed, res.Retained)
	return nil
}

// runEnrich 是 enrichment 子命令路由：run / sources / cleanup。
func runEnrich(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printEnrichUsage()
		return nil
	}
	switch args[0] {
	case "run":
		return runEnrichRun(ctx, args[1:])
	case "sources":
		return runEnrichSources(ctx, args[1:])
	case "cleanup":
		return runEnrichCleanup(ctx, args[1:])
	default:
		printEnrichUsage()
		return fmt.Errorf("unknown enrich command: %s", args[0])
	}
}

func newEnrichService(ctx context.Context, cfg app.Config, dbPath, idsDir string) (*sql.DB, *enrich.Service, error) {
	db, store, err := openDB(ctx, dbPath)
	if err != nil {
		return nil, nil, err
	}
	reg, err := loadRegistry(idsDir)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, buildEnrichService(cfg, store, reg), nil
}

// buildEnrichService 组装 enrichment 服务：本地 ID 数据库来源始终内置且优先级最高。
func buildEnrichService(cfg app.Config, store *sqliteadapter.Store, reg *hwids.Registry) *enrich.Service {
	svc := enrich.NewService(store, cfg.EnrichTTL, cfg.SourceTimeout)
	svc.Register(&enrich.IDDatabaseSource{Registry: reg})
	for _, src := range cfg.EnrichSources {
		if src.Name == "" || src.BaseURL == "" {
			continue
		}
		svc.Register(enrich.NewHTTPSource(src.Name, src.BaseURL))
		if src.Enabled != nil && !*src.Enabled {
			svc.SetEnabled(src.Name, false)
		}
	}
	return svc
}

func runEnrichRun(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("enrich run", flag.ContinueOnError)
	configPath := fs.String("config", "", "yaml config path (for external sources)")
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	idsDir := fs.String("ids-dir", cfg.IDsDir, "local ids override directory")
	refresh := fs.Bool("refresh", false, "skip per-source cache slots")
	idf := addIdentityFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	dev, err := idf.identity()
	if err != nil {
		return err
	}

	if *configPath != "" {
		if cfg, err = app.LoadConfig(*configPath); err != nil {
			return err
		}
	}

	db, svc, err := newEnrichService(ctx, cfg, *dbPath, *idsDir)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := svc.Enrich(ctx, dev, *refresh)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runEnrichSources(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("enrich sources", flag.ContinueOnError)
	configPath := fs.String("config", "", "yaml config path (for external sources)")
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	idsDir := fs.String("ids-dir", cfg.IDsDir, "local ids override directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *configPath != "" {
		var err error
		if cfg, err = app.LoadConfig(*configPath); err != nil {
			return err
		}
	}

	db, svc, err := newEnrichService(ctx, cfg, *dbPath, *idsDir)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, src := range svc.ListSources() {
		fmt.Printf("%s enabled=%v\n", src.Name, src.Enabled)
	}
	return nil
}

func runEnrichCleanup(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("enrich cleanup", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	source := fs.String("source", "", "only clean slots of this source")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, store, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := store.DeleteExpiredEnrichments(ctx, time.Now(), *source)
	if err != nil {
		return err
	}
	fmt.Printf("removed=%d retained=%d\n", res.Removed, res.Retained)
	return nil
}

// runReport 生成单设备 PDF 报告（用缓存数据，必要时先探测）。
func runReport(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "device" {
		printReportUsage()
		if len(args) == 0 {
			return nil
		}
		return fmt.Errorf("unknown report command: %s", args[0])
	}
	args = args[1:]

	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("report device", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	idsDir := fs.String("ids-dir", cfg.IDsDir, "local ids override directory")
	outDir := fs.String("out-dir", filepath.Join(cfg.DataDir, "reports"), "report output directory")
	operator := fs.String("operator", "system", "operator id or name")
	note := fs.String("note", "", "report note")
	withEnrich := fs.Bool("with-enrichment", false, "include enrichment section")
	privacyMode := fs.String("privacy-mode", "off", "privacy mode: off|masked")
	idf := addIdentityFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	dev, err := idf.identity()
	if err != nil {
		return err
	}

	db, store, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, err := loadRegistry(*idsDir)
	if err != nil {
		return err
	}

	devices := devicecache.NewService(store, reg, probe.NewSystemProber(), cfg.DeviceTTL)
	info, err := devices.GetDeepInfo(ctx, dev, false)
	if err != nil {
		return err
	}

	var enrichment *model.EnrichmentResult
	if *withEnrich {
		svc := buildEnrichService(cfg, store, reg)
		if enrichment, err = svc.Enrich(ctx, dev, false); err != nil {
			return err
		}
	}

	res, err := devicereport.Generate(ctx, store, info.Record, enrichment, "", devicereport.Options{
		OutputDir:   *outDir,
		Operator:    *operator,
		Note:        *note,
		PrivacyMode: *privacyMode,
	})
	if err != nil {
		return err
	}

	fmt.Println("device report completed")
	fmt.Printf("pdf=%s\n", res.PDFPath)
	fmt.Printf("pdf_sha256=%s\n", res.PDFSHA256)
	warnings := append(info.Warnings, res.Warnings...)
	if len(warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(warnings, " | "))
	}
	return nil
}

func runAudit(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	limit := fs.Int("limit", 100, "max rows")
	verify := fs.Bool("verify", false, "verify the whole audit hash chain instead of listing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, store, err := openDB(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if *verify {
		logs, err := store.ListAuditLogsAsc(ctx)
		if err != nil {
			return err
		}
		res := auditverify.VerifyAuditLogs(logs)
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("audit chain verification failed: %d of %d records", res.Failed, res.Total)
		}
		return nil
	}

	logs, err := store.ListAuditLogs(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(logs)
}

// runServe 启动内置 Web UI + API，便于“安装即用”的内测体验。
func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "yaml config path")
	listen := fs.String("listen", "127.0.0.1:8787", "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	// 支持 Ctrl+C 优雅退出。
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return webapp.Run(sigCtx, webapp.Options{
		Config:     cfg,
		ListenAddr: *listen,
	})
}

// printUsage 输出一级命令帮助。
func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  hwinspector-cli migrate [--db data/inspector.db]")
	fmt.Println("  hwinspector-cli lookup --bus usb --vendor 046d --product c52b [--ids-dir data/ids]")
	fmt.Println("  hwinspector-cli ids status [--ids-dir data/ids] [--max-age 720h]")
	fmt.Println("  hwinspector-cli ids update [--force] [--usb-url URL] [--pci-url URL]")
	fmt.Println("  hwinspector-cli device deep-info --bus usb --vendor 046d --product c52b [--refresh]")
	fmt.Println("  hwinspector-cli device search --q logitech [--limit 50]")
	fmt.Println("  hwinspector-cli device list [--limit 50] [--offset 0]")
	fmt.Println("  hwinspector-cli device clear (--bus usb --vendor 046d --product c52b | --all)")
	fmt.Println("  hwinspector-cli device cleanup")
	fmt.Println("  hwinspector-cli device stats")
	fmt.Println("  hwinspector-cli image fetch --bus usb --vendor 046d --product c52b --url IMAGE_URL [--cache-key KEY]")
	fmt.Println("  hwinspector-cli image key --bus usb --vendor 046d --product c52b --url IMAGE_URL")
	fmt.Println("  hwinspector-cli image cached --cache-key KEY")
	fmt.Println("  hwinspector-cli image stats | image cleanup [--max-bytes N] [--max-age 720h]")
	fmt.Println("  hwinspector-cli enrich run --bus usb --vendor 046d --product c52b [--refresh] [--config config.yaml]")
	fmt.Println("  hwinspector-cli enrich sources [--config config.yaml]")
	fmt.Println("  hwinspector-cli enrich cleanup [--source NAME]")
	fmt.Println("  hwinspector-cli report device --bus usb --vendor 046d --product c52b [--with-enrichment]")
	fmt.Println("  hwinspector-cli audit [--limit 100] [--verify]")
	fmt.Println("  hwinspector-cli serve [--listen 127.0.0.1:8787] [--config config.yaml]")
}

func printIDsUsage() {
	fmt.Println("Usage:")
	fmt.Println("  hwinspector-cli ids status [--ids-dir path] [--max-age 720h]")
	fmt.Println("  hwinspector-cli ids update [--ids-dir path] [--usb-url URL] [--pci-url URL] [--timeout 30s] [--force]")
}

func printDeviceUsage() {
	fmt.Println("Usage:")
	fmt.Println("  hwinspector-cli device deep-info --bus usb|pci --vendor VVVV --product PPPP [--serial SN] [--location LOC] [--refresh] [--ttl 24h]")
	fmt.Println("  hwinspector-cli device search --q text [--limit 50]")
	fmt.Println("  hwinspector-cli device list [--limit 50] [--offset 0]")
	fmt.Println("  hwinspector-cli device clear (--bus usb|pci --vendor VVVV --product PPPP | --all)")
	fmt.Println("  hwinspector-cli device cleanup")
	fmt.Println("  hwinspector-cli device stats")
}

func printImageUsage() {
	fmt.Println("Usage:")
	fmt.Println("  hwinspector-cli image fetch --bus usb|pci --vendor VVVV --product PPPP --url IMAGE_URL [--cache-key KEY]")
	fmt.Println("  hwinspector-cli image key --bus usb|pci --vendor VVVV --product PPPP --url IMAGE_URL")
	fmt.Println("  hwinspector-cli image cached --cache-key KEY")
	fmt.Println("  hwinspector-cli image stats")
	fmt.Println("  hwinspector-cli image cleanup [--max-bytes N] [--max-age 720h]")
}

func printEnrichUsage() {
	fmt.Println("Usage:")
	fmt.Println("  hwinspector-cli enrich run --bus usb|pci --vendor VVVV --product PPPP [--refresh] [--config config.yaml]")
	fmt.Println("  hwinspector-cli enrich sources [--config config.yaml]")
	fmt.Println("  hwinspector-cli enrich cleanup [--source NAME]")
}

func printReportUsage() {
	fmt.Println("Usage:")
	fmt.Println("  hwinspector-cli report device --bus usb|pci --vendor VVVV --product PPPP [--operator name] [--note text] [--with-enrichment] [--privacy-mode off|masked] [--out-dir path]")
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
