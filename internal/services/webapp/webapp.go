package webapp

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"hw-inspector/internal/adapters/hwids"
	"hw-inspector/internal/adapters/probe"
	sqliteadapter "hw-inspector/internal/adapters/store/sqlite"
	"hw-inspector/internal/app"
	"hw-inspector/internal/services/devicecache"
	"hw-inspector/internal/services/enrich"
	"hw-inspector/internal/services/imagecache"

	_ "modernc.org/sqlite"
)

// 注意：
// - go:embed 的路径必须相对当前包目录，且不能包含 ".."
// - 我们把前端 build 输出拷贝到 internal/services/webapp/ui_dist/，这样二进制即可离线分发（解压即用）。
// - ui_dist/ 至少要有一个文件（本仓库已放置占位 index.html），否则 go:embed 会因“无匹配文件”而编译失败。
//
//go:embed ui_dist
var uiFS embed.FS

// Options 定义 Web UI + API 服务启动参数。
// 目标：内部试用优先，好用优先（默认不做鉴权）。
type Options struct {
	Config     app.Config
	ListenAddr string
}

// Run 启动内置 Web UI：
// - 提供 USB/PCI 名称查询、深度信息缓存、图片缓存与 enrichment 接口
// - 提供“ID 数据库更新”后台任务接口（内测用）
func Run(ctx context.Context, opts Options) error {
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:8787"
	}

	inMemory, err := opts.Config.EnsureDataDirs()
	if err != nil {
		return err
	}

	db, err := sqliteadapter.Open(ctx, opts.Config.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	reg := hwids.NewRegistry(opts.Config.IDsDir)
	if err := reg.Load(); err != nil {
		return err
	}

	sub, err := fs.Sub(uiFS, "ui_dist")
	if err != nil {
		return fmt.Errorf("sub ui fs: %w", err)
	}

	store := sqliteadapter.NewStore(db)
	fetcher := hwids.NewHTTPFetcher(opts.Config.USBSourceURL, opts.Config.PCISourceURL, opts.Config.UpdateTimeout)

	enrichSvc := enrich.NewService(store, opts.Config.EnrichTTL, opts.Config.SourceTimeout)
	enrichSvc.Register(&enrich.IDDatabaseSource{Registry: reg})
	for _, src := range opts.Config.EnrichSources {
		if src.Name == "" || src.BaseURL == "" {
			continue
		}
		enrichSvc.Register(enrich.NewHTTPSource(src.Name, src.BaseURL))
		if src.Enabled != nil && !*src.Enabled {
			enrichSvc.SetEnabled(src.Name, false)
		}
	}

	s := &Server{
		opts:     opts,
		inMemory: inMemory,
		store:    store,
		reg:      reg,
		updater:  hwids.NewUpdater(reg, fetcher, opts.Config.IDRefreshMaxAge),
		devices:  devicecache.NewService(store, reg, probe.NewSystemProber(), opts.Config.DeviceTTL),
		images:   imagecache.NewService(store, opts.Config.ImageDir, opts.Config.ImageMaxBytes, opts.Config.ImageMaxAge),
		enrich:   enrichSvc,
		ui:       sub,
		jobs:     newJobManager(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	httpServer := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("webapp listening: http://%s\n", opts.ListenAddr)
	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
