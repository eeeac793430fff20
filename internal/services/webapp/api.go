package webapp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hw-inspector/internal/domain/model"
	"hw-inspector/internal/services/auditverify"
	"hw-inspector/internal/services/devicereport"
	"hw-inspector/internal/services/imagecache"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"service":   "webapp",
		"in_memory": s.inMemory,
		"time":      time.Now().Unix(),
	})
}

// deviceRequest 是所有按设备操作的公共请求体/查询参数形态。
type deviceRequest struct {
	Bus       string `json:"bus"`
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`
	Serial    string `json:"serial,omitempty"`
	Location  string `json:"location,omitempty"`
}

func (d deviceRequest) identity() (model.DeviceIdentity, error) {
	bus, err := model.ParseBus(d.Bus)
	if err != nil {
		return model.DeviceIdentity{}, err
	}
	dev := model.DeviceIdentity{
		Bus:       bus,
		VendorID:  d.VendorID,
		ProductID: d.ProductID,
		Serial:    d.Serial,
		Location:  d.Location,
	}
	if err := dev.Validate(); err != nil {
		return model.DeviceIdentity{}, err
	}
	return dev.Normalize(), nil
}

func identityFromQuery(q url.Values) (model.DeviceIdentity, error) {
	return deviceRequest{
		Bus:       q.Get("bus"),
		VendorID:  q.Get("vendor_id"),
		ProductID: q.Get("product_id"),
		Serial:    q.Get("serial"),
		Location:  q.Get("location"),
	}.identity()
}

// handleLookup 做纯名称解析：只查本地 ID 数据库，不探测、不缓存。
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	dev, err := identityFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	vendorName, vendorFound := s.reg.LookupVendor(dev.Bus, dev.VendorID)
	productName, productFound := s.reg.LookupProduct(dev.Bus, dev.VendorID, dev.ProductID)
	writeJSON(w, http.StatusOK, map[string]any{
		"device_key":    dev.Key(),
		"vendor_name":   vendorName,
		"vendor_found":  vendorFound,
		"product_name":  productName,
		"product_found": productFound,
	})
}

func (s *Server) handleIDsStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	out := map[string]any{}
	for _, kind := range []model.Bus{model.BusUSB, model.BusPCI} {
		db := s.reg.Get(kind)
		if db == nil {
			out[string(kind)] = map[string]any{"loaded": false}
			continue
		}
		out[string(kind)] = map[string]any{
			"loaded":        true,
			"vendors":       db.VendorCount(),
			"products":      db.ProductCount(),
			"skipped_lines": db.SkippedLines,
			"loaded_at":     db.LoadedAt.Unix(),
			"sha256":        db.SourceSHA256,
			"from_override": db.FromOverride,
			"needs_update":  s.updater.NeedsUpdate(kind),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleIDsUpdate 同步更新 ID 定义文件（小时级操作建议走 /api/jobs/update-ids）。
func (s *Server) handleIDsUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	force := parseBool(r.URL.Query().Get("force"), false)
	res := s.updater.UpdateAll(r.Context(), force)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)
	rows, err := s.devices.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": rows})
}

func (s *Server) handleDeviceRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	rest = strings.Trim(rest, "/")

	switch rest {
	case "deep-info":
		s.handleDeepInfo(w, r)
	case "search":
		s.handleDeviceSearch(w, r)
	case "clear":
		s.handleDeviceClear(w, r)
	case "cleanup":
		s.handleDeviceCleanup(w, r)
	case "stats":
		s.handleDeviceStats(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleDeepInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		deviceRequest
		Refresh bool `json:"refresh,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	dev, err := req.identity()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.devices.GetDeepInfo(r.Context(), dev, req.Refresh)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeviceSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("query parameter q is required"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)

	rows, err := s.devices.Search(r.Context(), query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": rows})
}

// handleDeviceClear 清理设备缓存：请求体携带设备标识时只清单个，空 body/空对象清全部。
func (s *Server) handleDeviceClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req deviceRequest
	// 空 body 合法：等同清空全部。
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}

	var target *model.DeviceIdentity
	if req.Bus != "" || req.VendorID != "" || req.ProductID != "" {
		dev, err := req.identity()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		target = &dev
	}

	removed, err := s.devices.Clear(r.Context(), target)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleDeviceCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	res, err := s.devices.Cleanup(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.devices.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleImageRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/images/")
	rest = strings.Trim(rest, "/")

	switch rest {
	case "fetch":
		s.handleImageFetch(w, r)
		return
	case "key":
		s.handleImageKey(w, r)
		return
	case "stats":
		s.handleImageStats(w, r)
		return
	case "cleanup":
		s.handleImageCleanup(w, r)
		return
	}

	// /api/images/{cache_key} 与 /api/images/{cache_key}/cached
	parts := strings.Split(rest, "/")
	cacheKey := parts[0]
	if cacheKey == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleImageDownload(w, r, cacheKey)
	case "cached":
		s.handleImageCached(w, r, cacheKey)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleImageFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		deviceRequest
		SourceURL string `json:"source_url"`
		CacheKey  string `json:"cache_key,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	dev, err := req.identity()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var res *imagecache.FetchResult
	if strings.TrimSpace(req.CacheKey) != "" {
		res, err = s.images.FetchWithKey(r.Context(), dev, req.SourceURL, req.CacheKey)
	} else {
		res, err = s.images.Fetch(r.Context(), dev, req.SourceURL)
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleImageKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	dev, err := identityFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sourceURL := r.URL.Query().Get("source_url")
	writeJSON(w, http.StatusOK, map[string]any{
		"cache_key": s.images.CacheKey(dev, sourceURL),
	})
}

func (s *Server) handleImageStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.images.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleImageCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	res, err := s.images.Cleanup(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleImageDownload(w http.ResponseWriter, r *http.Request, cacheKey string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path, ok, err := s.images.CachedPath(r.Context(), cacheKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("image not cached: %s", cacheKey))
		return
	}
	serveFile(w, r, path, "image_"+cacheKey[:min(12, len(cacheKey))])
}

func (s *Server) handleImageCached(w http.ResponseWriter, r *http.Request, cacheKey string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path, ok, err := s.images.CachedPath(r.Context(), cacheKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cached": ok,
		"path":   path,
	})
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		deviceRequest
		Refresh bool `json:"refresh,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	dev, err := req.identity()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.enrich.Enrich(r.Context(), dev, req.Refresh)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEnrichRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/enrich/")
	rest = strings.Trim(rest, "/")

	switch rest {
	case "sources":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sources": s.enrich.ListSources()})
	case "cleanup":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		res, err := s.enrich.Cleanup(r.Context(), r.URL.Query().Get("source"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleDeviceReport 用缓存数据生成单设备 PDF 报告。
func (s *Server) handleDeviceReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		deviceRequest
		Operator      string `json:"operator,omitempty"`
		Note          string `json:"note,omitempty"`
		WithEnrich    bool   `json:"with_enrichment,omitempty"`
		ImageCacheKey string `json:"image_cache_key,omitempty"`
		PrivacyMode   string `json:"privacy_mode,omitempty"` // off|masked
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	dev, err := req.identity()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	info, err := s.devices.GetDeepInfo(r.Context(), dev, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var enrichment *model.EnrichmentResult
	if req.WithEnrich {
		enrichment, err = s.enrich.Enrich(r.Context(), dev, false)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	imagePath := ""
	if req.ImageCacheKey != "" {
		if path, ok, err := s.images.CachedPath(r.Context(), req.ImageCacheKey); err == nil && ok {
			imagePath = path
		}
	}

	res, err := devicereport.Generate(r.Context(), s.store, info.Record, enrichment, imagePath, devicereport.Options{
		OutputDir:   s.opts.Config.DataDir + "/reports",
		Operator:    req.Operator,
		Note:        req.Note,
		PrivacyMode: req.PrivacyMode,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":   res,
		"warnings": append(info.Warnings, res.Warnings...),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// ?verify=1 做审计链强校验（全量、链序），返回失败明细而非记录列表。
	if parseBool(r.URL.Query().Get("verify"), false) {
		logs, err := s.store.ListAuditLogsAsc(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, auditverify.VerifyAuditLogs(logs))
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 100)
	logs, err := s.store.ListAuditLogs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return def
	}
	switch s {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
