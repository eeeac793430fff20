package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"hw-inspector/internal/domain/model"
	"hw-inspector/internal/platform/hash"
	"hw-inspector/internal/platform/id"
)

// Open 打开 SQLite 数据库并套用统一的连接参数。
// 单连接 + busy_timeout 是桌面场景下避免 SQLITE_BUSY 的最稳妥组合；
// 同一个连接池上的并发查询会串行化，但缓存读写的量级完全够用。
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// Store 封装与 SQLite 的读写逻辑。
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetSchemaMetaValue 查询 schema_meta 表指定 key 的 value。
func (s *Store) GetSchemaMetaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM schema_meta
		WHERE key = ?
		LIMIT 1
	`, key).Scan(&v)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("query schema_meta %s: %w", key, err)
	}
	return v, nil
}

// ---- 设备信息缓存 ----

// GetDevice 返回缓存记录；未命中返回 (nil, nil)。
// 过期判定留给上层：Store 只负责存取，不做策略。
func (s *Store) GetDevice(ctx context.Context, deviceKey string) (*model.DeviceRecord, error) {
	var out model.DeviceRecord
	var deepInfo string
	err := s.db.QueryRowContext(ctx, `
		SELECT
			device_key,
			COALESCE(vendor_name, ''),
			COALESCE(product_name, ''),
			deep_info_json,
			fetched_at,
			ttl_seconds
		FROM device_info_cache
		WHERE device_key = ?
		LIMIT 1
	`, deviceKey).Scan(
		&out.DeviceKey,
		&out.VendorName,
		&out.ProductName,
		&deepInfo,
		&out.FetchedAt,
		&out.TTLSeconds,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query device cache %s: %w", deviceKey, err)
	}
	out.DeepInfo = json.RawMessage(deepInfo)
	return &out, nil
}

// UpsertDevice 写入或整条替换一个设备的缓存记录。
func (s *Store) UpsertDevice(ctx context.Context, rec model.DeviceRecord) error {
	deepInfo := string(rec.DeepInfo)
	if deepInfo == "" {
		deepInfo = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_info_cache(
			device_key, vendor_name, product_name, deep_info_json, fetched_at, ttl_seconds
		)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_key) DO UPDATE SET
			vendor_name=excluded.vendor_name,
			product_name=excluded.product_name,
			deep_info_json=excluded.deep_info_json,
			fetched_at=excluded.fetched_at,
			ttl_seconds=excluded.ttl_seconds
	`, rec.DeviceKey, nullIfEmpty(rec.VendorName), nullIfEmpty(rec.ProductName), deepInfo, rec.FetchedAt, rec.TTLSeconds)
	if err != nil {
		return fmt.Errorf("upsert device cache %s: %w", rec.DeviceKey, err)
	}
	return nil
}

// DeleteDevice 删除单个设备的缓存记录，返回是否确有删除。
func (s *Store) DeleteDevice(ctx context.Context, deviceKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM device_info_cache WHERE device_key = ?
	`, deviceKey)
	if err != nil {
		return false, fmt.Errorf("delete device cache %s: %w", deviceKey, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteAllDevices 清空设备信息缓存，返回删除条数。
func (s *Store) DeleteAllDevices(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_info_cache`)
	if err != nil {
		return 0, fmt.Errorf("clear device cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteExpiredDevices 删除在 now 时刻已过 TTL 的记录。
// ttl_seconds<=0 表示永不过期，清理时跳过。
func (s *Store) DeleteExpiredDevices(ctx context.Context, now time.Time) (model.CleanupResult, error) {
	var out model.CleanupResult

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM device_info_cache
		WHERE ttl_seconds > 0 AND fetched_at + ttl_seconds <= ?
	`, now.Unix())
	if err != nil {
		return out, fmt.Errorf("cleanup device cache: %w", err)
	}
	removed, _ := res.RowsAffected()
	out.Removed = int(removed)

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM device_info_cache
	`).Scan(&out.Retained); err != nil {
		return out, fmt.Errorf("count device cache: %w", err)
	}
	return out, nil
}

// SearchDevices 在键、厂商名、产品名与深度信息 JSON 全文上做大小写不敏感的子串匹配。
// 在 now 时刻已过 TTL 的记录不出现在结果里（与 GetDevice 的惰性过期语义一致）。
func (s *Store) SearchDevices(ctx context.Context, query string, limit int, now time.Time) ([]model.DeviceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	pattern := "%" + query + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			device_key,
			COALESCE(vendor_name, ''),
			COALESCE(product_name, ''),
			deep_info_json,
			fetched_at,
			ttl_seconds
		FROM device_info_cache
		WHERE (device_key LIKE ? COLLATE NOCASE
		   OR vendor_name LIKE ? COLLATE NOCASE
		   OR product_name LIKE ? COLLATE NOCASE
		   OR deep_info_json LIKE ? COLLATE NOCASE)
		  AND NOT (ttl_seconds > 0 AND fetched_at + ttl_seconds <= ?)
		ORDER BY fetched_at DESC, device_key ASC
		LIMIT ?
	`, pattern, pattern, pattern, pattern, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("search device cache: %w", err)
	}
	defer rows.Close()

	return scanDeviceRecords(rows)
}

// ListDevices 返回缓存记录列表，按抓取时间倒序。
// 与 SearchDevices 相同，已过期的记录不参与列表。
func (s *Store) ListDevices(ctx context.Context, limit, offset int, now time.Time) ([]model.DeviceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			device_key,
			COALESCE(vendor_name, ''),
			COALESCE(product_name, ''),
			deep_info_json,
			fetched_at,
			ttl_seconds
		FROM device_info_cache
		WHERE NOT (ttl_seconds > 0 AND fetched_at + ttl_seconds <= ?)
		ORDER BY fetched_at DESC, device_key ASC
		LIMIT ? OFFSET ?
	`, now.Unix(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query device cache list: %w", err)
	}
	defer rows.Close()

	return scanDeviceRecords(rows)
}

func scanDeviceRecords(rows *sql.Rows) ([]model.DeviceRecord, error) {
	var out []model.DeviceRecord
	for rows.Next() {
		var item model.DeviceRecord
		var deepInfo string
		if err := rows.Scan(
			&item.DeviceKey,
			&item.VendorName,
			&item.ProductName,
			&deepInfo,
			&item.FetchedAt,
			&item.TTLSeconds,
		); err != nil {
			return nil, fmt.Errorf("scan device record: %w", err)
		}
		item.DeepInfo = json.RawMessage(deepInfo)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device records: %w", err)
	}
	if out == nil {
		out = []model.DeviceRecord{}
	}
	return out, nil
}

// DeviceStats 返回设备缓存的条数、过期条数与 payload 总字节数。
func (s *Store) DeviceStats(ctx context.Context, now time.Time) (model.DeviceCacheStats, error) {
	var out model.DeviceCacheStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN ttl_seconds > 0 AND fetched_at + ttl_seconds <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(LENGTH(deep_info_json)), 0)
		FROM device_info_cache
	`, now.Unix()).Scan(&out.EntryCount, &out.ExpiredCount, &out.TotalBytes)
	if err != nil {
		return out, fmt.Errorf("query device cache stats: %w", err)
	}
	return out, nil
}

// ---- enrichment 缓存 ----

// GetEnrichment 返回某设备某来源的缓存槽；未命中返回 (nil, nil)。
func (s *Store) GetEnrichment(ctx context.Context, deviceKey, sourceName string) (*model.EnrichmentRecord, error) {
	var out model.EnrichmentRecord
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT device_key, source_name, payload_json, fetched_at, ttl_seconds
		FROM enrichment_cache
		WHERE device_key = ? AND source_name = ?
		LIMIT 1
	`, deviceKey, sourceName).Scan(
		&out.DeviceKey,
		&out.SourceName,
		&payload,
		&out.FetchedAt,
		&out.TTLSeconds,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query enrichment cache %s/%s: %w", deviceKey, sourceName, err)
	}
	out.Payload = json.RawMessage(payload)
	return &out, nil
}

// UpsertEnrichment 写入或替换一个 (device_key, source) 缓存槽。
func (s *Store) UpsertEnrichment(ctx context.Context, rec model.EnrichmentRecord) error {
	payload := string(rec.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrichment_cache(device_key, source_name, payload_json, fetched_at, ttl_seconds)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(device_key, source_name) DO UPDATE SET
			payload_json=excluded.payload_json,
			fetched_at=excluded.fetched_at,
			ttl_seconds=excluded.ttl_seconds
	`, rec.DeviceKey, rec.SourceName, payload, rec.FetchedAt, rec.TTLSeconds)
	if err != nil {
		return fmt.Errorf("upsert enrichment cache %s/%s: %w", rec.DeviceKey, rec.SourceName, err)
	}
	return nil
}

// DeleteEnrichmentsByDevice 删除某设备的全部 enrichment 缓存槽。
func (s *Store) DeleteEnrichmentsByDevice(ctx context.Context, deviceKey string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM enrichment_cache WHERE device_key = ?
	`, deviceKey)
	if err != nil {
		return 0, fmt.Errorf("delete enrichment cache %s: %w", deviceKey, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteExpiredEnrichments 删除在 now 时刻已过 TTL 的 enrichment 槽。
// sourceName 非空时只清理该来源的槽，其他来源不动。
func (s *Store) DeleteExpiredEnrichments(ctx context.Context, now time.Time, sourceName string) (model.CleanupResult, error) {
	var out model.CleanupResult

	query := `
		DELETE FROM enrichment_cache
		WHERE ttl_seconds > 0 AND fetched_at + ttl_seconds <= ?
	`
	args := []any{now.Unix()}
	if sourceName != "" {
		query += ` AND source_name = ?`
		args = append(args, sourceName)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return out, fmt.Errorf("cleanup enrichment cache: %w", err)
	}
	removed, _ := res.RowsAffected()
	out.Removed = int(removed)

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrichment_cache
	`).Scan(&out.Retained); err != nil {
		return out, fmt.Errorf("count enrichment cache: %w", err)
	}
	return out, nil
}

// ---- 图片缓存索引 ----

// GetImage 返回图片索引条目；未命中返回 (nil, nil)。
func (s *Store) GetImage(ctx context.Context, cacheKey string) (*model.ImageCacheEntry, error) {
	var out model.ImageCacheEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT cache_key, device_key, file_path, fetched_at, size_bytes
		FROM image_cache
		WHERE cache_key = ?
		LIMIT 1
	`, cacheKey).Scan(
		&out.CacheKey,
		&out.DeviceKey,
		&out.FilePath,
		&out.FetchedAt,
		&out.SizeBytes,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query image cache %s: %w", cacheKey, err)
	}
	return &out, nil
}

// UpsertImage 写入或替换一条图片索引。
func (s *Store) UpsertImage(ctx context.Context, entry model.ImageCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_cache(cache_key, device_key, file_path, fetched_at, size_bytes)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			device_key=excluded.device_key,
			file_path=excluded.file_path,
			fetched_at=excluded.fetched_at,
			size_bytes=excluded.size_bytes
	`, entry.CacheKey, entry.DeviceKey, entry.FilePath, entry.FetchedAt, entry.SizeBytes)
	if err != nil {
		return fmt.Errorf("upsert image cache %s: %w", entry.CacheKey, err)
	}
	return nil
}

// DeleteImage 删除一条图片索引（文件本体由上层负责删除）。
func (s *Store) DeleteImage(ctx context.Context, cacheKey string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM image_cache WHERE cache_key = ?
	`, cacheKey); err != nil {
		return fmt.Errorf("delete image cache %s: %w", cacheKey, err)
	}
	return nil
}

// ListImagesOldestFirst 按抓取时间正序返回全部图片索引，供淘汰流程使用。
func (s *Store) ListImagesOldestFirst(ctx context.Context) ([]model.ImageCacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cache_key, device_key, file_path, fetched_at, size_bytes
		FROM image_cache
		ORDER BY fetched_at ASC, cache_key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query image cache list: %w", err)
	}
	defer rows.Close()

	var out []model.ImageCacheEntry
	for rows.Next() {
		var item model.ImageCacheEntry
		if err := rows.Scan(
			&item.CacheKey,
			&item.DeviceKey,
			&item.FilePath,
			&item.FetchedAt,
			&item.SizeBytes,
		); err != nil {
			return nil, fmt.Errorf("scan image cache entry: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image cache entries: %w", err)
	}
	if out == nil {
		out = []model.ImageCacheEntry{}
	}
	return out, nil
}

// ImageStats 返回图片缓存的条数与总字节数。
func (s *Store) ImageStats(ctx context.Context) (model.ImageCacheStats, error) {
	var out model.ImageCacheStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM image_cache
	`).Scan(&out.EntryCount, &out.TotalBytes)
	if err != nil {
		return out, fmt.Errorf("query image cache stats: %w", err)
	}
	return out, nil
}

// ---- 审计链 ----

// AppendAudit 追加一条审计记录，chain_hash 由上一条派生。
// 调用方通常以 best-effort 方式使用：审计失败不阻断业务操作。
func (s *Store) AppendAudit(ctx context.Context, deviceKey, eventType, action, status, actor, source string, detail any) error {
	detailJSON := []byte("{}")
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			detailJSON = raw
		}
	}

	// 链序以自增 seq 为准：occurred_at 只有秒级精度，同一秒内的记录
	// 按时间排序会乱序，导致 prev hash 取错、校验误报。
	prev := ""
	err := s.db.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM audit_logs
		ORDER BY seq DESC
		LIMIT 1
	`).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query previous chain hash: %w", err)
	}

	now := time.Now().Unix()
	eventID := id.New("evt")
	chain := hash.Text(prev, deviceKey, eventType, action, status, fmt.Sprintf("%d", now), string(detailJSON))

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs(
			event_id, device_key, event_type, action, status,
			actor, source, detail_json, occurred_at, chain_prev_hash, chain_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, eventID, nullIfEmpty(deviceKey), eventType, action, status, actor, source, string(detailJSON), now, nullIfEmpty(prev), chain)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	return nil
}

// ListAuditLogs 返回最近的审计记录，按时间倒序。
func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]model.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			event_id,
			COALESCE(device_key, ''),
			event_type,
			action,
			status,
			COALESCE(actor, ''),
			COALESCE(source, ''),
			COALESCE(detail_json, '{}'),
			occurred_at,
			COALESCE(chain_prev_hash, ''),
			chain_hash
		FROM audit_logs
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	return scanAuditLogs(rows)
}

// ListAuditLogsAsc 返回全部审计记录，按链序（seq 正序）。
// 审计链校验必须从链头开始逐条推进，所以这里不分页。
func (s *Store) ListAuditLogsAsc(ctx context.Context) ([]model.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			event_id,
			COALESCE(device_key, ''),
			event_type,
			action,
			status,
			COALESCE(actor, ''),
			COALESCE(source, ''),
			COALESCE(detail_json, '{}'),
			occurred_at,
			COALESCE(chain_prev_hash, ''),
			chain_hash
		FROM audit_logs
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	return scanAuditLogs(rows)
}

func scanAuditLogs(rows *sql.Rows) ([]model.AuditLog, error) {
	var out []model.AuditLog
	for rows.Next() {
		var item model.AuditLog
		if err := rows.Scan(
			&item.EventID,
			&item.DeviceKey,
			&item.EventType,
			&item.Action,
			&item.Status,
			&item.Actor,
			&item.Source,
			&item.DetailJSON,
			&item.OccurredAt,
			&item.ChainPrevHash,
			&item.ChainHash,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	if out == nil {
		out = []model.AuditLog{}
	}
	return out, nil
}

// 空字符串按 NULL 写入，避免无意义空值污染查询条件。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
