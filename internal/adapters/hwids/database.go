package hwids

import (
	"bufio"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"hw-inspector/internal/domain/model"
	"hw-inspector/internal/platform/hash"
)

// 内嵌基线：裁剪过的 usb.ids / pci.ids 摘录，保证离线环境下
// 常见厂商也能解析出可读名称；完整文件由 Updater 下载为覆盖文件。
//
//go:embed data/usb.ids data/pci.ids
var baselineFS embed.FS

// Database 是单一总线类别（USB 或 PCI）的不可变 ID 快照。
// 构建完成后不再修改，替换只通过 Registry 的原子指针交换完成，
// 因此查询方持有的快照永远是完整一致的。
type Database struct {
	Kind         model.Bus
	LoadedAt     time.Time
	SourceSHA256 string
	FromOverride bool
	SkippedLines int

	vendors  map[string]string
	products map[string]string
}

// Parse 解析 usb.ids/pci.ids 文本格式：
//
//	xxxx  Vendor Name          （厂商行，行首无空白）
//	\txxxx  Product Name       （产品行，单个 tab 缩进）
//
// 畸形行跳过并计数，绝不让单行错误中断整个文件的加载；
// 其他缩进（接口/子系统/class 段）会终止当前厂商上下文。
func Parse(kind model.Bus, r io.Reader) (*Database, error) {
	db := &Database{
		Kind:     kind,
		vendors:  make(map[string]string),
		products: make(map[string]string),
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	currentVendor := ""
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		switch {
		case line[0] == '\t' && len(line) > 1 && line[1] == '\t':
			// 二级缩进（接口/子系统），不入库也不报错。
			continue
		case line[0] == '\t':
			if currentVendor == "" {
				db.SkippedLines++
				continue
			}
			code, name, ok := splitEntry(line[1:])
			if !ok {
				db.SkippedLines++
				continue
			}
			db.products[productKey(currentVendor, code)] = name
		default:
			code, name, ok := splitEntry(line)
			if !ok {
				// class/audit 段（"C 03  ..." 等）或畸形厂商行：
				// 终止厂商上下文，后续产品行不会挂到错误的厂商下。
				currentVendor = ""
				db.SkippedLines++
				continue
			}
			currentVendor = code
			db.vendors[code] = name
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s ids: %w", kind, err)
	}

	return db, nil
}

// splitEntry 拆出 "xxxx  Name" 形式的代码与名称，并做小写归一化。
func splitEntry(s string) (code, name string, ok bool) {
	if len(s) < 6 {
		return "", "", false
	}
	code = strings.ToLower(s[:4])
	if !isHex4(code) {
		return "", "", false
	}
	name = strings.TrimSpace(s[4:])
	if name == "" {
		return "", "", false
	}
	return code, name, true
}

func isHex4(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

func productKey(vendor, product string) string {
	return vendor + ":" + product
}

// LookupVendor 按 4 位十六进制码（大小写不敏感）查厂商名。
// 未命中返回 ok=false，不是错误。
func (db *Database) LookupVendor(code string) (string, bool) {
	name, ok := db.vendors[strings.ToLower(strings.TrimSpace(code))]
	return name, ok
}

// LookupProduct 按 (厂商码, 产品码) 查产品名。
func (db *Database) LookupProduct(vendorCode, productCode string) (string, bool) {
	key := productKey(
		strings.ToLower(strings.TrimSpace(vendorCode)),
		strings.ToLower(strings.TrimSpace(productCode)),
	)
	name, ok := db.products[key]
	return name, ok
}

// VendorCount / ProductCount 供统计接口与更新结果使用。
func (db *Database) VendorCount() int  { return len(db.vendors) }
func (db *Database) ProductCount() int { return len(db.products) }

// Registry 持有两个总线类别的活动快照。
// 查询走原子指针读取，替换走 Reload 的整体交换，
// 并发查询永远不会看到半新半旧的数据库。
type Registry struct {
	dir string

	usb atomic.Pointer[Database]
	pci atomic.Pointer[Database]
}

// NewRegistry 创建注册表；dir 是覆盖文件目录（<data>/ids）。
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// OverridePath 返回某类别覆盖文件的磁盘路径（usb.ids / pci.ids）。
func (r *Registry) OverridePath(kind model.Bus) string {
	return filepath.Join(r.dir, string(kind)+".ids")
}

// Load 构建并发布两个类别的初始快照。
// 任一类别失败即返回错误：没有可用的 ID 数据库时功能整体不可用，
// 这类启动错误必须上抛而不是吞掉。
func (r *Registry) Load() error {
	for _, kind := range []model.Bus{model.BusUSB, model.BusPCI} {
		if _, err := r.Reload(kind); err != nil {
			return err
		}
	}
	return nil
}

// Reload 重新构建一个类别的快照并原子发布。
// 优先读覆盖文件，不存在则回退内嵌基线；构建失败时保持旧快照不变。
func (r *Registry) Reload(kind model.Bus) (*Database, error) {
	raw, fromOverride, err := r.readDefinitions(kind)
	if err != nil {
		return nil, err
	}

	db, err := Parse(kind, strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}
	if db.VendorCount() == 0 {
		return nil, fmt.Errorf("%s ids: no vendor entries parsed", kind)
	}
	db.LoadedAt = time.Now()
	db.SourceSHA256 = hash.Bytes(raw)
	db.FromOverride = fromOverride

	r.pointer(kind).Store(db)
	return db, nil
}

// Get 返回当前活动快照；Load 之前调用返回 nil。
func (r *Registry) Get(kind model.Bus) *Database {
	return r.pointer(kind).Load()
}

// LookupVendor 是对活动快照的便捷查询入口。
func (r *Registry) LookupVendor(kind model.Bus, code string) (string, bool) {
	db := r.Get(kind)
	if db == nil {
		return "", false
	}
	return db.LookupVendor(code)
}

// LookupProduct 是对活动快照的便捷查询入口。
func (r *Registry) LookupProduct(kind model.Bus, vendorCode, productCode string) (string, bool) {
	db := r.Get(kind)
	if db == nil {
		return "", false
	}
	return db.LookupProduct(vendorCode, productCode)
}

func (r *Registry) pointer(kind model.Bus) *atomic.Pointer[Database] {
	if kind == model.BusPCI {
		return &r.pci
	}
	return &r.usb
}

// readDefinitions 读取覆盖文件，失败则回退到内嵌基线。
func (r *Registry) readDefinitions(kind model.Bus) (raw []byte, fromOverride bool, err error) {
	if r.dir != "" {
		raw, err = os.ReadFile(r.OverridePath(kind))
		if err == nil && len(raw) > 0 {
			return raw, true, nil
		}
	}

	raw, err = baselineFS.ReadFile("data/" + string(kind) + ".ids")
	if err != nil {
		return nil, false, fmt.Errorf("read embedded %s ids: %w", kind, err)
	}
	return raw, false, nil
}
