package devicereport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	sqliteadapter "hw-inspector/internal/adapters/store/sqlite"
	"hw-inspector/internal/domain/model"
	"hw-inspector/internal/platform/hash"
	"hw-inspector/internal/services/privacy"

	"github.com/phpdave11/gofpdf"
)

// 设备 PDF 报告（device_pdf）
//
// 设计目标（当前版本：内部试用优先）：
// - 先“能用”：输出一个可下载、可长期归档的 PDF 文件
// - 先“可追溯”：写入 audit_logs 留痕，并记录产物 SHA-256
// - 先“可扩展”：后续可逐步强化模板、页眉页脚、编号等

type Options struct {
	OutputDir string
	Operator  string
	Note      string
	// PrivacyMode 为 masked 时做展示层脱敏（序列号等），off/空为原样输出。
	PrivacyMode string
}

type Result struct {
	PDFPath     string   `json:"pdf_path"`
	PDFSHA256   string   `json:"pdf_sha256"`
	Warnings    []string `json:"warnings,omitempty"`
	GeneratedAt int64    `json:"generated_at"`
}

const pdfGeneratorVer = "devicereport-0.1.0"

// Generate 生成单设备的 PDF 报告。
// rec 是必填的设备缓存记录；enrichment 与 imagePath 可为空，缺失部分在报告中标注。
func Generate(ctx context.Context, store *sqliteadapter.Store, rec model.DeviceRecord, enrichment *model.EnrichmentResult, imagePath string, opts Options) (*Result, error) {
	if strings.TrimSpace(rec.DeviceKey) == "" {
		return nil, fmt.Errorf("device record is empty")
	}
	outputDir := strings.TrimSpace(opts.OutputDir)
	if outputDir == "" {
		outputDir = "data/reports"
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = "system"
	}

	warnings := []string{}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir reports: %w", err)
	}

	// 脱敏只影响报告内容与文件名；审计留痕仍使用原始设备键，保持链路可关联。
	renderRec := rec
	if privacy.NormalizeMode(opts.PrivacyMode) == privacy.ModeMasked {
		renderRec = privacy.MaskDeviceRecordForReport(rec)
		warnings = append(warnings, "privacy mode masked: serial numbers are redacted in this report")
	}

	now := time.Now().Unix()
	fileStem := strings.NewReplacer(":", "_", "@", "_", "/", "_", "*", "").Replace(renderRec.DeviceKey)
	pdfPath := filepath.Join(outputDir, fmt.Sprintf("%s_device_%d.pdf", fileStem, now))

	pdf, utf8OK := buildPDF(renderRec, enrichment, imagePath, operator, opts.Note, now)
	if !utf8OK {
		// 不支持 UTF-8 字体时非 ASCII 字符会被替换为 '?'，
		// 把该事实写入 warnings，避免用户误解为“报告内容丢失”。
		warnings = append(warnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	sum, _, err := hash.File(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}

	if store != nil {
		_ = store.AppendAudit(ctx, rec.DeviceKey, "export", "device_pdf", "success", operator, "devicereport.Generate", map[string]any{
			"pdf":        pdfPath,
			"pdf_sha256": sum,
			"generator":  pdfGeneratorVer,
			"note":       strings.TrimSpace(opts.Note),
			"warnings":   warnings,
		})
	}

	return &Result{
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		Warnings:    warnings,
		GeneratedAt: now,
	}, nil
}

func buildPDF(rec model.DeviceRecord, enrichment *model.EnrichmentResult, imagePath, operator, note string, generatedAt int64) (*gofpdf.Fpdf, bool) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Hardware Inspector - Device Report", false)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)

	pdf.AddPage()

	// 标题
	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "Hardware Inspector - Device Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", fmtTime(generatedAt)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Operator: %s", safeText(operator, utf8OK)), "", 1, "L", false, 0, "")
	if strings.TrimSpace(note) != "" {
		pdf.MultiCell(0, 5, fmt.Sprintf("Note: %s", safeText(note, utf8OK)), "", "L", false)
	}
	pdf.Ln(2)

	// Identity
	sectionTitle(pdf, fontFamily, "1. Device Identity")
	kv(pdf, fontFamily, utf8OK, "Device Key", rec.DeviceKey)
	kv(pdf, fontFamily, utf8OK, "Vendor", rec.VendorName)
	kv(pdf, fontFamily, utf8OK, "Product", rec.ProductName)
	kv(pdf, fontFamily, utf8OK, "Fetched At", fmtTime(rec.FetchedAt))
	if rec.TTLSeconds > 0 {
		kv(pdf, fontFamily, utf8OK, "Cache TTL", fmt.Sprintf("%ds", rec.TTLSeconds))
	}
	pdf.Ln(2)

	// Image
	if strings.TrimSpace(imagePath) != "" {
		sectionTitle(pdf, fontFamily, "2. Device Image")
		ext := strings.ToLower(filepath.Ext(imagePath))
		if ext == ".png" || ext == ".jpg" || ext == ".jpeg" {
			pdf.ImageOptions(imagePath, pdf.GetX(), pdf.GetY(), 60, 0, true, gofpdf.ImageOptions{ReadDpi: true}, 0, "")
			if pdf.Err() {
				pdf.ClearError()
				kv(pdf, fontFamily, utf8OK, "Image", imagePath+" (embed failed)")
			}
		} else {
			kv(pdf, fontFamily, utf8OK, "Image", imagePath)
		}
		pdf.Ln(2)
	}

	// Deep info
	sectionTitle(pdf, fontFamily, "3. Deep Info")
	writeJSONFields(pdf, fontFamily, utf8OK, rec.DeepInfo)
	pdf.Ln(2)

	// Enrichment
	sectionTitle(pdf, fontFamily, "4. Enrichment")
	if enrichment == nil {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(not requested)", "", "L", false)
	} else {
		writeJSONFields(pdf, fontFamily, utf8OK, enrichment.Merged)
		pdf.Ln(1)
		for _, st := range enrichment.Sources {
			line := fmt.Sprintf("[%s] %s", strings.ToUpper(string(st.State)), safeText(st.Name, utf8OK))
			if st.Error != "" {
				line += " - " + safeText(st.Error, utf8OK)
			}
			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(40, 40, 40)
			pdf.MultiCell(0, 4.5, line, "", "L", false)
		}
	}

	// 尾注
	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "Note: This PDF is generated from cached device data. Re-run the deep probe for live values.", "", "L", false)

	return pdf, utf8OK
}

// writeJSONFields 把一个 JSON object 的顶层字段按 key 排序输出为 kv 行。
// 嵌套结构原样序列化为一行，报告只求可读，不求结构化展开。
func writeJSONFields(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, raw json.RawMessage) {
	var obj map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &obj) != nil || len(obj) == 0 {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(empty)", "", "L", false)
		return
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var value string
		switch v := obj[k].(type) {
		case string:
			value = v
		case float64:
			value = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
		case bool:
			value = fmt.Sprintf("%v", v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				continue
			}
			value = string(encoded)
		}
		kv(pdf, fontFamily, utf8OK, k, value)
	}
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 200, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(42, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

func fmtTime(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func safeText(s string, utf8OK bool) string {
	// gofpdf 的内置字体对 ASCII/Latin 表现最好；
	// 如果未成功加载 UTF-8 字体，则把非 ASCII 字符替换为 '?'，确保 PDF 一定能生成。
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体（TrueType），以支持中文等非 ASCII 字符。
//
// 规则：
// 1) 如果设置了环境变量 HW_INSPECTOR_PDF_FONT，优先使用该文件路径。
// 2) 否则按常见系统字体路径探测（macOS/Windows/Linux）。
// 3) 加载失败则回退到核心字体（Helvetica），并通过 safeText() 兜底替换非 ASCII 字符。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv("HW_INSPECTOR_PDF_FONT")); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Supplemental/AppleMyungjo.ttf",
			"/System/Library/Fonts/Supplemental/AppleGothic.ttf",
			"/System/Library/Fonts/Hiragino Sans GB.ttc",
			"/System/Library/Fonts/PingFang.ttc",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
			`C:\Windows\Fonts\simsun.ttc`,
			`C:\Windows\Fonts\msyh.ttc`,
		)
	default:
		// Linux (best effort)
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/truetype/arphic/uming.ttc",
		)
	}

	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}

		// 即使只有一个字体文件，这里也注册 B 样式，避免 SetFont(...,"B",...) 报错。
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			// bold 失败也不致命：清错后仍可用 regular
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Helvetica", false
}
