package hwids

import (
	"strings"
	"testing"

	"hw-inspector/internal/domain/model"
)

func TestParseVendorAndProductLines(t *testing.T) {
	t.Parallel()

	const src = "# comment\n" +
		"046d  Logitech, Inc.\n" +
		"\tc52b  Unifying Receiver\n" +
		"\tc534  Unifying Receiver\n" +
		"05ac  Apple, Inc.\n" +
		"\t030d  Magic Mouse\n"

	db, err := Parse(model.BusUSB, strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := db.VendorCount(); got != 2 {
		t.Fatalf("VendorCount = %d, want 2", got)
	}
	if got := db.ProductCount(); got != 3 {
		t.Fatalf("ProductCount = %d, want 3", got)
	}

	name, ok := db.LookupVendor("046D")
	if !ok || name != "Logitech, Inc." {
		t.Fatalf("LookupVendor(046D) = %q, %v", name, ok)
	}
	name, ok = db.LookupProduct("046d", "C52B")
	if !ok || name != "Unifying Receiver" {
		t.Fatalf("LookupProduct(046d, C52B) = %q, %v", name, ok)
	}
}

func TestParseSkipsMalformedWithoutFailing(t *testing.T) {
	t.Parallel()

	// 畸形厂商行、孤儿产品行与 class 段都必须被跳过而不是报错；
	// class 段（"C 03"）还要终止厂商上下文，其下的缩进行不得入库。
	const src = "zzzz  Not Hex Vendor\n" +
		"\tc52b  Orphan Product\n" +
		"046d  Logitech, Inc.\n" +
		"\tc077  M105 Optical Mouse\n" +
		"\t\t01  Interface Detail\n" +
		"C 03  Human Interface Device\n" +
		"\t01  Boot Interface Subclass\n"

	db, err := Parse(model.BusUSB, strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := db.VendorCount(); got != 1 {
		t.Fatalf("VendorCount = %d, want 1", got)
	}
	if got := db.ProductCount(); got != 1 {
		t.Fatalf("ProductCount = %d, want 1", got)
	}
	if db.SkippedLines == 0 {
		t.Fatal("SkippedLines = 0, want > 0")
	}
	if _, ok := db.LookupProduct("046d", "01"); ok {
		t.Fatal("class section entry leaked into product table")
	}
}

func TestRegistryBaselineLookup(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(t.TempDir())
	if err := reg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	name, ok := reg.LookupVendor(model.BusUSB, "046d")
	if !ok || name != "Logitech, Inc." {
		t.Fatalf("usb LookupVendor(046d) = %q, %v", name, ok)
	}
	name, ok = reg.LookupProduct(model.BusUSB, "046d", "c52b")
	if !ok || name != "Unifying Receiver" {
		t.Fatalf("usb LookupProduct(046d, c52b) = %q, %v", name, ok)
	}
	name, ok = reg.LookupVendor(model.BusPCI, "8086")
	if !ok || name != "Intel Corporation" {
		t.Fatalf("pci LookupVendor(8086) = %q, %v", name, ok)
	}
	if _, ok := reg.LookupVendor(model.BusUSB, "ffff"); ok {
		t.Fatal("unknown vendor unexpectedly resolved")
	}

	db := reg.Get(model.BusUSB)
	if db == nil {
		t.Fatal("Get(usb) = nil after Load")
	}
	if db.FromOverride {
		t.Fatal("baseline snapshot marked FromOverride")
	}
	if db.SourceSHA256 == "" {
		t.Fatal("snapshot missing SourceSHA256")
	}
}

func TestRegistryPrefersOverrideFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reg := NewRegistry(dir)

	const override = "dead  Override Vendor\n\tbeef  Override Product\n"
	if err := writeFileAtomic(reg.OverridePath(model.BusUSB), []byte(override)); err != nil {
		t.Fatalf("writeFileAtomic: %v", err)
	}

	db, err := reg.Reload(model.BusUSB)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !db.FromOverride {
		t.Fatal("snapshot not marked FromOverride")
	}
	name, ok := db.LookupVendor("dead")
	if !ok || name != "Override Vendor" {
		t.Fatalf("LookupVendor(dead) = %q, %v", name, ok)
	}
	// 覆盖文件只包含自己的条目，不与基线合并。
	if _, ok := db.LookupVendor("046d"); ok {
		t.Fatal("baseline entry leaked into override snapshot")
	}
}
