package probe

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"hw-inspector/internal/domain/model"
)

// writeSysfsDevice 在假 sysfs 树下摆出一个设备目录。
func writeSysfsDevice(t *testing.T, root, bus, name string, attrs map[string]string) {
	t.Helper()
	dir := filepath.Join(root, "bus", bus, "devices", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for file, value := range attrs {
		if err := os.WriteFile(filepath.Join(dir, file), []byte(value+"\n"), 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", file, err)
		}
	}
}

func TestProbeSysfsUSB(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSysfsDevice(t, root, "usb", "1-2", map[string]string{
		"idVendor":     "046d",
		"idProduct":    "c52b",
		"manufacturer": "Logitech",
		"product":      "USB Receiver",
		"serial":       "",
		"speed":        "12",
	})
	writeSysfsDevice(t, root, "usb", "1-3", map[string]string{
		"idVendor":  "0781",
		"idProduct": "5567",
	})

	p := &SystemProber{GOOS: "linux", SysfsRoot: root}
	raw, err := p.ProbeDevice(context.Background(), model.DeviceIdentity{
		Bus: model.BusUSB, VendorID: "046D", ProductID: "C52B",
	})
	if err != nil {
		t.Fatalf("ProbeDevice: %v", err)
	}

	var info map[string]any
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if info["manufacturer"] != "Logitech" {
		t.Fatalf("manufacturer = %v", info["manufacturer"])
	}
	if info["product"] != "USB Receiver" {
		t.Fatalf("product = %v", info["product"])
	}
	// 空属性文件不写入 payload。
	if _, ok := info["serial"]; ok {
		t.Fatal("empty serial leaked into payload")
	}
}

func TestProbeSysfsPCIWithDriverLink(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSysfsDevice(t, root, "pci", "0000:00:14.3", map[string]string{
		"vendor": "0x8086",
		"device": "0x2723",
		"class":  "0x028000",
	})
	driverDir := filepath.Join(root, "drivers", "iwlwifi")
	if err := os.MkdirAll(driverDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	link := filepath.Join(root, "bus", "pci", "devices", "0000:00:14.3", "driver")
	if err := os.Symlink(driverDir, link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	p := &SystemProber{GOOS: "linux", SysfsRoot: root}
	raw, err := p.ProbeDevice(context.Background(), model.DeviceIdentity{
		Bus: model.BusPCI, VendorID: "8086", ProductID: "2723",
	})
	if err != nil {
		t.Fatalf("ProbeDevice: %v", err)
	}

	var info map[string]any
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if info["driver"] != "iwlwifi" {
		t.Fatalf("driver = %v", info["driver"])
	}
	if info["address"] != "0000:00:14.3" {
		t.Fatalf("address = %v", info["address"])
	}
}

func TestProbeSysfsNotFound(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSysfsDevice(t, root, "usb", "1-1", map[string]string{
		"idVendor":  "046d",
		"idProduct": "c077",
	})

	p := &SystemProber{GOOS: "linux", SysfsRoot: root}
	_, err := p.ProbeDevice(context.Background(), model.DeviceIdentity{
		Bus: model.BusUSB, VendorID: "ffff", ProductID: "ffff",
	})
	if err == nil {
		t.Fatal("ProbeDevice succeeded for absent device")
	}
}

const profilerUSBPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<array>
	<dict>
		<key>_items</key>
		<array>
			<dict>
				<key>_name</key><string>USB 3.1 Bus</string>
				<key>_items</key>
				<array>
					<dict>
						<key>_name</key><string>USB Receiver</string>
						<key>vendor_id</key><string>0x046d  (Logitech Inc.)</string>
						<key>product_id</key><string>0xc52b</string>
						<key>serial_num</key><string>ABC123</string>
					</dict>
				</array>
			</dict>
		</array>
	</dict>
</array>
</plist>
`

func TestProbeSystemProfilerPlist(t *testing.T) {
	t.Parallel()

	p := &SystemProber{
		GOOS: "darwin",
		run: func(_ context.Context, name string, args ...string) ([]byte, error) {
			if name != "system_profiler" {
				t.Fatalf("unexpected command %s", name)
			}
			return []byte(profilerUSBPlist), nil
		},
	}

	raw, err := p.ProbeDevice(context.Background(), model.DeviceIdentity{
		Bus: model.BusUSB, VendorID: "046d", ProductID: "c52b",
	})
	if err != nil {
		t.Fatalf("ProbeDevice: %v", err)
	}

	var info map[string]any
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if info["_name"] != "USB Receiver" {
		t.Fatalf("_name = %v", info["_name"])
	}
	if info["serial_num"] != "ABC123" {
		t.Fatalf("serial_num = %v", info["serial_num"])
	}
}

func TestProbeUnsupportedPlatform(t *testing.T) {
	t.Parallel()

	p := &SystemProber{GOOS: "windows"}
	_, err := p.ProbeDevice(context.Background(), model.DeviceIdentity{
		Bus: model.BusUSB, VendorID: "046d", ProductID: "c52b",
	})
	if err == nil {
		t.Fatal("ProbeDevice succeeded on unsupported platform")
	}
}
