package probe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hw-inspector/internal/domain/model"
)

// probeSysfs 在 /sys/bus/{usb,pci}/devices 下按 vendor/product 匹配设备目录，
// 把属性文件读成一个扁平 JSON。不依赖 lsusb/lspci 等外部工具。
func (p *SystemProber) probeSysfs(dev model.DeviceIdentity) (json.RawMessage, error) {
	root := p.SysfsRoot
	if root == "" {
		root = "/sys"
	}

	switch dev.Bus {
	case model.BusUSB:
		return p.probeSysfsUSB(root, dev)
	case model.BusPCI:
		return p.probeSysfsPCI(root, dev)
	default:
		return nil, fmt.Errorf("unknown bus: %s", dev.Bus)
	}
}

// usbAttrFiles 是 USB 设备目录下值得采集的属性文件。
var usbAttrFiles = []string{
	"manufacturer", "product", "serial", "speed", "version",
	"busnum", "devnum", "bMaxPower", "bDeviceClass", "bcdDevice",
}

func (p *SystemProber) probeSysfsUSB(root string, dev model.DeviceIdentity) (json.RawMessage, error) {
	base := filepath.Join(root, "bus", "usb", "devices")
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read sysfs usb devices: %w", err)
	}

	for _, entry := range entries {
		dir := filepath.Join(base, entry.Name())
		if strings.ToLower(readSysfsValue(dir, "idVendor")) != dev.VendorID {
			continue
		}
		if strings.ToLower(readSysfsValue(dir, "idProduct")) != dev.ProductID {
			continue
		}
		// 指定了序列号时还要精确匹配，避免同型号多实例串台。
		if dev.Serial != "" && readSysfsValue(dir, "serial") != dev.Serial {
			continue
		}

		info := map[string]any{
			"bus":        "usb",
			"sysfs_path": dir,
			"vendor_id":  dev.VendorID,
			"product_id": dev.ProductID,
		}
		for _, name := range usbAttrFiles {
			if v := readSysfsValue(dir, name); v != "" {
				info[name] = v
			}
		}
		return json.Marshal(info)
	}

	return nil, fmt.Errorf("usb device %s:%s not found", dev.VendorID, dev.ProductID)
}

// pciAttrFiles 是 PCI 设备目录下值得采集的属性文件。
var pciAttrFiles = []string{
	"class", "revision", "subsystem_vendor", "subsystem_device",
	"numa_node", "current_link_speed", "current_link_width",
}

func (p *SystemProber) probeSysfsPCI(root string, dev model.DeviceIdentity) (json.RawMessage, error) {
	base := filepath.Join(root, "bus", "pci", "devices")
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read sysfs pci devices: %w", err)
	}

	for _, entry := range entries {
		dir := filepath.Join(base, entry.Name())
		// PCI 属性文件里 vendor/device 带 0x 前缀。
		if strings.TrimPrefix(strings.ToLower(readSysfsValue(dir, "vendor")), "0x") != dev.VendorID {
			continue
		}
		if strings.TrimPrefix(strings.ToLower(readSysfsValue(dir, "device")), "0x") != dev.ProductID {
			continue
		}
		if dev.Location != "" && entry.Name() != dev.Location {
			continue
		}

		info := map[string]any{
			"bus":        "pci",
			"address":    entry.Name(),
			"sysfs_path": dir,
			"vendor_id":  dev.VendorID,
			"product_id": dev.ProductID,
		}
		for _, name := range pciAttrFiles {
			if v := readSysfsValue(dir, name); v != "" {
				info[name] = v
			}
		}
		// driver 是指向内核驱动目录的符号链接，取末段即驱动名。
		if target, err := os.Readlink(filepath.Join(dir, "driver")); err == nil {
			info["driver"] = filepath.Base(target)
		}
		return json.Marshal(info)
	}

	return nil, fmt.Errorf("pci device %s:%s not found", dev.VendorID, dev.ProductID)
}

func readSysfsValue(dir, name string) string {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
