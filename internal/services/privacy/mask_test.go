package privacy

import (
	"encoding/json"
	"strings"
	"testing"

	"hw-inspector/internal/domain/model"
)

func TestMaskSerial(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "****"},
		{"123456", "****"},
		{"4C530001230223109100", "4C****00"},
	}
	for _, tc := range cases {
		if got := MaskSerial(tc.in); got != tc.want {
			t.Errorf("MaskSerial(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMaskDeviceKeyKeepsModelAndLocation(t *testing.T) {
	t.Parallel()

	got := MaskDeviceKey("usb:0781:5567:4C530001230223109100@1-4.2")
	if got != "usb:0781:5567:4C****00@1-4.2" {
		t.Fatalf("MaskDeviceKey = %q", got)
	}
	// 无序列号的键保持原样。
	if got := MaskDeviceKey("pci:8086:2723@0000:00:14.3"); got != "pci:8086:2723@0000:00:14.3" {
		t.Fatalf("MaskDeviceKey without serial = %q", got)
	}
}

func TestMaskDeviceRecordForReport(t *testing.T) {
	t.Parallel()

	rec := model.DeviceRecord{
		DeviceKey: "usb:0781:5567:4C530001230223109100",
		DeepInfo:  json.RawMessage(`{"serial":"4C530001230223109100","speed":"5000Mbps","usb":{"iSerialNumber":"4C530001230223109100"}}`),
	}

	masked := MaskDeviceRecordForReport(rec)
	if strings.Contains(masked.DeviceKey, "4C530001230223109100") {
		t.Fatalf("device key still carries full serial: %s", masked.DeviceKey)
	}
	if strings.Contains(string(masked.DeepInfo), "4C530001230223109100") {
		t.Fatalf("deep info still carries full serial: %s", masked.DeepInfo)
	}
	if !strings.Contains(string(masked.DeepInfo), "5000Mbps") {
		t.Fatalf("non-sensitive fields must survive masking: %s", masked.DeepInfo)
	}
	// 原记录不受影响。
	if !strings.Contains(string(rec.DeepInfo), "4C530001230223109100") {
		t.Fatal("masking must not mutate the source record")
	}
}

func TestNormalizeMode(t *testing.T) {
	t.Parallel()

	if NormalizeMode(" Masked ") != ModeMasked {
		t.Fatal("masked not recognized")
	}
	for _, in := range []string{"", "off", "nope"} {
		if NormalizeMode(in) != ModeOff {
			t.Fatalf("NormalizeMode(%q) != off", in)
		}
	}
}
