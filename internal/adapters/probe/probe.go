// Package probe 负责从宿主机采集单个设备的深度信息。
// 采集结果是一个不透明 JSON payload，字段因平台而异，上层只缓存与透传。
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"hw-inspector/internal/domain/model"
)

// Prober 抽象深度探测，便于测试时替换为固定 payload。
type Prober interface {
	ProbeDevice(ctx context.Context, dev model.DeviceIdentity) (json.RawMessage, error)
}

// SystemProber 按运行平台选择采集策略：
// Linux 走 sysfs（无需外部工具），macOS 走 system_profiler 的 plist 输出。
// 其余平台返回错误，上层降级为仅名称解析。
type SystemProber struct {
	// GOOS 可在测试中覆盖，默认取 runtime.GOOS。
	GOOS string
	// SysfsRoot 可在测试中指向假目录，默认 /sys。
	SysfsRoot string

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewSystemProber() *SystemProber {
	return &SystemProber{
		GOOS:      runtime.GOOS,
		SysfsRoot: "/sys",
		run:       runCmd,
	}
}

// ProbeDevice 采集设备的深度信息。
// 未找到设备不是平台错误：返回 model 层可识别的 not found 语义（错误文本含 device not found）。
func (p *SystemProber) ProbeDevice(ctx context.Context, dev model.DeviceIdentity) (json.RawMessage, error) {
	n := dev.Normalize()
	goos := p.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}

	switch goos {
	case "linux":
		return p.probeSysfs(n)
	case "darwin":
		return p.probeSystemProfiler(ctx, n)
	default:
		return nil, fmt.Errorf("deep probe not supported on %s", goos)
	}
}

func runCmd(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%s not found", name)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(err.Error())
		return nil, fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
	}
	return out, nil
}
