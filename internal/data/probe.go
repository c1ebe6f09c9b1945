package data

import (
	"os"
	"sync"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceProbe samples host and process resource usage via gopsutil.
type ResourceProbe struct {
	logger *log.Helper

	mu   sync.Mutex
	proc *process.Process
}

// NewResourceProbe creates a probe for the current process.
func NewResourceProbe(logger log.Logger) *ResourceProbe {
	return &ResourceProbe{
		logger: log.NewHelper(logger),
	}
}

// SampleMemoryPercent returns system memory utilization in percent.
func (p *ResourceProbe) SampleMemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// SampleProcessMemoryMB returns the resident set size of this process in MB.
func (p *ResourceProbe) SampleProcessMemoryMB() (float64, error) {
	proc, err := p.self()
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(info.RSS) / (1024 * 1024), nil
}

// SampleCPUPercent returns system CPU utilization in percent. The first
// call establishes a baseline and may report zero.
func (p *ResourceProbe) SampleCPUPercent() (float64, error) {
	// Interval 0 compares against the previous call instead of blocking.
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

func (p *ResourceProbe) self() (*process.Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc != nil {
		return p.proc, nil
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	p.proc = proc
	return proc, nil
}
