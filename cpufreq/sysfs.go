package cpufreq

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

const sysfsCPURoot = "/sys/devices/system/cpu"

// SysfsHost is a Host backed by the kernel's cpufreq sysfs tree. The
// filesystem is injected so tests can run against an in-memory tree.
type SysfsHost struct {
	logger slog.Logger
	fs     afero.Fs
	count  int

	mu    sync.Mutex
	hooks Hooks
	// known tracks the CPUs seen online by the last scan so RefreshAll can
	// fire OnStart for newly started frequency engines.
	known map[int]bool
}

// NewSysfsHost returns a SysfsHost reading from the cpufreq sysfs tree on fs.
func NewSysfsHost(logger slog.Logger, fs afero.Fs) (*SysfsHost, error) {
	h := &SysfsHost{
		logger: logger,
		fs:     fs,
		known:  map[int]bool{},
	}
	possible, err := h.readCPUList("possible")
	if err != nil {
		return nil, xerrors.Errorf("read possible cpus: %w", err)
	}
	if len(possible) == 0 {
		return nil, xerrors.New("no possible cpus")
	}
	h.count = possible[len(possible)-1] + 1
	online, err := h.readCPUList("online")
	if err != nil {
		return nil, xerrors.Errorf("read online cpus: %w", err)
	}
	for _, cpu := range online {
		h.known[cpu] = true
	}
	return h, nil
}

// Subscribe implements Host.
func (h *SysfsHost) Subscribe(hooks Hooks) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = hooks
}

// CPUCount implements Host.
func (h *SysfsHost) CPUCount() int {
	return h.count
}

// OnlineCPUs implements Host.
func (h *SysfsHost) OnlineCPUs() []int {
	online, err := h.readCPUList("online")
	if err != nil {
		h.logger.Warn(context.Background(), "read online cpus", slog.Error(err))
		return nil
	}
	return online
}

// IsOnline implements Host.
func (h *SysfsHost) IsOnline(cpu int) bool {
	for _, id := range h.OnlineCPUs() {
		if id == cpu {
			return true
		}
	}
	return false
}

// Policy implements Host.
func (h *SysfsHost) Policy(cpu int) (Policy, error) {
	if !h.IsOnline(cpu) {
		return Policy{}, xerrors.Errorf("cpu %d: %w", cpu, ErrCPUOffline)
	}
	p := Policy{CPU: cpu}
	for _, f := range []struct {
		name string
		dst  *uint64
	}{
		{"cpuinfo_min_freq", &p.HWMin},
		{"cpuinfo_max_freq", &p.HWMax},
		{"scaling_min_freq", &p.Min},
		{"scaling_max_freq", &p.Max},
		{"scaling_cur_freq", &p.Cur},
	} {
		khz, err := h.readFreq(cpu, f.name)
		if err != nil {
			return Policy{}, xerrors.Errorf("cpu %d: %w", cpu, err)
		}
		*f.dst = khz
	}
	return p, nil
}

// Refresh implements Host.
func (h *SysfsHost) Refresh(cpu int) {
	ctx := context.Background()
	p, err := h.Policy(cpu)
	if err != nil {
		if !xerrors.Is(err, ErrCPUOffline) {
			h.logger.Debug(ctx, "read policy", slog.F("cpu", cpu), slog.Error(err))
		}
		return
	}
	prior := p.Min
	h.mu.Lock()
	hooks := h.hooks
	h.mu.Unlock()
	if hooks.OnEvaluate != nil {
		hooks.OnEvaluate(&p)
	}
	if p.Min == prior {
		return
	}
	if err := h.writeFreq(cpu, "scaling_min_freq", p.Min); err != nil {
		h.logger.Warn(ctx, "apply minimum frequency",
			slog.F("cpu", cpu),
			slog.F("min_khz", p.Min),
			slog.Error(err),
		)
	}
}

// RefreshAll implements Host. CPUs that came online since the previous scan
// get an OnStart callback before any policy is re-evaluated.
func (h *SysfsHost) RefreshAll() {
	online := h.OnlineCPUs()

	h.mu.Lock()
	hooks := h.hooks
	var started []int
	current := make(map[int]bool, len(online))
	for _, cpu := range online {
		current[cpu] = true
		if !h.known[cpu] {
			started = append(started, cpu)
		}
	}
	h.known = current
	h.mu.Unlock()

	if hooks.OnStart != nil {
		for _, cpu := range started {
			hooks.OnStart(cpu)
		}
	}
	for _, cpu := range online {
		h.Refresh(cpu)
	}
}

func (h *SysfsHost) freqPath(cpu int, name string) string {
	return filepath.Join(sysfsCPURoot, "cpu"+strconv.Itoa(cpu), "cpufreq", name)
}

func (h *SysfsHost) readFreq(cpu int, name string) (uint64, error) {
	raw, err := afero.ReadFile(h.fs, h.freqPath(cpu, name))
	if err != nil {
		return 0, xerrors.Errorf("read %s: %w", name, err)
	}
	khz, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, xerrors.Errorf("parse %s: %w", name, err)
	}
	return khz, nil
}

func (h *SysfsHost) writeFreq(cpu int, name string, khz uint64) error {
	path := h.freqPath(cpu, name)
	err := afero.WriteFile(h.fs, path, []byte(strconv.FormatUint(khz, 10)), 0644)
	if err != nil {
		return xerrors.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (h *SysfsHost) readCPUList(name string) ([]int, error) {
	raw, err := afero.ReadFile(h.fs, filepath.Join(sysfsCPURoot, name))
	if err != nil {
		return nil, xerrors.Errorf("read %s: %w", name, err)
	}
	return parseCPUList(string(raw))
}

// parseCPUList parses the kernel's CPU list format, e.g. "0-3,5,7-8".
func parseCPUList(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(raw, ",") {
		lo, hi, ok := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, xerrors.Errorf("parse cpu list %q: %w", raw, err)
		}
		last := first
		if ok {
			last, err = strconv.Atoi(hi)
			if err != nil {
				return nil, xerrors.Errorf("parse cpu list %q: %w", raw, err)
			}
		}
		if last < first {
			return nil, xerrors.Errorf("parse cpu list %q: descending range", raw)
		}
		for cpu := first; cpu <= last; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	sort.Ints(cpus)
	return cpus, nil
}
