package features

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
)

// HostSource derives feature vectors from the local host's telemetry. Rates
// are computed against the previous sample of the same counter, so the first
// sample of each category reports zero rates.
type HostSource struct {
	mu         sync.Mutex
	now        func() time.Time
	hostname   string
	lastNetAt  time.Time
	lastTx     uint64
	lastDiskAt time.Time
	lastWrites uint64
	lastReads  uint64
	knownPids  map[int32]struct{}
}

// NewHostSource creates a host telemetry source
func NewHostSource() *HostSource {
	return &HostSource{now: time.Now}
}

// Sample collects one vector for category. Feature positions follow
// FeatureNames; counters the host cannot observe are reported as zero.
func (h *HostSource) Sample(ctx context.Context, category Category) (Sample, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hostname == "" {
		info, err := host.InfoWithContext(ctx)
		if err != nil {
			return Sample{}, apperrors.NewSourceError("host_source", "host_info", err)
		}
		h.hostname = info.Hostname
	}

	var (
		values []float64
		err    error
	)
	switch category {
	case CategoryNetwork:
		values, err = h.network(ctx)
	case CategoryProcess:
		values, err = h.processes(ctx)
	case CategoryFile:
		values, err = h.files(ctx)
	case CategoryUser:
		values, err = h.users(ctx)
	case CategorySystem:
		values, err = h.system(ctx)
	default:
		return Sample{}, apperrors.NewMalformedSampleError("host_source",
			fmt.Sprintf("unknown feature category %q", category), nil)
	}
	if err != nil {
		return Sample{}, apperrors.NewSourceError("host_source", string(category), err)
	}

	return Sample{
		Category:  category,
		DeviceID:  h.hostname,
		Values:    values,
		Timestamp: h.now(),
	}, nil
}

func (h *HostSource) network(ctx context.Context) ([]float64, error) {
	counters, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}

	now := h.now()
	var bytesPerSecond float64
	if len(counters) > 0 {
		tx := counters[0].BytesSent + counters[0].BytesRecv
		if !h.lastNetAt.IsZero() && tx >= h.lastTx {
			if elapsed := now.Sub(h.lastNetAt).Seconds(); elapsed > 0 {
				bytesPerSecond = float64(tx-h.lastTx) / elapsed
			}
		}
		h.lastTx = tx
		h.lastNetAt = now
	}

	destinations := make(map[string]struct{})
	var established, failed float64
	for _, c := range conns {
		switch c.Status {
		case "ESTABLISHED":
			established++
		case "SYN_SENT", "CLOSE":
			failed++
		}
		if c.Raddr.IP != "" {
			destinations[c.Raddr.IP] = struct{}{}
		}
	}

	return []float64{bytesPerSecond, established, float64(len(destinations)), failed}, nil
}

func (h *HostSource) processes(ctx context.Context) ([]float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, err
	}
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}

	var cpuUsage float64
	if len(percents) > 0 {
		cpuUsage = percents[0]
	}

	return []float64{cpuUsage, float64(vm.Used) / (1024 * 1024), float64(len(pids)), float64(len(conns))}, nil
}

func (h *HostSource) files(ctx context.Context) ([]float64, error) {
	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var writes, reads uint64
	for _, c := range counters {
		writes += c.WriteCount
		reads += c.ReadCount
	}

	now := h.now()
	var writesPerMinute, readsPerMinute float64
	if !h.lastDiskAt.IsZero() && writes >= h.lastWrites && reads >= h.lastReads {
		if elapsed := now.Sub(h.lastDiskAt).Minutes(); elapsed > 0 {
			writesPerMinute = float64(writes-h.lastWrites) / elapsed
			readsPerMinute = float64(reads-h.lastReads) / elapsed
		}
	}
	h.lastWrites, h.lastReads, h.lastDiskAt = writes, reads, now

	return []float64{writesPerMinute, 0, readsPerMinute, 0}, nil
}

func (h *HostSource) users(ctx context.Context) ([]float64, error) {
	sessions, err := host.UsersWithContext(ctx)
	if err != nil {
		return nil, err
	}
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, err
	}

	// processes started since the previous sample
	current := make(map[int32]struct{}, len(pids))
	var started float64
	for _, pid := range pids {
		current[pid] = struct{}{}
		if h.knownPids != nil {
			if _, seen := h.knownPids[pid]; !seen {
				started++
			}
		}
	}
	h.knownPids = current

	return []float64{float64(len(sessions)), started, 0, 0}, nil
}

func (h *HostSource) system(ctx context.Context) ([]float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cores <= 0 {
		cores = 1
	}

	return []float64{avg.Load1 / float64(cores) * 100, 0, 0, 0}, nil
}
