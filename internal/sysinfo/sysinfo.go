package sysinfo

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/avelasco/opsbot/internal/sshexec"
)

// Status is a point-in-time health snapshot of a remote server.
type Status struct {
	Hostname string      `json:"hostname"`
	Uptime   string      `json:"uptime"`
	LoadAvg  [3]float64  `json:"loadAvg"`
	Memory   MemoryUsage `json:"memory"`
	Disks    []DiskUsage `json:"disks"`
}

// MemoryUsage is total and used RAM in bytes.
type MemoryUsage struct {
	TotalBytes int64 `json:"totalBytes"`
	UsedBytes  int64 `json:"usedBytes"`
}

// DiskUsage is one mounted filesystem from df.
type DiskUsage struct {
	Filesystem string `json:"filesystem"`
	MountPoint string `json:"mountPoint"`
	TotalKB    int64  `json:"totalKb"`
	UsedKB     int64  `json:"usedKb"`
	UsePercent int    `json:"usePercent"`
}

// Collector gathers status snapshots over SSH using ordinary coreutils, so it
// works on any Linux box without an agent installed.
type Collector struct {
	exec *sshexec.Executor
}

func NewCollector(exec *sshexec.Executor) *Collector {
	return &Collector{exec: exec}
}

// Snapshot collects hostname, uptime, memory and disk usage from the target.
func (c *Collector) Snapshot(ctx context.Context, target sshexec.Target) (*Status, error) {
	res, err := c.exec.Run(ctx, target, "hostname; uptime; free -b | sed -n 2p; df -P -k -x tmpfs -x devtmpfs -x overlay")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("status commands on %s: %s", target.Host, strings.TrimSpace(res.Stderr))
	}
	return ParseStatus(res.Stdout)
}

// ParseStatus parses the combined output of hostname, uptime, the "Mem:" line
// of free -b, and df -P -k.
func ParseStatus(output string) (*Status, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 3 {
		return nil, fmt.Errorf("short status output: %d lines", len(lines))
	}

	status := &Status{Hostname: strings.TrimSpace(lines[0])}

	uptime, load, err := ParseUptime(lines[1])
	if err != nil {
		return nil, err
	}
	status.Uptime = uptime
	status.LoadAvg = load

	mem, err := ParseFreeLine(lines[2])
	if err != nil {
		return nil, err
	}
	status.Memory = mem

	disks, err := ParseDF(strings.Join(lines[3:], "\n"))
	if err != nil {
		return nil, err
	}
	status.Disks = disks
	return status, nil
}

// ParseUptime extracts the "up ..." portion and the load averages from a
// standard uptime line.
func ParseUptime(line string) (string, [3]float64, error) {
	var load [3]float64

	idx := strings.Index(line, "load average:")
	if idx < 0 {
		return "", load, fmt.Errorf("no load average in uptime line %q", line)
	}
	parts := strings.Split(line[idx+len("load average:"):], ",")
	if len(parts) != 3 {
		return "", load, fmt.Errorf("unexpected load averages in %q", line)
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return "", load, fmt.Errorf("parse load average %q: %w", p, err)
		}
		load[i] = v
	}

	uptime := line[:idx]
	if up := strings.Index(uptime, "up"); up >= 0 {
		uptime = uptime[up+2:]
	}
	// Trim the trailing user count segment if present.
	segments := strings.Split(uptime, ",")
	kept := make([]string, 0, len(segments))
	for _, seg := range segments {
		if strings.Contains(seg, "user") {
			break
		}
		kept = append(kept, strings.TrimSpace(seg))
	}
	return strings.Join(kept, ", "), load, nil
}

// ParseFreeLine parses the "Mem:" row of free -b.
func ParseFreeLine(line string) (MemoryUsage, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || !strings.HasPrefix(fields[0], "Mem") {
		return MemoryUsage{}, fmt.Errorf("unexpected free output %q", line)
	}
	total, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return MemoryUsage{}, fmt.Errorf("parse total memory %q: %w", fields[1], err)
	}
	used, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return MemoryUsage{}, fmt.Errorf("parse used memory %q: %w", fields[2], err)
	}
	return MemoryUsage{TotalBytes: total, UsedBytes: used}, nil
}

// ParseDF parses df -P -k output (POSIX format, sizes in 1K blocks).
func ParseDF(output string) ([]DiskUsage, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	disks := make([]DiskUsage, 0, len(lines))
	for i, line := range lines {
		if i == 0 && strings.HasPrefix(line, "Filesystem") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		total, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse df total %q: %w", fields[1], err)
		}
		used, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse df used %q: %w", fields[2], err)
		}
		pct, err := strconv.Atoi(strings.TrimSuffix(fields[4], "%"))
		if err != nil {
			return nil, fmt.Errorf("parse df percent %q: %w", fields[4], err)
		}
		disks = append(disks, DiskUsage{
			Filesystem: fields[0],
			MountPoint: fields[5],
			TotalKB:    total,
			UsedKB:     used,
			UsePercent: pct,
		})
	}
	return disks, nil
}
