package agent

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/cuemby/orbital/pkg/types"
)

// LoadSampler reports this node's current load, sent as an AgentLoadStatus
// heartbeat (spec §6, supplemented from the original's per-agent load
// reporting).
type LoadSampler interface {
	Sample() types.AgentLoadStatus
}

// DefaultLoadSampler reads /proc/loadavg and /proc/meminfo, the same sources
// a node's own shell tools use; on any read failure it reports zero values
// rather than failing the heartbeat.
type DefaultLoadSampler struct{}

func (DefaultLoadSampler) Sample() types.AgentLoadStatus {
	return types.AgentLoadStatus{
		CPUPercent:      readLoadAvg1(),
		FreeMemoryBytes: readFreeMemory(),
	}
}

// readLoadAvg1 returns /proc/loadavg's 1-minute load average, or 0 if the
// file is absent (non-Linux hosts, containers without /proc mounted).
func readLoadAvg1() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return v
}

// readFreeMemory sums MemFree and Cached from /proc/meminfo, in bytes.
func readFreeMemory() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	var freeKB, cachedKB int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemFree":
			freeKB, _ = strconv.ParseInt(fields[1], 10, 64)
		case "Cached":
			cachedKB, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	}
	return (freeKB + cachedKB) * 1024
}
