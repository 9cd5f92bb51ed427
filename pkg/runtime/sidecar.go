package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/orbital/pkg/log"
	"github.com/cuemby/orbital/pkg/types"
)

const (
	sidecarConfigSuffix = ".config"
	sidecarPodsSuffix   = ".pods"
)

// SidecarRecoverer reconstructs reusable workload instances for runtimes
// that expose no stable per-manifest id or label-queryable metadata of
// their own (spec §4.7): the instance's config and resulting pod ids are
// mirrored onto a pair of suffixed sidecar volumes, and recovery walks those
// volumes back into instance names.
type SidecarRecoverer struct {
	adapter interface {
		ListSidecarVolumes(ctx context.Context, nameFilter string) ([]string, error)
		ReadSidecar(ctx context.Context, name string) ([]byte, error)
	}
}

// NewSidecarRecoverer wraps a CLIAdapter for sidecar-based recovery.
func NewSidecarRecoverer(adapter *CLIAdapter) *SidecarRecoverer {
	return &SidecarRecoverer{adapter: adapter}
}

// RecoveredInstance is one instance reconstructed from its sidecar volumes.
type RecoveredInstance struct {
	Name   types.WorkloadInstanceName
	Config []byte
	PodIDs []string
}

// Recover enumerates sidecar volumes belonging to agentName and reconstructs
// the instances they describe. A volume pair whose data cannot be read is
// logged and skipped: sidecar failure is non-fatal per spec §4.7, the
// instance's state will surface as Lost on the next check instead.
func (r *SidecarRecoverer) Recover(ctx context.Context, agentName string) ([]RecoveredInstance, error) {
	names, err := r.adapter.ListSidecarVolumes(ctx, ".*\\."+agentName+"\\"+sidecarConfigSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to list sidecar config volumes: %w", err)
	}

	var recovered []RecoveredInstance
	for _, volumeName := range names {
		instName, ok := instanceNameFromSidecar(volumeName, sidecarConfigSuffix)
		if !ok {
			continue
		}

		config, err := r.adapter.ReadSidecar(ctx, volumeName)
		if err != nil {
			log.WithComponent("runtime").Warn().Str("volume", volumeName).Err(err).Msg("failed to read sidecar config volume")
			continue
		}

		podsVolume := strings.TrimSuffix(volumeName, sidecarConfigSuffix) + sidecarPodsSuffix
		podsRaw, err := r.adapter.ReadSidecar(ctx, podsVolume)
		var podIDs []string
		if err != nil {
			log.WithComponent("runtime").Warn().Str("volume", podsVolume).Err(err).Msg("failed to read sidecar pods volume")
		} else {
			podIDs = strings.Split(strings.TrimSpace(string(podsRaw)), "\n")
		}

		recovered = append(recovered, RecoveredInstance{Name: instName, Config: config, PodIDs: podIDs})
	}
	return recovered, nil
}

// instanceNameFromSidecar parses a sidecar volume name of the form
// "<workload>.<hash>.<agent>.config" back into a WorkloadInstanceName.
func instanceNameFromSidecar(volumeName, suffix string) (types.WorkloadInstanceName, bool) {
	base := strings.TrimSuffix(volumeName, suffix)
	parts := strings.SplitN(base, ".", 3)
	if len(parts) != 3 {
		return types.WorkloadInstanceName{}, false
	}
	return types.WorkloadInstanceName{WorkloadName: parts[0], ContentHash: parts[1], AgentName: parts[2]}, true
}

// sidecarVolumeNames returns the pair of sidecar volume names for an
// instance. Nothing in the package calls it; Recover derives the pods volume
// name from each listed config volume name instead.
func sidecarVolumeNames(name types.WorkloadInstanceName) (config string, pods string) {
	base := name.String()
	return base + sidecarConfigSuffix, base + sidecarPodsSuffix
}
