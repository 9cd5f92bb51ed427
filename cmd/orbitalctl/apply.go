package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/orbital/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a workload manifest",
	Long: `Apply a workload manifest from a YAML file.

Example:
  orbitalctl apply -f workload.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

// manifest is the on-disk shape a user writes; it gets translated into a
// types.WorkloadSpec rather than sharing that type's field names directly.
type manifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   manifestMetadata `yaml:"metadata"`
	Spec       manifestSpec     `yaml:"spec"`
}

type manifestMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

type manifestSpec struct {
	Agent         string                      `yaml:"agent"`
	RuntimeTag    string                      `yaml:"runtimeTag"`
	RuntimeConfig string                      `yaml:"runtimeConfig"`
	Dependencies  map[string]string           `yaml:"dependencies,omitempty"`
	RestartPolicy manifestRestartPolicy       `yaml:"restartPolicy,omitempty"`
	Tags          map[string]string           `yaml:"tags,omitempty"`
	Mounts        []manifestMount             `yaml:"mounts,omitempty"`
}

type manifestRestartPolicy struct {
	Condition   string `yaml:"condition"`
	MaxAttempts int    `yaml:"maxAttempts"`
	Delay       string `yaml:"delay"`
}

type manifestMount struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"readOnly"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Kind != "" && m.Kind != "Workload" {
		return fmt.Errorf("unsupported manifest kind: %s", m.Kind)
	}

	spec, err := toWorkloadSpec(&m)
	if err != nil {
		return err
	}

	conn, api, err := dialFromFlags(cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	current, err := api.GetCompleteState(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to read current state: %w", err)
	}

	desired := current.DesiredState
	if desired == nil {
		desired = map[string]types.WorkloadSpec{}
	}
	desired[spec.Name] = spec

	if err := api.UpdateState(ctx, "v1", desired, current.Configs, nil); err != nil {
		return fmt.Errorf("failed to apply workload: %w", err)
	}

	fmt.Printf("workload applied: %s\n", spec.Name)
	return nil
}

func toWorkloadSpec(m *manifest) (types.WorkloadSpec, error) {
	if m.Metadata.Name == "" {
		return types.WorkloadSpec{}, fmt.Errorf("metadata.name is required")
	}
	if m.Spec.Agent == "" {
		return types.WorkloadSpec{}, fmt.Errorf("spec.agent is required")
	}

	deps := map[string]types.AddCondition{}
	for name, cond := range m.Spec.Dependencies {
		deps[name] = types.AddCondition(cond)
	}

	policy := types.RestartPolicy{Condition: types.RestartNever}
	if m.Spec.RestartPolicy.Condition != "" {
		policy.Condition = types.RestartCondition(m.Spec.RestartPolicy.Condition)
	}
	policy.MaxAttempts = m.Spec.RestartPolicy.MaxAttempts
	if m.Spec.RestartPolicy.Delay != "" {
		d, err := time.ParseDuration(m.Spec.RestartPolicy.Delay)
		if err != nil {
			return types.WorkloadSpec{}, fmt.Errorf("invalid spec.restartPolicy.delay: %w", err)
		}
		policy.Delay = d
	}

	mounts := make([]types.VolumeMount, 0, len(m.Spec.Mounts))
	for _, mnt := range m.Spec.Mounts {
		mounts = append(mounts, types.VolumeMount{Source: mnt.Source, Target: mnt.Target, ReadOnly: mnt.ReadOnly})
	}

	return types.WorkloadSpec{
		Name:          m.Metadata.Name,
		Agent:         m.Spec.Agent,
		RuntimeTag:    m.Spec.RuntimeTag,
		RuntimeConfig: m.Spec.RuntimeConfig,
		Dependencies:  deps,
		RestartPolicy: policy,
		Labels:        m.Metadata.Labels,
		Tags:          m.Spec.Tags,
		Mounts:        mounts,
	}, nil
}
