package docker

import (
	"github.com/artpar/dockyard/internal/core/deployment"
)

// =============================================================================
// Plan Conversion
// =============================================================================

// SpecFromPlan converts a pure container plan into the client's ContainerSpec.
func SpecFromPlan(plan deployment.ContainerPlan) ContainerSpec {
	spec := ContainerSpec{
		Name:       plan.Name,
		Image:      plan.Image,
		Command:    plan.Command,
		Entrypoint: plan.Entrypoint,
		Env:        plan.Env,
		Labels:     plan.Labels,
		RestartPolicy: RestartPolicy{
			Name:              plan.RestartPolicy.Name,
			MaximumRetryCount: plan.RestartPolicy.MaximumRetryCount,
		},
		Resources: ResourceLimits{
			CPUShares:         plan.Resources.CPUShares,
			CPULimit:          plan.Resources.CPULimit,
			MemoryLimit:       plan.Resources.MemoryLimit,
			MemoryReservation: plan.Resources.MemoryReservation,
		},
	}

	for _, p := range plan.Ports {
		spec.Ports = append(spec.Ports, PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	for _, v := range plan.Volumes {
		spec.Volumes = append(spec.Volumes, VolumeMount{
			Type:     MountType(v.Type),
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	for _, n := range plan.Networks {
		spec.Networks = append(spec.Networks, NetworkAttachment{Name: n.Name, Aliases: n.Aliases})
	}

	if hc := plan.HealthCheck; hc != nil {
		spec.HealthCheck = &HealthCheck{
			Test:        hc.Test,
			Interval:    hc.Interval,
			Timeout:     hc.Timeout,
			Retries:     hc.Retries,
			StartPeriod: hc.StartPeriod,
		}
	}

	return spec
}
