package deployment

import (
	"github.com/artpar/dockyard/internal/core/compose"
)

// =============================================================================
// Container Plan Building Functions
// =============================================================================

// BuildContainerPlan builds a ContainerPlan from a service and its project.
//
// The function:
//   - Generates the container name using ContainerName()
//   - Prefixes named volumes and networks with the project, unless external
//   - Joins each network under the service name as alias
//   - Copies environment, limits and labels
//   - Maps restart policy and command probe to Docker only when Detached
//
// Example:
//
//	plan := BuildContainerPlan(BuildContainerPlanParams{
//	    Project: "shop",
//	    Service: compose.Service{Name: "web", Image: "nginx:latest", Networks: []string{"default"}},
//	})
//	// plan.Name == "shop_web", plan.Networks[0].Name == "shop_default"
func BuildContainerPlan(params BuildContainerPlanParams) ContainerPlan {
	svc := params.Service

	image := params.Image
	if image == "" {
		image = svc.Image
	}

	plan := ContainerPlan{
		Name:       ContainerName(params.Project, svc.Name),
		Image:      image,
		Command:    svc.Command,
		Entrypoint: svc.Entrypoint,
		Env:        make(map[string]string, len(svc.Environment)),
		Labels:     ProjectLabels(params.Project),
		Resources: ResourcePlan{
			CPUShares:         svc.Resources.CPUShares,
			CPULimit:          svc.Resources.CPULimit,
			MemoryLimit:       svc.Resources.MemoryLimit,
			MemoryReservation: svc.Resources.MemoryReservation,
		},
		RestartPolicy: RestartPolicyPlan{Name: "no"},
	}

	for k, v := range svc.Environment {
		plan.Env[k] = v
	}

	for _, p := range svc.Ports {
		plan.Ports = append(plan.Ports, PortPlan{
			ContainerPort: int(p.Target),
			HostPort:      int(p.Published),
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	for _, v := range svc.Volumes {
		source := v.Source
		if v.Type == compose.VolumeMountTypeVolume && v.Source != "" {
			source = ResolveVolumeName(params.Project, v.Source, params.Volumes)
		}
		plan.Volumes = append(plan.Volumes, VolumePlan{
			Type:     v.Type,
			Source:   source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	for _, n := range svc.Networks {
		plan.Networks = append(plan.Networks, NetworkPlan{
			Name:    ResolveNetworkName(params.Project, n, params.Networks),
			Aliases: []string{svc.Name},
		})
	}

	if params.Detached {
		plan.RestartPolicy = mapRestartPolicy(svc.Restart, params.DefaultMaxAttempts)
		if hc := svc.HealthCheck; hc != nil && hc.IsCommand() {
			plan.HealthCheck = &HealthCheckPlan{
				Test:        hc.Test,
				Interval:    hc.Interval,
				Timeout:     hc.Timeout,
				Retries:     hc.Retries,
				StartPeriod: hc.StartPeriod,
			}
		}
	}

	// Service labels first so ownership labels cannot be overridden
	labels := make(map[string]string, len(svc.Labels)+3)
	for k, v := range svc.Labels {
		labels[k] = v
	}
	for k, v := range plan.Labels {
		labels[k] = v
	}
	labels[LabelService] = svc.Name
	plan.Labels = labels

	return plan
}

// ResolveVolumeName returns the Docker name of a declared volume.
// External volumes keep their own name.
func ResolveVolumeName(project, name string, volumes []compose.Volume) string {
	for _, v := range volumes {
		if v.Name == name && v.External {
			return name
		}
	}
	return VolumeName(project, name)
}

// ResolveNetworkName returns the Docker name of a declared network.
// External networks keep their own name.
func ResolveNetworkName(project, name string, networks []compose.Network) string {
	for _, n := range networks {
		if n.Name == name && n.External {
			return name
		}
	}
	return NetworkName(project, name)
}

// mapRestartPolicy maps a restart policy to the Docker Engine's.
// Docker counts retries, not launches, so on-failure's cap is one less.
func mapRestartPolicy(policy compose.RestartPolicy, defaultMaxAttempts int) RestartPolicyPlan {
	switch policy.Mode {
	case compose.RestartAlways:
		return RestartPolicyPlan{Name: "always"}
	case compose.RestartOnFailure:
		attempts := policy.MaxAttempts
		if attempts <= 0 {
			attempts = defaultMaxAttempts
		}
		// A zero retry count means unlimited to Docker
		if attempts <= 1 {
			return RestartPolicyPlan{Name: "no"}
		}
		return RestartPolicyPlan{Name: "on-failure", MaximumRetryCount: attempts - 1}
	default:
		return RestartPolicyPlan{Name: "no"}
	}
}
