package deployment

import "fmt"

// =============================================================================
// Resource Naming Functions
// =============================================================================

// NetworkName generates the Docker network name for a project network.
// Pattern: {project}_{network}
//
// Example:
//
//	NetworkName("shop", "default") // returns "shop_default"
func NetworkName(project, network string) string {
	return fmt.Sprintf("%s_%s", project, network)
}

// VolumeName generates the Docker volume name for a project volume.
// Pattern: {project}_{volume}
//
// Example:
//
//	VolumeName("shop", "pgdata") // returns "shop_pgdata"
func VolumeName(project, volume string) string {
	return fmt.Sprintf("%s_%s", project, volume)
}

// ContainerName generates the container name for a service in a project.
// Pattern: {project}_{service}
//
// Example:
//
//	ContainerName("shop", "web") // returns "shop_web"
func ContainerName(project, service string) string {
	return fmt.Sprintf("%s_%s", project, service)
}

// ImageName generates the tag for an image built for a service.
// Pattern: {project}-{service}:latest
//
// Example:
//
//	ImageName("shop", "api") // returns "shop-api:latest"
func ImageName(project, service string) string {
	return fmt.Sprintf("%s-%s:latest", project, service)
}
