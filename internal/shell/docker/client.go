package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/moby/go-archive"
	"github.com/moby/patternmatcher/ignorefile"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

// DockerClient implements the Client interface using the Docker SDK.
type DockerClient struct {
	cli *client.Client
}

var _ Client = (*DockerClient)(nil)

// NewDockerClient creates a new Docker client.
// If host is empty, it uses the default Docker host from environment.
// On macOS with Docker Desktop, it automatically detects the correct socket.
func NewDockerClient(ctx context.Context, host string) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "", "", err.Error(), ErrConnectionFailed)
	}

	if host != "" {
		return &DockerClient{cli: cli}, nil
	}

	if _, pingErr := cli.Ping(ctx); pingErr != nil {
		// Docker Desktop keeps its socket under the home directory
		homeDir, _ := os.UserHomeDir()
		desktopSocket := "unix://" + filepath.Join(homeDir, ".docker", "run", "docker.sock")

		cli2, err2 := client.NewClientWithOpts(
			client.WithHost(desktopSocket),
			client.WithAPIVersionNegotiation(),
		)
		if err2 == nil {
			if _, pingErr2 := cli2.Ping(ctx); pingErr2 == nil {
				cli.Close()
				return &DockerClient{cli: cli2}, nil
			}
			cli2.Close()
		}
	}

	return &DockerClient{cli: cli}, nil
}

// Ping checks if Docker daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewDockerError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates a new container from the given spec.
func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Entrypoint: spec.Entrypoint,
		WorkingDir: spec.WorkingDir,
		User:       spec.User,
		Labels:     spec.Labels,
		Env:        envList(spec.Env),
	}

	hostConfig := &container.HostConfig{}

	if len(spec.Ports) > 0 {
		config.ExposedPorts, hostConfig.PortBindings = portBindings(spec.Ports)
	}

	for _, v := range spec.Volumes {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mountType(v),
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	// Resource limits
	if spec.Resources.CPUShares > 0 {
		hostConfig.CPUShares = spec.Resources.CPUShares
	}
	if spec.Resources.CPULimit > 0 {
		hostConfig.NanoCPUs = int64(spec.Resources.CPULimit * 1e9)
	}
	if spec.Resources.MemoryLimit > 0 {
		hostConfig.Memory = spec.Resources.MemoryLimit
	}
	if spec.Resources.MemoryReservation > 0 {
		hostConfig.MemoryReservation = spec.Resources.MemoryReservation
	}

	if spec.RestartPolicy.Name != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyMode(spec.RestartPolicy.Name),
			MaximumRetryCount: spec.RestartPolicy.MaximumRetryCount,
		}
	}

	if spec.HealthCheck != nil {
		config.Healthcheck = &container.HealthConfig{
			Test:        spec.HealthCheck.Test,
			Interval:    spec.HealthCheck.Interval,
			Timeout:     spec.HealthCheck.Timeout,
			Retries:     spec.HealthCheck.Retries,
			StartPeriod: spec.HealthCheck.StartPeriod,
		}
	}

	var networkConfig *network.NetworkingConfig
	if len(spec.Networks) > 0 {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: make(map[string]*network.EndpointSettings, len(spec.Networks)),
		}
		for _, n := range spec.Networks {
			networkConfig.EndpointsConfig[n.Name] = &network.EndpointSettings{Aliases: n.Aliases}
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, spec.Name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			return "", NewDockerError("CreateContainer", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
		}
		if cerrdefs.IsNotFound(err) {
			return "", NewDockerError("CreateContainer", "container", spec.Name, err.Error(), ErrImageNotFound)
		}
		return "", NewDockerError("CreateContainer", "container", spec.Name, err.Error(), err)
	}

	return resp.ID, nil
}

// StartContainer starts a stopped container.
func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return NewDockerError("StartContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "port is already allocated") {
			return NewDockerError("StartContainer", "container", containerID, err.Error(), ErrPortAlreadyAllocated)
		}
		return NewDockerError("StartContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// StopContainer stops a running container. The daemon sends SIGKILL once
// timeout elapses.
func (d *DockerClient) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	stopOptions := container.StopOptions{}
	if timeout != nil {
		seconds := int(timeout.Seconds())
		stopOptions.Timeout = &seconds
	}

	err := d.cli.ContainerStop(ctx, containerID, stopOptions)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return NewDockerError("StopContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if ctx.Err() != nil {
			return NewDockerError("StopContainer", "container", containerID, "stop did not complete in time", ErrTimeout)
		}
		return NewDockerError("StopContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// KillContainer sends signal to a running container ("" means SIGKILL).
func (d *DockerClient) KillContainer(ctx context.Context, containerID, signal string) error {
	if signal == "" {
		signal = "SIGKILL"
	}
	err := d.cli.ContainerKill(ctx, containerID, signal)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return NewDockerError("KillContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if cerrdefs.IsConflict(err) {
			return NewDockerError("KillContainer", "container", containerID, "container is not running", ErrContainerNotRunning)
		}
		return NewDockerError("KillContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         opts.Force,
		RemoveVolumes: opts.RemoveVolumes,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return NewDockerError("RemoveContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return NewDockerError("RemoveContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// InspectContainer returns detailed information about a container.
func (d *DockerClient) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, NewDockerError("InspectContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return nil, NewDockerError("InspectContainer", "container", containerID, err.Error(), err)
	}

	info := &ContainerInfo{
		ID:           resp.ID,
		Name:         strings.TrimPrefix(resp.Name, "/"),
		RestartCount: resp.RestartCount,
	}
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, resp.Created)
	if resp.Config != nil {
		info.Image = resp.Config.Image
		info.Labels = resp.Config.Labels
	}
	if resp.State != nil {
		info.Status = ContainerStatus(resp.State.Status)
		info.ExitCode = resp.State.ExitCode
		info.StartedAt = parseStateTime(resp.State.StartedAt)
		info.FinishedAt = parseStateTime(resp.State.FinishedAt)
		if resp.State.Health != nil {
			info.Health = resp.State.Health.Status
		}
	}

	if resp.NetworkSettings != nil {
		for containerPort, bindings := range resp.NetworkSettings.Ports {
			for _, binding := range bindings {
				hostPort, _ := strconv.Atoi(binding.HostPort)
				info.Ports = append(info.Ports, PortBinding{
					ContainerPort: containerPort.Int(),
					HostPort:      hostPort,
					Protocol:      containerPort.Proto(),
					HostIP:        binding.HostIP,
				})
			}
		}
	}

	return info, nil
}

// ListContainers returns a list of containers matching the given options.
func (d *DockerClient) ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     opts.All,
		Filters: filterArgs(opts.Filters),
	})
	if err != nil {
		return nil, NewDockerError("ListContainers", "container", "", err.Error(), err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		var ports []PortBinding
		for _, p := range c.Ports {
			ports = append(ports, PortBinding{
				ContainerPort: int(p.PrivatePort),
				HostPort:      int(p.PublicPort),
				Protocol:      p.Type,
				HostIP:        p.IP,
			})
		}

		result = append(result, ContainerInfo{
			ID:        c.ID,
			Name:      name,
			Image:     c.Image,
			Status:    ContainerStatus(c.State),
			CreatedAt: time.Unix(c.Created, 0),
			Ports:     ports,
			Labels:    c.Labels,
		})
	}

	return result, nil
}

// WaitContainer reports the exit of a container on the returned channel.
// Exactly one value is sent; the channel is then closed.
func (d *DockerClient) WaitContainer(ctx context.Context, containerID string) <-chan ExitStatus {
	out := make(chan ExitStatus, 1)
	respCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	go func() {
		defer close(out)
		select {
		case resp := <-respCh:
			status := ExitStatus{Code: resp.StatusCode}
			if resp.Error != nil && resp.Error.Message != "" {
				status.Err = NewDockerError("WaitContainer", "container", containerID, resp.Error.Message, nil)
			}
			out <- status
		case err := <-errCh:
			if cerrdefs.IsNotFound(err) {
				err = NewDockerError("WaitContainer", "container", containerID, "container not found", ErrContainerNotFound)
			}
			out <- ExitStatus{Code: -1, Err: err}
		}
	}()

	return out
}

// ContainerLogs returns logs from a container.
func (d *DockerClient) ContainerLogs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error) {
	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       opts.Tail,
		Timestamps: opts.Timestamps,
	}
	if !opts.Since.IsZero() {
		logOpts.Since = opts.Since.Format(time.RFC3339)
	}
	if !opts.Until.IsZero() {
		logOpts.Until = opts.Until.Format(time.RFC3339)
	}

	reader, err := d.cli.ContainerLogs(ctx, containerID, logOpts)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, NewDockerError("ContainerLogs", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return nil, NewDockerError("ContainerLogs", "container", containerID, err.Error(), err)
	}

	return reader, nil
}

// ExecCommand runs cmd inside a running container and waits for it to exit.
// A non-zero exit code is reported in the result, not as an error.
func (d *DockerClient) ExecCommand(ctx context.Context, containerID string, cmd []string) (ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return ExecResult{}, NewDockerError("ExecCommand", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if cerrdefs.IsConflict(err) {
			return ExecResult{}, NewDockerError("ExecCommand", "container", containerID, "container is not running", ErrContainerNotRunning)
		}
		return ExecResult{}, NewDockerError("ExecCommand", "container", containerID, err.Error(), ErrExecFailed)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, NewDockerError("ExecCommand", "container", containerID, err.Error(), ErrExecFailed)
	}
	defer attach.Close()

	var output bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&output, &output, attach.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return ExecResult{}, NewDockerError("ExecCommand", "container", containerID, err.Error(), ErrExecFailed)
		}
	case <-ctx.Done():
		return ExecResult{}, NewDockerError("ExecCommand", "container", containerID, "exec did not complete in time", ErrTimeout)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, NewDockerError("ExecCommand", "container", containerID, err.Error(), ErrExecFailed)
	}

	return ExecResult{ExitCode: inspect.ExitCode, Output: output.String()}, nil
}

// =============================================================================
// Network Operations
// =============================================================================

// CreateNetwork creates a new Docker network.
func (d *DockerClient) CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	driver := spec.Driver
	if driver == "" {
		driver = "bridge"
	}

	resp, err := d.cli.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver:     driver,
		Internal:   spec.Internal,
		Attachable: spec.Attachable,
		Labels:     spec.Labels,
	})
	if err != nil {
		if cerrdefs.IsConflict(err) || strings.Contains(err.Error(), "already exists") {
			return "", NewDockerError("CreateNetwork", "network", spec.Name, "network already exists", ErrNetworkAlreadyExists)
		}
		return "", NewDockerError("CreateNetwork", "network", spec.Name, err.Error(), err)
	}

	return resp.ID, nil
}

// InspectNetwork returns the network with the given name or ID.
func (d *DockerClient) InspectNetwork(ctx context.Context, name string) (*NetworkInfo, error) {
	resp, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, NewDockerError("InspectNetwork", "network", name, "network not found", ErrNetworkNotFound)
		}
		return nil, NewDockerError("InspectNetwork", "network", name, err.Error(), err)
	}
	return &NetworkInfo{ID: resp.ID, Name: resp.Name, Driver: resp.Driver, Labels: resp.Labels}, nil
}

// RemoveNetwork removes a Docker network.
func (d *DockerClient) RemoveNetwork(ctx context.Context, networkID string) error {
	err := d.cli.NetworkRemove(ctx, networkID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return NewDockerError("RemoveNetwork", "network", networkID, "network not found", ErrNetworkNotFound)
		}
		if strings.Contains(err.Error(), "has active endpoints") {
			return NewDockerError("RemoveNetwork", "network", networkID, "network has active endpoints", ErrNetworkInUse)
		}
		return NewDockerError("RemoveNetwork", "network", networkID, err.Error(), err)
	}
	return nil
}

// ListNetworks returns the networks matching the given filters.
func (d *DockerClient) ListNetworks(ctx context.Context, opts ListOptions) ([]NetworkInfo, error) {
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{Filters: filterArgs(opts.Filters)})
	if err != nil {
		return nil, NewDockerError("ListNetworks", "network", "", err.Error(), err)
	}

	result := make([]NetworkInfo, 0, len(networks))
	for _, n := range networks {
		result = append(result, NetworkInfo{ID: n.ID, Name: n.Name, Driver: n.Driver, Labels: n.Labels})
	}
	return result, nil
}

// =============================================================================
// Volume Operations
// =============================================================================

// CreateVolume creates a new Docker volume. Creating an existing volume
// with the same driver is a no-op on the daemon side.
func (d *DockerClient) CreateVolume(ctx context.Context, spec VolumeSpec) (string, error) {
	driver := spec.Driver
	if driver == "" {
		driver = "local"
	}

	resp, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   spec.Name,
		Driver: driver,
		Labels: spec.Labels,
	})
	if err != nil {
		return "", NewDockerError("CreateVolume", "volume", spec.Name, err.Error(), err)
	}

	return resp.Name, nil
}

// InspectVolume returns the volume with the given name.
func (d *DockerClient) InspectVolume(ctx context.Context, name string) (*VolumeInfo, error) {
	resp, err := d.cli.VolumeInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, NewDockerError("InspectVolume", "volume", name, "volume not found", ErrVolumeNotFound)
		}
		return nil, NewDockerError("InspectVolume", "volume", name, err.Error(), err)
	}
	return &VolumeInfo{Name: resp.Name, Driver: resp.Driver, Mountpoint: resp.Mountpoint, Labels: resp.Labels}, nil
}

// RemoveVolume removes a Docker volume.
func (d *DockerClient) RemoveVolume(ctx context.Context, volumeName string, force bool) error {
	err := d.cli.VolumeRemove(ctx, volumeName, force)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return NewDockerError("RemoveVolume", "volume", volumeName, "volume not found", ErrVolumeNotFound)
		}
		if cerrdefs.IsConflict(err) || strings.Contains(err.Error(), "in use") {
			return NewDockerError("RemoveVolume", "volume", volumeName, "volume is in use", ErrVolumeInUse)
		}
		return NewDockerError("RemoveVolume", "volume", volumeName, err.Error(), err)
	}
	return nil
}

// ListVolumes returns the volumes matching the given filters.
func (d *DockerClient) ListVolumes(ctx context.Context, opts ListOptions) ([]VolumeInfo, error) {
	resp, err := d.cli.VolumeList(ctx, volume.ListOptions{Filters: filterArgs(opts.Filters)})
	if err != nil {
		return nil, NewDockerError("ListVolumes", "volume", "", err.Error(), err)
	}

	result := make([]VolumeInfo, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v == nil {
			continue
		}
		result = append(result, VolumeInfo{Name: v.Name, Driver: v.Driver, Mountpoint: v.Mountpoint, Labels: v.Labels})
	}
	return result, nil
}

// =============================================================================
// Image Operations
// =============================================================================

// PullImage pulls an image from the registry.
func (d *DockerClient) PullImage(ctx context.Context, imageName string, opts PullOptions) error {
	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{Platform: opts.Platform})
	if err != nil {
		errStr := err.Error()
		if cerrdefs.IsNotFound(err) ||
			strings.Contains(errStr, "manifest unknown") ||
			strings.Contains(errStr, "repository does not exist") ||
			strings.Contains(errStr, "pull access denied") {
			return NewDockerError("PullImage", "image", imageName, "image not found", ErrImageNotFound)
		}
		return NewDockerError("PullImage", "image", imageName, err.Error(), ErrImagePullFailed)
	}
	defer reader.Close()

	// The pull completes only once the progress stream is drained
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return NewDockerError("PullImage", "image", imageName, err.Error(), ErrImagePullFailed)
	}

	return nil
}

// ImageExists checks if an image exists locally.
func (d *DockerClient) ImageExists(ctx context.Context, imageName string) (bool, error) {
	_, err := d.cli.ImageInspect(ctx, imageName)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, NewDockerError("ImageExists", "image", imageName, err.Error(), err)
	}
	return true, nil
}

// BuildImage sends spec.Context to the daemon and builds it, returning the
// resulting image ID. Paths listed in .dockerignore are left out.
func (d *DockerClient) BuildImage(ctx context.Context, spec BuildSpec) (string, error) {
	ref := spec.Context
	if len(spec.Tags) > 0 {
		ref = spec.Tags[0]
	}

	excludes, err := readDockerignore(spec.Context)
	if err != nil {
		return "", NewDockerError("BuildImage", "image", ref, err.Error(), ErrImageBuildFailed)
	}

	buildContext, err := archive.TarWithOptions(spec.Context, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return "", NewDockerError("BuildImage", "image", ref, fmt.Sprintf("failed to archive build context: %v", err), ErrImageBuildFailed)
	}
	defer buildContext.Close()

	resp, err := d.cli.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        spec.Tags,
		Dockerfile:  spec.Dockerfile,
		Target:      spec.Target,
		Labels:      spec.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", NewDockerError("BuildImage", "image", ref, err.Error(), ErrImageBuildFailed)
	}
	defer resp.Body.Close()

	out := spec.Output
	if out == nil {
		out = io.Discard
	}

	var imageID string
	captureID := func(msg jsonmessage.JSONMessage) {
		var aux struct {
			ID string `json:"ID"`
		}
		if err := json.Unmarshal(*msg.Aux, &aux); err == nil && aux.ID != "" {
			imageID = aux.ID
		}
	}
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, captureID); err != nil {
		return "", NewDockerError("BuildImage", "image", ref, err.Error(), ErrImageBuildFailed)
	}

	if imageID == "" {
		imageID = ref
	}
	return imageID, nil
}

// =============================================================================
// Helpers
// =============================================================================

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, fmt.Sprintf("%s=%s", k, v))
	}
	return list
}

func portBindings(ports []PortBinding) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}

	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
		exposed[containerPort] = struct{}{}

		hostPort := ""
		if p.HostPort != 0 {
			hostPort = strconv.Itoa(p.HostPort)
		}
		bindings[containerPort] = append(bindings[containerPort], nat.PortBinding{
			HostIP:   p.HostIP,
			HostPort: hostPort,
		})
	}

	return exposed, bindings
}

func mountType(v VolumeMount) mount.Type {
	switch v.Type {
	case MountTypeBind:
		return mount.TypeBind
	case MountTypeTmpfs:
		return mount.TypeTmpfs
	case MountTypeVolume:
		return mount.TypeVolume
	}
	if strings.HasPrefix(v.Source, "/") || strings.HasPrefix(v.Source, ".") {
		return mount.TypeBind
	}
	return mount.TypeVolume
}

func filterArgs(m map[string]string) filters.Args {
	f := filters.NewArgs()
	for k, v := range m {
		f.Add(k, v)
	}
	return f
}

func parseStateTime(s string) *time.Time {
	if s == "" || strings.HasPrefix(s, "0001-01-01") {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func readDockerignore(contextDir string) ([]string, error) {
	f, err := os.Open(filepath.Join(contextDir, ".dockerignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	return ignorefile.ReadAll(f)
}
