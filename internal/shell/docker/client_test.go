package docker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func skipIfNoDocker(t *testing.T) Client {
	t.Helper()
	ctx := context.Background()
	cli, err := NewDockerClient(ctx, "")
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	if err := cli.Ping(ctx); err != nil {
		cli.Close()
		t.Skip("Docker not reachable:", err)
	}
	if ok, _ := cli.ImageExists(ctx, testImage); !ok {
		if err := cli.PullImage(ctx, testImage, PullOptions{}); err != nil {
			cli.Close()
			t.Skip("test image not available:", err)
		}
	}
	return cli
}

func cleanupContainer(t *testing.T, cli Client, containerID string) {
	t.Helper()
	ctx := context.Background()
	timeout := time.Second
	_ = cli.StopContainer(ctx, containerID, &timeout)
	_ = cli.RemoveContainer(ctx, containerID, RemoveOptions{Force: true, RemoveVolumes: true})
}

func cleanupNetwork(t *testing.T, cli Client, networkID string) {
	t.Helper()
	_ = cli.RemoveNetwork(context.Background(), networkID)
}

func cleanupVolume(t *testing.T, cli Client, volumeName string) {
	t.Helper()
	_ = cli.RemoveVolume(context.Background(), volumeName, true)
}

// Test resource name prefix to identify test containers
const (
	testPrefix = "dockyard-test-"
	testImage  = "alpine:latest"
)

// =============================================================================
// Helper Tests
// =============================================================================

func TestMountType(t *testing.T) {
	tests := []struct {
		mount VolumeMount
		want  mount.Type
	}{
		{VolumeMount{Source: "pgdata"}, mount.TypeVolume},
		{VolumeMount{Source: "/etc/hosts"}, mount.TypeBind},
		{VolumeMount{Source: "./conf"}, mount.TypeBind},
		{VolumeMount{Type: MountTypeTmpfs}, mount.TypeTmpfs},
		{VolumeMount{Type: MountTypeVolume, Source: "/weird"}, mount.TypeVolume},
		{VolumeMount{Type: MountTypeBind, Source: "relative"}, mount.TypeBind},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mountType(tt.mount), "%+v", tt.mount)
	}
}

func TestPortBindings(t *testing.T) {
	exposed, bindings := portBindings([]PortBinding{
		{ContainerPort: 80, HostPort: 8080},
		{ContainerPort: 53, HostPort: 5353, Protocol: "udp", HostIP: "127.0.0.1"},
		{ContainerPort: 9000},
	})

	assert.Len(t, exposed, 3)
	assert.Equal(t, []nat.PortBinding{{HostPort: "8080"}}, bindings["80/tcp"])
	assert.Equal(t, []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "5353"}}, bindings["53/udp"])
	assert.Equal(t, []nat.PortBinding{{HostPort: ""}}, bindings["9000/tcp"])
}

func TestEnvList(t *testing.T) {
	assert.Nil(t, envList(nil))
	assert.ElementsMatch(t, []string{"A=1", "B=x=y"}, envList(map[string]string{"A": "1", "B": "x=y"}))
}

func TestParseStateTime(t *testing.T) {
	assert.Nil(t, parseStateTime(""))
	assert.Nil(t, parseStateTime("0001-01-01T00:00:00Z"))
	got := parseStateTime("2024-05-01T10:00:00.5Z")
	require.NotNil(t, got)
	assert.Equal(t, 2024, got.Year())
}

func TestReadDockerignore(t *testing.T) {
	dir := t.TempDir()

	patterns, err := readDockerignore(dir)
	require.NoError(t, err)
	assert.Nil(t, patterns)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".dockerignore"), []byte("# comment\nnode_modules\n\n*.log\n"), 0o644))
	patterns, err = readDockerignore(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"node_modules", "*.log"}, patterns)
}

// =============================================================================
// Error Tests
// =============================================================================

func TestDockerError_Error(t *testing.T) {
	err := NewDockerError("CreateContainer", "container", "abc123", "failed to create", ErrContainerAlreadyExists)
	assert.Equal(t, "CreateContainer container abc123: failed to create", err.Error())

	err = NewDockerError("ListContainers", "container", "", "connection failed", ErrConnectionFailed)
	assert.Equal(t, "ListContainers container: connection failed", err.Error())

	err = NewDockerError("Ping", "", "", "connection refused", nil)
	assert.Equal(t, "Ping: connection refused", err.Error())
}

func TestDockerError_Unwrap(t *testing.T) {
	err := NewDockerError("CreateContainer", "container", "abc123", "already exists", ErrContainerAlreadyExists)
	assert.ErrorIs(t, err, ErrContainerAlreadyExists)
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestPing_Success(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	assert.NoError(t, cli.Ping(context.Background()))
}

// =============================================================================
// Container Tests
// =============================================================================

func TestCreateContainer_DuplicateName(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	spec := ContainerSpec{Name: testPrefix + "duplicate", Image: testImage}

	containerID, err := cli.CreateContainer(ctx, spec)
	require.NoError(t, err)
	defer cleanupContainer(t, cli, containerID)

	_, err = cli.CreateContainer(ctx, spec)
	assert.ErrorIs(t, err, ErrContainerAlreadyExists)
}

func TestCreateContainer_LimitsAndLabels(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	containerID, err := cli.CreateContainer(ctx, ContainerSpec{
		Name:   testPrefix + "limits",
		Image:  testImage,
		Labels: map[string]string{"io.dockyard.project": "test"},
		Resources: ResourceLimits{
			CPUShares:         512,
			CPULimit:          0.5,
			MemoryLimit:       64 << 20,
			MemoryReservation: 32 << 20,
		},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, containerID)

	info, err := cli.InspectContainer(ctx, containerID)
	require.NoError(t, err)
	assert.Equal(t, "test", info.Labels["io.dockyard.project"])
	assert.Equal(t, ContainerStatusCreated, info.Status)
}

func TestStartContainer_NotFound(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	err := cli.StartContainer(context.Background(), "nonexistent-container-id")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestWaitContainer_ReportsExitCode(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	containerID, err := cli.CreateContainer(ctx, ContainerSpec{
		Name:    testPrefix + "wait",
		Image:   testImage,
		Command: []string{"sh", "-c", "exit 3"},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, containerID)

	exited := cli.WaitContainer(ctx, containerID)
	require.NoError(t, cli.StartContainer(ctx, containerID))

	select {
	case status := <-exited:
		require.NoError(t, status.Err)
		assert.Equal(t, int64(3), status.Code)
	case <-time.After(30 * time.Second):
		t.Fatal("container did not exit")
	}
}

func TestExecCommand(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	containerID, err := cli.CreateContainer(ctx, ContainerSpec{
		Name:    testPrefix + "exec",
		Image:   testImage,
		Command: []string{"sleep", "30"},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, containerID)
	require.NoError(t, cli.StartContainer(ctx, containerID))

	res, err := cli.ExecCommand(ctx, containerID, []string{"sh", "-c", "echo ready; exit 2"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "ready", strings.TrimSpace(res.Output))
}

func TestKillContainer(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	containerID, err := cli.CreateContainer(ctx, ContainerSpec{
		Name:    testPrefix + "kill",
		Image:   testImage,
		Command: []string{"sleep", "300"},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, containerID)
	require.NoError(t, cli.StartContainer(ctx, containerID))

	require.NoError(t, cli.KillContainer(ctx, containerID, ""))
	status := <-cli.WaitContainer(ctx, containerID)
	assert.Equal(t, int64(137), status.Code)
}

func TestContainerLogs(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	containerID, err := cli.CreateContainer(ctx, ContainerSpec{
		Name:    testPrefix + "logs",
		Image:   testImage,
		Command: []string{"echo", "hello dockyard"},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, containerID)

	exited := cli.WaitContainer(ctx, containerID)
	require.NoError(t, cli.StartContainer(ctx, containerID))
	<-exited

	logs, err := cli.ContainerLogs(ctx, containerID, LogOptions{Tail: "all"})
	require.NoError(t, err)
	defer logs.Close()

	data, err := io.ReadAll(logs)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello dockyard")
}

// =============================================================================
// Network and Volume Tests
// =============================================================================

func TestNetwork_CreateInspectRemove(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	name := testPrefix + "net"
	networkID, err := cli.CreateNetwork(ctx, NetworkSpec{Name: name, Labels: map[string]string{"io.dockyard.project": "test"}})
	require.NoError(t, err)
	defer cleanupNetwork(t, cli, networkID)

	info, err := cli.InspectNetwork(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "bridge", info.Driver)

	listed, err := cli.ListNetworks(ctx, ListOptions{Filters: map[string]string{"label": "io.dockyard.project=test"}})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, name, listed[0].Name)

	require.NoError(t, cli.RemoveNetwork(ctx, networkID))
	_, err = cli.InspectNetwork(ctx, name)
	assert.ErrorIs(t, err, ErrNetworkNotFound)
}

func TestVolume_CreateInspectRemove(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	name := testPrefix + "vol"
	_, err := cli.CreateVolume(ctx, VolumeSpec{Name: name})
	require.NoError(t, err)
	defer cleanupVolume(t, cli, name)

	info, err := cli.InspectVolume(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "local", info.Driver)

	require.NoError(t, cli.RemoveVolume(ctx, name, false))
	err = cli.RemoveVolume(ctx, name, false)
	assert.ErrorIs(t, err, ErrVolumeNotFound)
}

// =============================================================================
// Image Tests
// =============================================================================

func TestImageExists_False(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	exists, err := cli.ImageExists(context.Background(), "nonexistent-image-12345:latest")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBuildImage(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	dir := t.TempDir()
	dockerfile := "FROM " + testImage + " AS base\nRUN echo base > /stage\nFROM base AS final\nRUN echo final > /stage\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0o644))

	tag := testPrefix + "build:latest"
	imageID, err := cli.BuildImage(ctx, BuildSpec{Context: dir, Dockerfile: "Dockerfile", Target: "base", Tags: []string{tag}})
	require.NoError(t, err)
	assert.NotEmpty(t, imageID)

	exists, err := cli.ImageExists(ctx, tag)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBuildImage_FailingStep(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM "+testImage+"\nRUN exit 1\n"), 0o644))

	_, err := cli.BuildImage(context.Background(), BuildSpec{Context: dir, Tags: []string{testPrefix + "broken:latest"}})
	assert.ErrorIs(t, err, ErrImageBuildFailed)
}
