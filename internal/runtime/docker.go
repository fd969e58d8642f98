package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Docker resource names for the shared infrastructure.
const (
	dockerNetworkName   = "agentmux"
	natsContainerName   = "agentmux-nats"
	workspaceMountPoint = "/workspace"
	configMountPoint    = "/etc/agentmux"
)

// DockerRuntime implements AgentRuntime using the Docker Engine API.
type DockerRuntime struct {
	client     *client.Client
	agentImage string
}

// NewDockerRuntime creates a DockerRuntime using the default Docker client
// from the environment. agentImage overrides the default image when set.
func NewDockerRuntime(agentImage string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if agentImage == "" {
		agentImage = DefaultAgentImage
	}
	return &DockerRuntime{client: cli, agentImage: agentImage}, nil
}

// registryAuth returns the base64-encoded RegistryAuth string for pulling
// an image, read from the Docker config.json ($DOCKER_CONFIG or
// $HOME/.docker). Empty string falls back to an unauthenticated pull.
func registryAuth(imageName string) string {
	configDir := os.Getenv("DOCKER_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".docker")
	}
	data, err := os.ReadFile(filepath.Join(configDir, "config.json"))
	if err != nil {
		return ""
	}

	var dockerConfig struct {
		Auths map[string]struct {
			Auth string `json:"auth"`
		} `json:"auths"`
	}
	if err := json.Unmarshal(data, &dockerConfig); err != nil {
		return ""
	}

	registry := "docker.io"
	if parts := strings.SplitN(imageName, "/", 2); len(parts) == 2 && strings.ContainsAny(parts[0], ".:") {
		registry = parts[0]
	}
	entry, ok := dockerConfig.Auths[registry]
	if !ok || entry.Auth == "" {
		return ""
	}

	// config.json stores base64(username:password); the API wants
	// base64(JSON{"username","password"}).
	decoded, err := base64.StdEncoding.DecodeString(entry.Auth)
	if err != nil {
		return ""
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return ""
	}
	authJSON, _ := json.Marshal(map[string]string{
		"username": parts[0],
		"password": parts[1],
	})
	return base64.URLEncoding.EncodeToString(authJSON)
}

// pullImageIfNeeded implements an IfNotPresent pull policy.
func (d *DockerRuntime) pullImageIfNeeded(ctx context.Context, img string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		slog.Info("image already present locally, skipping pull", "image", img)
		return nil
	}

	slog.Info("pulling image", "image", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{
		RegistryAuth: registryAuth(img),
	})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", img, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func isAlreadyExistsErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "already in use")
}

// SpawnAgent creates and starts one agent container. The container gets a
// TTY and an open stdin so a protocol bridge can attach later.
func (d *DockerRuntime) SpawnAgent(ctx context.Context, config SpawnConfig) (*AgentInstance, error) {
	if err := validateAgentID(config.AgentID); err != nil {
		return nil, err
	}
	img := config.Image
	if img == "" {
		img = d.agentImage
	}

	if config.Workspace != "" {
		info, err := os.Stat(config.Workspace)
		if err != nil {
			return nil, fmt.Errorf("workspace path %q does not exist: %w", config.Workspace, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("workspace path %q is not a directory", config.Workspace)
		}
	}

	containerName := AgentContainerName(config.AgentID)
	slog.Info("spawning agent container", "agent", config.AgentID, "image", img)

	// Drop any stale container left by a previous failed spawn.
	_ = d.client.ContainerRemove(ctx, containerName, container.RemoveOptions{Force: true})

	if err := d.pullImageIfNeeded(ctx, img); err != nil {
		return nil, fmt.Errorf("agent image: %w", err)
	}

	env := []string{
		"AGENT_ID=" + config.AgentID,
		"AGENT_TASK=" + config.Task,
	}
	if config.Workspace != "" {
		env = append(env, "WORKSPACE_PATH="+workspaceMountPoint)
	}
	for k, v := range config.Env {
		if v != "" {
			env = append(env, k+"="+v)
		}
	}

	binds := []string{}
	if config.Workspace != "" {
		binds = append(binds, config.Workspace+":"+workspaceMountPoint)
	}
	if config.ConfigDir != "" {
		binds = append(binds, config.ConfigDir+":"+configMountPoint+":ro")
	}

	resources := container.Resources{}
	if config.Resources.Memory != "" {
		resources.Memory = parseMemoryLimit(config.Resources.Memory)
	}
	if config.Resources.CPU != "" {
		resources.NanoCPUs = parseCPULimit(config.Resources.CPU)
	}

	resp, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image:     img,
			Env:       env,
			Tty:       true,
			OpenStdin: true,
			Labels: map[string]string{
				LabelAgent: config.AgentID,
				LabelTask:  config.Task,
				LabelType:  config.AgentType,
			},
		},
		&container.HostConfig{
			Binds:     binds,
			Resources: resources,
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				dockerNetworkName: {},
			},
		},
		nil,
		containerName,
	)
	if err != nil {
		return nil, fmt.Errorf("creating agent container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting agent container: %w", err)
	}

	slog.Info("agent container started", "id", resp.ID, "agent", config.AgentID)
	return &AgentInstance{
		ID:          config.AgentID,
		Task:        config.Task,
		ContainerID: resp.ID,
	}, nil
}

// StopContainer stops a running agent container.
func (d *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	timeout := 30
	if err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stopping container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes an agent container.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

// ListAgents lists running containers whose names follow the agent naming
// convention, deriving each agent id from the name.
func (d *DockerRuntime) ListAgents(ctx context.Context) ([]AgentContainer, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", LabelAgent)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	var out []AgentContainer
	for _, c := range containers {
		if len(c.Names) == 0 {
			continue
		}
		id, ok := ParseAgentContainerName(c.Names[0])
		if !ok {
			continue
		}
		out = append(out, AgentContainer{
			AgentID:     id,
			ContainerID: c.ID,
			Name:        strings.TrimPrefix(c.Names[0], "/"),
			Task:        c.Labels[LabelTask],
			AgentType:   c.Labels[LabelType],
			StartedAt:   time.Unix(c.Created, 0).UTC(),
		})
	}
	return out, nil
}

// Logs returns the container's log stream, bounded by Tail and kept open
// when Follow is set.
func (d *DockerRuntime) Logs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error) {
	tail := "all"
	if opts.Tail > 0 {
		tail = strconv.Itoa(opts.Tail)
	}
	reader, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
		Follow:     opts.Follow,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs %s: %w", containerID, err)
	}
	return reader, nil
}

// EnsureBusInfra creates the shared network and the NATS container used by
// the notifier. Idempotent.
func (d *DockerRuntime) EnsureBusInfra(ctx context.Context) error {
	_, err := d.client.NetworkCreate(ctx, dockerNetworkName, network.CreateOptions{})
	if err != nil && !isAlreadyExistsErr(err) {
		return fmt.Errorf("creating network %s: %w", dockerNetworkName, err)
	}

	// Reuse a healthy NATS container; recreate a stale or port-less one.
	info, err := d.client.ContainerInspect(ctx, natsContainerName)
	if err == nil {
		bindings := info.NetworkSettings.Ports["4222/tcp"]
		if info.State.Running && len(bindings) > 0 && bindings[0].HostPort != "" {
			slog.Info("nats container already running", "name", natsContainerName)
			return nil
		}
		slog.Info("removing stale nats container", "name", natsContainerName)
		_ = d.client.ContainerRemove(ctx, natsContainerName, container.RemoveOptions{Force: true})
	}

	if err := d.pullImageIfNeeded(ctx, NATSImage); err != nil {
		return fmt.Errorf("nats image: %w", err)
	}

	natsCmd := []string{"--jetstream"}
	if token := os.Getenv("NATS_AUTH_TOKEN"); token != "" {
		natsCmd = append(natsCmd, "--auth", token)
	} else {
		slog.Warn("NATS_AUTH_TOKEN not set, NATS running without authentication")
	}

	resp, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image: NATSImage,
			Cmd:   natsCmd,
			ExposedPorts: nat.PortSet{
				"4222/tcp": struct{}{},
			},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				"4222/tcp": []nat.PortBinding{
					{HostIP: "127.0.0.1", HostPort: "0"}, // random available port
				},
			},
			RestartPolicy: container.RestartPolicy{
				Name:              "on-failure",
				MaximumRetryCount: 5,
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				dockerNetworkName: {},
			},
		},
		nil,
		natsContainerName,
	)
	if err != nil {
		return fmt.Errorf("creating nats container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting nats container: %w", err)
	}

	slog.Info("nats container started", "id", resp.ID, "name", natsContainerName)
	return nil
}

// NATSConnectURL resolves a host-reachable NATS URL by inspecting the
// container's mapped port. Inside a container it uses host.docker.internal.
func (d *DockerRuntime) NATSConnectURL(ctx context.Context) (string, error) {
	info, err := d.client.ContainerInspect(ctx, natsContainerName)
	if err != nil {
		return "", fmt.Errorf("inspecting nats container: %w", err)
	}
	bindings, ok := info.NetworkSettings.Ports["4222/tcp"]
	if !ok || len(bindings) == 0 {
		return "", fmt.Errorf("nats container has no port binding for 4222/tcp")
	}
	return "nats://" + hostAddress() + ":" + bindings[0].HostPort, nil
}

// hostAddress returns the address to reach Docker host-mapped ports.
// /.dockerenv exists inside Docker containers.
func hostAddress() string {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "host.docker.internal"
	}
	return "127.0.0.1"
}

// TeardownInfra removes all agent containers, the NATS container, and the
// shared network.
func (d *DockerRuntime) TeardownInfra(ctx context.Context) error {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelAgent)),
	})
	if err != nil {
		return fmt.Errorf("listing agent containers: %w", err)
	}

	timeout := 10
	for _, c := range containers {
		slog.Info("removing container", "id", c.ID[:12], "names", c.Names)
		_ = d.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})
		_ = d.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}

	_ = d.client.ContainerStop(ctx, natsContainerName, container.StopOptions{Timeout: &timeout})
	_ = d.client.ContainerRemove(ctx, natsContainerName, container.RemoveOptions{Force: true})

	if err := d.client.NetworkRemove(ctx, dockerNetworkName); err != nil {
		slog.Warn("failed to remove network", "network", dockerNetworkName, "error", err)
	}
	return nil
}

// parseMemoryLimit converts a human-readable memory string ("512m", "1g")
// to bytes. Returns 0 if parsing fails.
func parseMemoryLimit(mem string) int64 {
	if len(mem) == 0 {
		return 0
	}
	var multiplier int64
	switch mem[len(mem)-1] {
	case 'g', 'G':
		multiplier = 1024 * 1024 * 1024
	case 'm', 'M':
		multiplier = 1024 * 1024
	case 'k', 'K':
		multiplier = 1024
	default:
		return 0
	}
	numStr := mem[:len(mem)-1]
	if numStr == "" {
		return 0
	}
	var num int64
	for _, c := range numStr {
		if c < '0' || c > '9' {
			return 0
		}
		num = num*10 + int64(c-'0')
	}
	return num * multiplier
}

// parseCPULimit converts a CPU string ("0.5", "2") to nanoCPUs.
// Returns 0 if parsing fails.
func parseCPULimit(cpu string) int64 {
	var whole, frac int64
	var inFrac bool
	var fracDiv int64 = 1

	for _, c := range cpu {
		if c == '.' {
			inFrac = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		if inFrac {
			frac = frac*10 + int64(c-'0')
			fracDiv *= 10
		} else {
			whole = whole*10 + int64(c-'0')
		}
	}

	nanos := whole * 1_000_000_000
	if fracDiv > 0 {
		nanos += frac * 1_000_000_000 / fracDiv
	}
	return nanos
}
