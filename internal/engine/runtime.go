package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// Runtime starts and stops the engine process and reports where to reach it
type Runtime interface {
	Launch(ctx context.Context) (controlURL string, err error)
	Terminate(ctx context.Context) error
}

// DockerRuntime runs the engine as a managed container. It keeps at most one
// container alive; a relaunch replaces the previous instance.
type DockerRuntime struct {
	dockerClient *client.Client
	engineImage  string
	hostPort     int
	logger       *zap.Logger

	mu          sync.Mutex
	containerID string
}

// NewDockerRuntime creates a runtime backed by the local docker daemon
func NewDockerRuntime(engineImage string, hostPort int, logger *zap.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		dockerClient: cli,
		engineImage:  engineImage,
		hostPort:     hostPort,
		logger:       logger,
	}, nil
}

// Launch starts a fresh engine container and waits until its DevTools
// endpoint answers
func (r *DockerRuntime) Launch(ctx context.Context) (string, error) {
	if err := r.ensureImage(ctx); err != nil {
		return "", err
	}

	containerConfig := &container.Config{
		Image: r.engineImage,
		Labels: map[string]string{
			"skybridge": "true",
			"role":      "engine",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			"3000/tcp": struct{}{},
		},
	}

	hostPort := "0"
	if r.hostPort > 0 {
		hostPort = strconv.Itoa(r.hostPort)
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"3000/tcp": []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: hostPort},
			},
		},
	}

	name := fmt.Sprintf("skybridge-engine-%d", time.Now().UnixNano())
	resp, err := r.dockerClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create engine container: %w", err)
	}

	if err := r.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.remove(context.Background(), resp.ID)
		return "", fmt.Errorf("failed to start engine container: %w", err)
	}

	inspect, err := r.dockerClient.ContainerInspect(ctx, resp.ID)
	if err != nil {
		r.remove(context.Background(), resp.ID)
		return "", fmt.Errorf("failed to inspect engine container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports["3000/tcp"]
	if len(bindings) == 0 {
		r.remove(context.Background(), resp.ID)
		return "", fmt.Errorf("no port binding found for engine container")
	}
	port := bindings[0].HostPort

	if err := r.waitForEngineReady(ctx, port); err != nil {
		r.remove(context.Background(), resp.ID)
		return "", fmt.Errorf("engine failed to become ready: %w", err)
	}

	r.mu.Lock()
	r.containerID = resp.ID
	r.mu.Unlock()

	r.logger.Info("engine container started",
		zap.String("container_id", resp.ID[:12]),
		zap.String("port", port))
	return fmt.Sprintf("http://localhost:%s", port), nil
}

// waitForEngineReady polls the DevTools version endpoint until it responds
func (r *DockerRuntime) waitForEngineReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)
	for i := 0; i < 20; i++ {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				// Give chrome a beat to finish its own boot
				time.Sleep(500 * time.Millisecond)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("engine not ready after 10 seconds")
}

// Terminate stops and removes the current engine container, if any
func (r *DockerRuntime) Terminate(ctx context.Context) error {
	r.mu.Lock()
	id := r.containerID
	r.containerID = ""
	r.mu.Unlock()

	if id == "" {
		return nil
	}
	return r.remove(ctx, id)
}

func (r *DockerRuntime) remove(ctx context.Context, id string) error {
	timeout := 10
	if err := r.dockerClient.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		r.logger.Warn("failed to stop engine container", zap.String("container_id", id[:12]), zap.Error(err))
	}
	if err := r.dockerClient.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove engine container: %w", err)
	}
	r.logger.Info("engine container removed", zap.String("container_id", id[:12]))
	return nil
}

// ensureImage pulls the engine image if not present locally
func (r *DockerRuntime) ensureImage(ctx context.Context) error {
	images, err := r.dockerClient.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == r.engineImage {
				return nil
			}
		}
	}

	r.logger.Info("pulling engine image", zap.String("image", r.engineImage))
	reader, err := r.dockerClient.ImagePull(ctx, r.engineImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull engine image: %w", err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	r.logger.Info("engine image ready", zap.String("image", r.engineImage))
	return nil
}

// Close releases the docker client
func (r *DockerRuntime) Close() error {
	return r.dockerClient.Close()
}

// AttachRuntime points the supervisor at an engine that is managed
// externally, such as a compose service or a remote browserless deployment.
type AttachRuntime struct {
	controlURL string
}

// NewAttachRuntime wraps an external engine control URL
func NewAttachRuntime(controlURL string) *AttachRuntime {
	return &AttachRuntime{controlURL: controlURL}
}

func (r *AttachRuntime) Launch(ctx context.Context) (string, error) {
	return r.controlURL, nil
}

func (r *AttachRuntime) Terminate(ctx context.Context) error {
	return nil
}
