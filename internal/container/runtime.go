package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Runtime abstracts the container engine. The Docker implementation shells
// out to the docker CLI; tests supply a fake.
type Runtime interface {
	// Run launches a detached container and returns its short id.
	Run(ctx context.Context, spec *LaunchSpec) (string, error)
	// Stop gracefully stops and removes a container by name. Missing
	// containers are not an error.
	Stop(ctx context.Context, name string) error
	// Alive reports whether the named container is currently running.
	Alive(ctx context.Context, name string) (bool, error)
	// Logs returns the last tail lines of combined stdout/stderr.
	Logs(ctx context.Context, name string, tail int) (string, error)
}

// DockerRuntime drives containers through the docker CLI.
type DockerRuntime struct{}

// NewDockerRuntime verifies the docker binary is present.
func NewDockerRuntime() (*DockerRuntime, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH — install Docker to manage model containers")
	}
	return &DockerRuntime{}, nil
}

func (d *DockerRuntime) Run(ctx context.Context, spec *LaunchSpec) (string, error) {
	args := []string{
		"run", "-d",
		"--name", spec.ContainerName,
		"-p", fmt.Sprintf("%d:%d", spec.HostPort, spec.ContainerPort),
		"--ipc", "host",
	}
	if spec.GPUs == nil {
		args = append(args, "--gpus", "all")
	} else if len(spec.GPUs) > 0 {
		args = append(args, "--gpus", `"device=`+joinInts(spec.GPUs)+`"`)
	}
	for _, m := range spec.Mounts {
		bind := m.Host + ":" + m.Container
		if m.ReadOnly {
			bind += ":ro"
		}
		args = append(args, "-v", bind)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	if len(spec.Entrypoint) > 0 {
		args = append(args, "--entrypoint", spec.Entrypoint[0])
	}
	args = append(args, spec.Image)
	if len(spec.Entrypoint) > 1 {
		args = append(args, spec.Entrypoint[1:]...)
	}
	args = append(args, spec.Args...)

	log.Info().
		Str("container", spec.ContainerName).
		Str("image", spec.Image).
		Int("port", spec.HostPort).
		Msg("Starting model container")

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker run failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}

	id := strings.TrimSpace(stdout.String())
	if len(id) > 12 {
		id = id[:12]
	}
	return id, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "docker", "stop", "-t", "10", name)
	if err := cmd.Run(); err != nil {
		log.Warn().Err(err).Str("container", name).Msg("Graceful stop failed, forcing removal")
	}
	rm := exec.CommandContext(ctx, "docker", "rm", "-f", name)
	_ = rm.Run()
	return nil
}

func (d *DockerRuntime) Alive(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", name)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		// Inspect fails for unknown containers, which means not running.
		return false, nil
	}
	return strings.TrimSpace(stdout.String()) == "true", nil
}

func (d *DockerRuntime) Logs(ctx context.Context, name string, tail int) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", "logs", "--tail", strconv.Itoa(tail), name)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("docker logs failed: %w", err)
	}
	return out.String(), nil
}
