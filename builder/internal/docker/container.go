package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Workspace mount point inside task containers.
const WorkspaceMount = "/workspace"

// TaskSpec describes one task container.
type TaskSpec struct {
	Name    string
	Image   string
	Script  string
	HostDir string
	Workdir string
	Env     []string
	Labels  map[string]string
}

// LineCallback receives one line of container output and its stream name.
type LineCallback func(stream, line string)

// RunTask runs spec.Script with sh in a fresh container that mounts HostDir at
// WorkspaceMount, streams its output and returns the exit code. The container
// is removed afterwards.
func (c *Client) RunTask(ctx context.Context, spec TaskSpec, onLine LineCallback) (int64, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return 0, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return 0, fmt.Errorf("image name cannot be empty")
	}
	workdir := spec.Workdir
	if workdir == "" {
		workdir = WorkspaceMount
	}
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        []string{"sh", "-c", spec.Script},
		Env:        spec.Env,
		WorkingDir: workdir,
		Labels:     spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.HostDir,
			Target: WorkspaceMount,
		}},
	}
	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return 0, fmt.Errorf("container create: %w", err)
	}
	defer func() {
		// The run context may already be cancelled.
		if err := c.RemoveContainer(context.Background(), created.ID); err != nil {
			_ = err
		}
	}()

	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return 0, fmt.Errorf("container start: %w", err)
	}

	logs, err := c.inner.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return 0, fmt.Errorf("container logs: %w", err)
	}
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		defer logs.Close()
		demux(logs, onLine)
	}()

	code, err := c.WaitForStop(ctx, created.ID)
	if err != nil {
		return 0, err
	}
	<-streamDone
	return code, nil
}

// demux splits the multiplexed log stream into stdout and stderr lines.
func demux(r io.Reader, onLine LineCallback) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	done := make(chan struct{}, 2)
	scan := func(stream string, src io.Reader) {
		scanner := bufio.NewScanner(src)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				onLine(stream, scanner.Text())
			}
		}
		_, _ = io.Copy(io.Discard, src)
		done <- struct{}{}
	}
	go scan("stdout", stdoutR)
	go scan("stderr", stderrR)
	_, err := stdcopy.StdCopy(stdoutW, stderrW, r)
	stdoutW.CloseWithError(err)
	stderrW.CloseWithError(err)
	<-done
	<-done
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// WaitForStop blocks until the container stops and returns the exit code.
func (c *Client) WaitForStop(ctx context.Context, containerID string) (int64, error) {
	if strings.TrimSpace(containerID) == "" {
		return 0, fmt.Errorf("container id cannot be empty")
	}
	statusCh, errCh := c.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if isNotFound(err) {
				return 0, nil
			}
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("wait for container stop: %w", err)
		case status := <-statusCh:
			if status.Error != nil && status.Error.Message != "" {
				return status.StatusCode, fmt.Errorf("wait for container stop: %s", status.Error.Message)
			}
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func isNotFound(err error) bool {
	return client.IsErrNotFound(err)
}
