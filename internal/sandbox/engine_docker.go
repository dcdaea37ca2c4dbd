package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// dockerRuntime adapts *client.Client to containerRuntime.
type dockerRuntime struct {
	cli *client.Client
}

// dialDocker opens an Engine API client. An empty host uses DOCKER_HOST and
// the related environment variables.
func dialDocker(host string) (containerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &dockerRuntime{cli: cli}, nil
}

func (r *dockerRuntime) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

func (r *dockerRuntime) Create(ctx context.Context, spec containerSpec) (string, error) {
	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          spec.Cmd,
			Env:          spec.Env,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			AutoRemove:  true,
			NetworkMode: container.NetworkMode(spec.NetworkMode),
			Resources: container.Resources{
				Memory:     spec.MemoryBytes,
				MemorySwap: spec.MemoryBytes,
			},
		},
		nil, nil, spec.Name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", errors.Join(errImageNotFound, err)
		}
		return "", err
	}
	return resp.ID, nil
}

func (r *dockerRuntime) Pull(ctx context.Context, ref string) error {
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull only completes once the progress stream is consumed.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (r *dockerRuntime) Attach(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, err
	}
	return &hijackedStream{resp: resp}, nil
}

func (r *dockerRuntime) Wait(ctx context.Context, id string) <-chan exitStatus {
	out := make(chan exitStatus, 1)
	respC, errC := r.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)
	go func() {
		select {
		case resp := <-respC:
			st := exitStatus{code: resp.StatusCode}
			if resp.Error != nil && resp.Error.Message != "" {
				st.err = errors.New(resp.Error.Message)
			}
			out <- st
		case err := <-errC:
			out <- exitStatus{code: -1, err: err}
		}
	}()
	return out
}

func (r *dockerRuntime) Start(ctx context.Context, id string) error {
	return r.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (r *dockerRuntime) Kill(ctx context.Context, id string) error {
	return r.cli.ContainerKill(ctx, id, "SIGKILL")
}

func (r *dockerRuntime) Remove(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

func (r *dockerRuntime) Close() error {
	return r.cli.Close()
}

// hijackedStream exposes an attach response as an io.ReadCloser.
type hijackedStream struct {
	resp types.HijackedResponse
}

func (h *hijackedStream) Read(p []byte) (int, error) { return h.resp.Reader.Read(p) }

func (h *hijackedStream) Close() error {
	h.resp.Close()
	return nil
}
