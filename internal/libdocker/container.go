package libdocker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/firmsim/xsimtest/internal/libsim"
	docker "github.com/fsouza/go-dockerclient"
	"gopkg.in/inconshreveable/log15.v2"
)

// Container labels set by the backend.
const (
	LabelInstance = "xsimtest.instance"
	LabelResource = "xsimtest.resource"
	LabelKind     = "xsimtest.kind"
	LabelCreated  = "xsimtest.created"
)

const defaultWorkdir = "/xsimtest"

// ContainerBackend implements libsim.Backend with docker. Each resource gets
// its own container, created on first use and kept idle between runs.
type ContainerBackend struct {
	client *docker.Client
	config *Config
	logger log15.Logger

	mu         sync.Mutex
	containers map[string]string // resource name -> container ID
}

var _ = libsim.Backend(&ContainerBackend{})

func NewContainerBackend(c *docker.Client, cfg *Config) *ContainerBackend {
	b := &ContainerBackend{
		client:     c,
		config:     cfg,
		logger:     cfg.Logger,
		containers: make(map[string]string),
	}
	if b.logger == nil {
		b.logger = log15.Root()
	}
	if b.config.Workdir == "" {
		b.config.Workdir = defaultWorkdir
	}
	return b
}

// RunProgram copies the binary into the resource's container and runs the
// simulator there. When ctx ends before the simulator exits, the container
// is removed so that no simulator process survives.
func (b *ContainerBackend) RunProgram(ctx context.Context, res *libsim.Resource, opt libsim.ExecOptions) (*libsim.ExecInfo, error) {
	if res.Image == "" {
		return nil, fmt.Errorf("%w: resource %s has no image", libsim.ErrResourceBroken, res.Name)
	}
	id, err := b.container(ctx, res)
	if err != nil {
		return nil, err
	}
	logger := b.logger.New("resource", res.Name, "container", id[:8])

	dir := path.Join(b.config.Workdir, res.Name)
	archive, err := packBinary(opt.Binary, dir)
	if err != nil {
		return nil, err
	}
	err = b.client.UploadToContainer(id, docker.UploadToContainerOptions{
		Context:     ctx,
		InputStream: archive,
		Path:        "/",
	})
	if err != nil {
		return nil, fmt.Errorf("can't upload %s: %v", opt.Binary, err)
	}

	cmd := opt.CommandLine(path.Join(dir, filepath.Base(opt.Binary)))
	exec, err := b.client.CreateExec(docker.CreateExecOptions{
		Context:      ctx,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Cmd:          cmd,
		Env:          envList(opt.Env),
		WorkingDir:   dir,
		Container:    id,
	})
	if err != nil {
		return nil, fmt.Errorf("can't create exec in %s: %v", id[:8], err)
	}
	logger.Debug("running simulator", "cmd", cmd)

	// Removing the container kills the simulator and ends the output stream.
	done := make(chan struct{})
	killed := make(chan bool, 1)
	go func() {
		select {
		case <-ctx.Done():
			logger.Info("simulator run cancelled, removing container")
			b.reset(res)
			killed <- true
		case <-done:
			killed <- false
		}
	}()

	// Both streams go to the same buffer. They are demultiplexed by a single
	// goroutine, so writes don't interleave within a frame.
	output := new(bytes.Buffer)
	err = b.client.StartExec(exec.ID, docker.StartExecOptions{
		Context:      ctx,
		Detach:       false,
		OutputStream: output,
		ErrorStream:  output,
	})
	close(done)
	if <-killed || (err != nil && ctx.Err() != nil) {
		b.reset(res)
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("can't run simulator in %s: %v", id[:8], err)
	}
	insp, err := b.client.InspectExec(exec.ID)
	if err != nil {
		return nil, fmt.Errorf("can't check execution result in %s: %v", id[:8], err)
	}
	if insp.Running {
		b.reset(res)
		return nil, fmt.Errorf("simulator in %s still running after output closed", id[:8])
	}
	return &libsim.ExecInfo{Output: output.String(), ExitCode: insp.ExitCode}, nil
}

// Close removes all containers created by the backend.
func (b *ContainerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.containers))
	for name := range b.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	var firstErr error
	for _, name := range names {
		if err := b.deleteContainer(b.containers[name]); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.containers, name)
	}
	return firstErr
}

// container returns the container of res, creating and starting it if needed.
// The pool guarantees that only one run uses res at a time, but runs on
// different resources may call this concurrently.
func (b *ContainerBackend) container(ctx context.Context, res *libsim.Resource) (string, error) {
	b.mu.Lock()
	id, ok := b.containers[res.Name]
	b.mu.Unlock()
	if ok {
		return id, nil
	}

	if err := b.ensureImage(ctx, res.Image); err != nil {
		return "", err
	}
	c, err := b.client.CreateContainer(docker.CreateContainerOptions{
		Context: ctx,
		Name:    ContainerName(b.config.InstanceID, res.Name),
		Config: &docker.Config{
			Image:      res.Image,
			Entrypoint: []string{"sleep"},
			Cmd:        []string{"infinity"},
			Labels: map[string]string{
				LabelInstance: b.config.InstanceID,
				LabelResource: res.Name,
				LabelKind:     res.Kind,
				LabelCreated:  time.Now().Format(time.RFC3339),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("can't create container for %s: %v", res.Name, err)
	}
	logger := b.logger.New("image", res.Image, "container", c.ID[:8])
	if err := b.client.StartContainerWithContext(c.ID, nil, ctx); err != nil {
		logger.Error("container did not start", "err", err)
		b.deleteContainer(c.ID)
		return "", fmt.Errorf("container did not start: %v", err)
	}
	logger.Debug("container started", "resource", res.Name)

	b.mu.Lock()
	b.containers[res.Name] = c.ID
	b.mu.Unlock()
	return c.ID, nil
}

// ensureImage pulls the image if it is missing or pulling is forced. An image
// that can't be pulled makes the resource unusable.
func (b *ContainerBackend) ensureImage(ctx context.Context, image string) error {
	if !b.config.PullEnabled {
		_, err := b.client.InspectImage(image)
		if err == nil {
			return nil
		}
		if err != docker.ErrNoSuchImage {
			return fmt.Errorf("can't inspect image %s: %v", image, err)
		}
	}
	repo, tag := docker.ParseRepositoryTag(image)
	if tag == "" {
		tag = "latest"
	}
	b.logger.Info("pulling simulator image", "image", image)
	err := b.client.PullImage(docker.PullImageOptions{
		Context:    ctx,
		Repository: repo,
		Tag:        tag,
	}, docker.AuthConfiguration{})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: can't pull %s: %v", libsim.ErrResourceBroken, image, err)
	}
	return nil
}

// reset removes the container of res. The next run creates a fresh one.
func (b *ContainerBackend) reset(res *libsim.Resource) {
	b.mu.Lock()
	id, ok := b.containers[res.Name]
	delete(b.containers, res.Name)
	b.mu.Unlock()
	if ok {
		b.deleteContainer(id)
	}
}

func (b *ContainerBackend) deleteContainer(containerID string) error {
	b.logger.Debug("removing container", "container", containerID[:8])
	err := b.client.RemoveContainer(docker.RemoveContainerOptions{ID: containerID, Force: true})
	if err != nil {
		b.logger.Error("can't remove container", "container", containerID[:8], "err", err)
	}
	return err
}

// ContainerName returns the docker container name used for a resource.
// Docker names must match [a-zA-Z0-9][a-zA-Z0-9_.-]*.
func ContainerName(instanceID, resource string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
				return r
			}
			return '-'
		}, s)
	}
	name := "xsimtest-" + clean(resource)
	if instanceID != "" {
		name += "-" + clean(instanceID)
	}
	return name
}

// packBinary creates a tar archive that places the file at binary into dir.
// Entry names are relative to the container root.
func packBinary(binary, dir string) (*bytes.Buffer, error) {
	data, err := os.ReadFile(binary)
	if err != nil {
		return nil, err
	}
	tarball := new(bytes.Buffer)
	tw := tar.NewWriter(tarball)

	rel := strings.TrimPrefix(path.Clean(dir), "/")
	parts := strings.Split(rel, "/")
	for i := range parts {
		header := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     strings.Join(parts[:i+1], "/") + "/",
			Mode:     0755,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, err
		}
	}
	header := &tar.Header{
		Name: path.Join(rel, filepath.Base(binary)),
		Mode: int64(0755),
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return tarball, nil
}

func envList(env map[string]string) []string {
	vars := make([]string, 0, len(env))
	for key, val := range env {
		vars = append(vars, key+"="+val)
	}
	sort.Strings(vars)
	return vars
}
