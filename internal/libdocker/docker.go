// Package libdocker runs simulators inside docker containers, one long-lived
// container per simulation resource.
package libdocker

import (
	"fmt"

	docker "github.com/fsouza/go-dockerclient"
	"gopkg.in/inconshreveable/log15.v2"
)

// Config is the configuration of the docker backend.
type Config struct {
	Logger log15.Logger

	// Workdir is the directory inside containers that receives binaries.
	Workdir string

	// InstanceID is attached as a label to all containers created by this backend.
	InstanceID string

	// This forces pulling of simulator images even when they exist locally.
	PullEnabled bool
}

// Connect creates a docker client and checks that the daemon is reachable.
// An empty endpoint selects the daemon from the environment.
func Connect(dockerEndpoint string, cfg *Config) (*ContainerBackend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log15.Root()
	}
	var client *docker.Client
	var err error
	if dockerEndpoint == "" {
		client, err = docker.NewClientFromEnv()
	} else {
		client, err = docker.NewClient(dockerEndpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("can't connect to docker: %v", err)
	}
	env, err := client.Version()
	if err != nil {
		return nil, fmt.Errorf("can't get docker version: %v", err)
	}
	logger.Debug("docker daemon online", "version", env.Get("Version"))
	return NewContainerBackend(client, cfg), nil
}
