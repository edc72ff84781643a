package libdocker

import (
	"context"
	"fmt"
	"time"

	docker "github.com/fsouza/go-dockerclient"
)

// CleanupOptions configures removal of leftover simulator containers.
type CleanupOptions struct {
	InstanceID string        // only containers of this instance, empty for all
	OlderThan  time.Duration // only containers older than this
	DryRun     bool          // report, but don't remove
}

// Cleanup removes simulator containers left behind by earlier runs, selected
// by their labels. It returns the number of matching containers.
func (b *ContainerBackend) Cleanup(ctx context.Context, opts CleanupOptions) (int, error) {
	filters := map[string][]string{
		"label": {LabelResource},
	}
	if opts.InstanceID != "" {
		filters["label"] = append(filters["label"], LabelInstance+"="+opts.InstanceID)
	}
	containers, err := b.client.ListContainers(docker.ListContainersOptions{
		Context: ctx,
		All:     true,
		Filters: filters,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %v", err)
	}

	b.mu.Lock()
	own := make(map[string]bool, len(b.containers))
	for _, id := range b.containers {
		own[id] = true
	}
	b.mu.Unlock()

	n := 0
	for _, c := range containers {
		if own[c.ID] || !olderThan(c.Labels[LabelCreated], opts.OlderThan) {
			continue
		}
		n++
		logger := b.logger.New("container", c.ID[:12], "resource", c.Labels[LabelResource])
		if opts.DryRun {
			logger.Info("would remove container")
			continue
		}
		err := b.client.RemoveContainer(docker.RemoveContainerOptions{ID: c.ID, Force: true})
		if err != nil {
			logger.Error("failed to remove container", "err", err)
		} else {
			logger.Info("removed container")
		}
	}
	return n, nil
}

// olderThan reports whether the RFC3339 timestamp lies at least d in the past.
// A zero d matches everything; a missing or bad timestamp matches only then.
func olderThan(created string, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return false
	}
	return time.Since(t) >= d
}
