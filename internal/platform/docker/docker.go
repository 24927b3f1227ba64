// Package docker implements platform.Gateway using the Docker API. Each
// package runs as one container on the host Docker daemon, with a volume
// holding job logs and completion markers.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"

	"autosubmit/internal/apperrors"
	"autosubmit/internal/platform"
	"autosubmit/internal/status"
)

const managedBy = "autosubmit"

// Labels set on every container.
const (
	labelManagedBy = "managed-by"
	labelExpID     = "as.expid"
	labelRemoteID  = "as.remote-id"
	labelPackage   = "as.package"
	labelJobs      = "as.jobs"
	labelHold      = "as.hold"
)

// Gateway runs packages as Docker containers.
type Gateway struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	client *client.Client
	state  *stateRepo

	cancelMaintenance context.CancelFunc
}

// New connects to the Docker daemon and resumes tracking containers left
// by an earlier run of the same experiment.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	if cfg.Image == "" {
		return nil, apperrors.Config("platforms."+cfg.Name+".image", "is required for docker platforms")
	}
	cfg.withDefaults()

	c, err := newClient()
	if err != nil {
		return nil, apperrors.Connection(cfg.Name, err)
	}

	g := &Gateway{
		cfg:    cfg,
		logger: slog.With("component", "docker", "platform", cfg.Name),
		client: c,
		state:  newStateRepo(),
	}

	if err := g.reconcile(ctx); err != nil {
		g.logger.Warn("Failed to reconcile containers", "error", err)
	}

	maintenanceCtx, cancel := context.WithCancel(context.Background())
	g.cancelMaintenance = cancel
	go g.runMaintenance(maintenanceCtx)

	return g, nil
}

func newClient() (*client.Client, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return c, nil
}

func (g *Gateway) docker() *client.Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.client
}

// reconcile rebuilds the remote id table from container labels.
func (g *Gateway) reconcile(ctx context.Context) error {
	containers, err := g.docker().ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedBy),
			filters.Arg("label", labelExpID+"="+g.cfg.ExpID),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	var resumed int
	for _, c := range containers {
		id, err := strconv.Atoi(c.Labels[labelRemoteID])
		if err != nil || id <= 0 {
			g.logger.Warn("Container without remote id", "container", c.ID)
			continue
		}
		var jobs []string
		if v := c.Labels[labelJobs]; v != "" {
			jobs = strings.Split(v, ",")
		}
		g.state.commit(id, &remoteState{
			containerID: c.ID,
			volumeName:  volumeName(g.cfg.ExpID, id),
			jobs:        jobs,
			held:        c.Labels[labelHold] == "true",
		})
		resumed++
	}

	g.logger.Info("Reconciliation complete", "resumed", resumed)
	return nil
}

func (g *Gateway) Name() string { return g.cfg.Name }

// Submit creates the package volume and container and starts it. Held
// packages are created but left for an operator to start. On failure every
// resource created so far is removed.
func (g *Gateway) Submit(ctx context.Context, pkg *platform.Package) (platform.Submission, error) {
	id := g.state.reserve()
	rs := &remoteState{volumeName: volumeName(g.cfg.ExpID, id), jobs: pkg.JobNames(), held: pkg.Hold}
	logger := g.logger.With("package", pkg.Name, "remoteId", id)

	success := false
	defer func() {
		if !success {
			g.cleanup(context.WithoutCancel(ctx), rs)
			g.state.release(id)
		}
	}()

	c := g.docker()
	if _, err := c.VolumeCreate(ctx, volume.CreateOptions{Name: rs.volumeName}); err != nil {
		return platform.Submission{}, apperrors.Submission(pkg.Name, fmt.Errorf("create volume: %w", err))
	}

	// Pull with a detached context so a short submit deadline does not
	// abort a large download halfway.
	if err := g.pullImageIfNeeded(context.WithoutCancel(ctx), g.cfg.Image); err != nil {
		return platform.Submission{}, apperrors.Submission(pkg.Name, fmt.Errorf("pull image: %w", err))
	}

	containerID, err := g.createContainer(ctx, pkg, id, rs)
	if err != nil {
		return platform.Submission{}, apperrors.Submission(pkg.Name, fmt.Errorf("create container: %w", err))
	}
	rs.containerID = containerID

	if !pkg.Hold {
		if err := c.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return platform.Submission{}, apperrors.Submission(pkg.Name, fmt.Errorf("start container: %w", err))
		}
	}

	g.state.commit(id, rs)
	success = true
	logger.Info("Package submitted", "jobs", len(pkg.Jobs), "hold", pkg.Hold)
	return platform.Submission{RemoteID: id, Accepted: time.Now()}, nil
}

func (g *Gateway) createContainer(ctx context.Context, pkg *platform.Package, id int, rs *remoteState) (string, error) {
	containerConfig := &container.Config{
		Image:      g.cfg.Image,
		Cmd:        []string{"/bin/sh", "-c", Script(pkg)},
		Env:        []string{"WORKSPACE=" + g.cfg.Workspace, "EXPID=" + g.cfg.ExpID},
		WorkingDir: g.cfg.Workspace,
		Labels: map[string]string{
			labelManagedBy: managedBy,
			labelExpID:     g.cfg.ExpID,
			labelRemoteID:  strconv.Itoa(id),
			labelPackage:   pkg.Name,
			labelJobs:      strings.Join(rs.jobs, ","),
			labelHold:      strconv.FormatBool(pkg.Hold),
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: rs.volumeName,
				Target: g.cfg.Workspace,
			},
		},
	}
	if pkg.Processors > 0 {
		hostConfig.Resources.NanoCPUs = int64(pkg.Processors) * 1e9
	}

	name := fmt.Sprintf("as-%s-%d", g.cfg.ExpID, id)
	resp, err := g.docker().ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Poll maps the container state to a job status. Ids this gateway never
// saw report UNKNOWN.
func (g *Gateway) Poll(ctx context.Context, remoteID int) (status.Status, error) {
	rs, exists := g.state.get(remoteID)
	if !exists {
		return status.Unknown, nil
	}
	if rs == nil {
		return status.Submitted, nil
	}

	inspect, err := g.docker().ContainerInspect(ctx, rs.containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return status.Unknown, nil
		}
		return status.Unknown, apperrors.Connection(g.cfg.Name, err)
	}

	switch {
	case inspect.State.Paused:
		return status.Held, nil
	case inspect.State.Running:
		return status.Running, nil
	case inspect.State.Status == "created" && rs.held:
		return status.Held, nil
	case inspect.State.Status == "created":
		return status.Queuing, nil
	case inspect.State.ExitCode == 0:
		return status.Completed, nil
	default:
		return status.Failed, nil
	}
}

// CompletionMarker stats the marker file inside the container that ran
// the job. Works for stopped containers.
func (g *Gateway) CompletionMarker(ctx context.Context, jobName string) (bool, error) {
	rs, ok := g.state.forJob(jobName)
	if !ok {
		return false, nil
	}
	_, err := g.docker().ContainerStatPath(ctx, rs.containerID, path.Join(g.cfg.Workspace, MarkerName(jobName)))
	switch {
	case err == nil:
		return true, nil
	case cerrdefs.IsNotFound(err):
		return false, nil
	default:
		return false, apperrors.Connection(g.cfg.Name, err)
	}
}

// Cancel stops and removes the container. Unknown ids are ignored.
func (g *Gateway) Cancel(ctx context.Context, remoteID int) error {
	rs, exists := g.state.release(remoteID)
	if !exists || rs == nil {
		return nil
	}
	g.cleanup(ctx, rs)
	g.logger.Info("Package cancelled", "remoteId", remoteID)
	return nil
}

// TestConnectivity checks if the Docker daemon is reachable and responsive.
func (g *Gateway) TestConnectivity(ctx context.Context) error {
	if _, err := g.docker().Ping(ctx); err != nil {
		return apperrors.Connection(g.cfg.Name, err)
	}
	return nil
}

func (g *Gateway) Capacity(context.Context) (platform.Capacity, error) {
	return g.cfg.Limits, nil
}

// Reconnect replaces the client and checks the daemon answers.
func (g *Gateway) Reconnect(ctx context.Context) error {
	c, err := newClient()
	if err != nil {
		return apperrors.Connection(g.cfg.Name, err)
	}
	if _, err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return apperrors.Connection(g.cfg.Name, err)
	}

	g.mu.Lock()
	old := g.client
	g.client = c
	g.mu.Unlock()
	_ = old.Close()

	g.logger.Info("Reconnected to docker daemon")
	return nil
}

// Close stops maintenance and releases the client. Containers are left
// running so a restarted daemon can resume them.
func (g *Gateway) Close() error {
	if g.cancelMaintenance != nil {
		g.cancelMaintenance()
	}
	return g.docker().Close()
}

func (g *Gateway) pullImageIfNeeded(ctx context.Context, imageName string) error {
	c := g.docker()
	if _, err := c.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	reader, err := c.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (g *Gateway) cleanup(ctx context.Context, rs *remoteState) {
	c := g.docker()
	if rs.containerID != "" {
		timeout := g.cfg.StopTimeout
		_ = c.ContainerStop(ctx, rs.containerID, container.StopOptions{Timeout: &timeout})
		_ = c.ContainerRemove(ctx, rs.containerID, container.RemoveOptions{Force: true})
	}
	if rs.volumeName != "" {
		_ = c.VolumeRemove(ctx, rs.volumeName, true)
	}
}

// runMaintenance periodically removes containers that finished more than
// Retention ago.
func (g *Gateway) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.cleanupExpired(ctx)
		}
	}
}

func (g *Gateway) cleanupExpired(ctx context.Context) {
	now := time.Now()
	var expired []int
	for _, id := range g.state.ids() {
		rs, _ := g.state.get(id)
		if rs == nil {
			continue
		}
		inspect, err := g.docker().ContainerInspect(ctx, rs.containerID)
		if err != nil {
			if cerrdefs.IsNotFound(err) {
				expired = append(expired, id)
			}
			continue
		}
		if inspect.State.Running || inspect.State.Status == "created" {
			continue
		}
		finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
		if err != nil {
			continue
		}
		if now.Sub(finishedAt) > g.cfg.Retention {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		if rs, ok := g.state.release(id); ok && rs != nil {
			g.cleanup(ctx, rs)
		}
	}
	if len(expired) > 0 {
		g.logger.Info("Maintenance complete", "cleaned", len(expired))
	}
}

func volumeName(expID string, id int) string {
	return fmt.Sprintf("as-%s-%d-workspace", expID, id)
}

var _ platform.Gateway = (*Gateway)(nil)
