package docker

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	cerrdefs "github.com/containerd/errdefs"

	"autosubmit/internal/apperrors"
)

// logSuffixes are the files run_job writes per member in the workspace.
var logSuffixes = []string{".out", ".err"}

// FetchLogs copies <Workspace>/<job>.out and .err out of the container of
// the job's latest submission into LogDir. Works for stopped containers.
// A file the job never wrote is skipped.
func (g *Gateway) FetchLogs(ctx context.Context, jobName string) error {
	rs, ok := g.state.forJob(jobName)
	if !ok {
		return nil
	}
	if err := os.MkdirAll(g.cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	for _, suffix := range logSuffixes {
		name := jobName + suffix
		rc, _, err := g.docker().CopyFromContainer(ctx, rs.containerID, path.Join(g.cfg.Workspace, name))
		if cerrdefs.IsNotFound(err) {
			g.logger.Debug("Log file not found in container", "job", jobName, "file", name)
			continue
		}
		if err != nil {
			return apperrors.Connection(g.cfg.Name, err)
		}
		err = extractFile(rc, filepath.Join(g.cfg.LogDir, name))
		rc.Close()
		if err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
	}
	return nil
}

// extractFile writes the first regular file of a tar stream to dst,
// replacing it atomically.
func extractFile(r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("no regular file in archive")
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*")
		if err != nil {
			return err
		}
		if _, err := io.Copy(tmp, tr); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("extract: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		return os.Rename(tmp.Name(), dst)
	}
}
