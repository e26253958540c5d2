package benchwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

// A SourceFetcher produces the source trees the pipeline builds.
type SourceFetcher interface {
	// Head returns the current head commit of the watched branch.
	Head(ctx context.Context) (string, error)
	// Checkout materializes the tree of the passed commit and returns its path together with a cleanup function.
	Checkout(ctx context.Context, commit string) (string, func(), error)
}

// A ResultEnvelope pairs a benchmark result with the notification target it is
// to be delivered to.
type ResultEnvelope struct {
	NotifyPath string // The file holding the endpoint URI to deliver to
	Result     []byte // The raw benchmark result
}

// defaultShmSizeGB is the /dev/shm size used by pipelines which do not set one.
const defaultShmSizeGB = 4

// A Pipeline executes single benchmark evaluations, from source checkout to
// persisted result.
type Pipeline struct {
	Fetcher SourceFetcher // Produces the source tree of the commit under benchmark
	Engine  Engine        // Builds and runs the benchmark images

	CPU       *int // The core the benchmark container is pinned to, or nil to leave it unpinned
	NUMANode  *int // The memory node the benchmark container is bound to, or nil to leave it unbound
	ShmSizeGB int  // The size of the benchmark container's /dev/shm tmpfs in GiB

	OutputFile string // Where results are persisted, or empty to leave them at their temporary path
	SlackPath  string // The file holding the notification endpoint URI, or empty to disable notification

	BuildTimeout time.Duration // The deadline of a single image build, or 0 for none
	RunTimeout   time.Duration // The deadline of a single benchmark run, or 0 for none

	Log *logrus.Entry // The log evaluations report to, or nil to log nowhere

	seccompPath string // Where the bundled seccomp policy was materialized
}

// RunOnce evaluates a single commit: it checks out the commit's tree, builds
// the benchmark image unless an identical one exists already, runs the
// benchmark sandboxed and persists its result. It returns the canonical path
// of the result file and, if a notification target is configured, an envelope
// carrying the result bytes. Without a notification target the envelope is nil
// and the result file is never read back.
func (p *Pipeline) RunOnce(ctx context.Context, commit string, baseImageID string) (string, *ResultEnvelope, error) {
	p.Log = muteEntry(p.Log)
	if p.ShmSizeGB < 1 {
		p.ShmSizeGB = defaultShmSizeGB
	}

	if err := p.ensureSeccompProfile(); err != nil {
		return "", nil, errors.Join(fmt.Errorf("materializing seccomp policy failed"), err)
	}

	recipe := BuildRecipe(baseImageID)
	tag := imageTag(commit, recipe)

	srcDir, cleanupSrc, err := p.Fetcher.Checkout(ctx, commit)
	if err != nil {
		return "", nil, errors.Join(fmt.Errorf("checkout of commit %s failed", commit), err)
	}
	defer cleanupSrc()

	exists, err := p.Engine.ImageExists(ctx, tag)
	if err != nil {
		return "", nil, err
	}
	if exists {
		p.Log.Infof("Image %s of commit %s already built, reusing image", tag, commit)
	} else {
		p.Log.Infof("Building image %s of commit %s", tag, commit)
		buildCtx, cancel := deadline(ctx, p.BuildTimeout)
		defer cancel()
		if err := p.Engine.Build(buildCtx, srcDir, recipe, tag); err != nil {
			return "", nil, err
		}
	}

	resultFile, err := os.CreateTemp("", "index-bench-result-*.txt")
	if err != nil {
		return "", nil, errors.Join(fmt.Errorf("creating result file failed"), err)
	}
	resultPath := resultFile.Name()
	resultFile.Close()
	// The benchmark runs as the image's unprivileged build user and writes the
	// result through the bind mount
	if err := os.Chmod(resultPath, 0666); err != nil {
		os.Remove(resultPath)
		return "", nil, err
	}

	spec := SandboxSpec{
		CPU:      p.CPU,
		NUMANode: p.NUMANode,

		ShmSizeGB: p.ShmSizeGB,

		HostResultPath:      resultPath,
		ContainerResultPath: containerPathFor(resultPath),

		SeccompProfile: p.seccompPath,
	}

	runCtx, cancel := deadline(ctx, p.RunTimeout)
	defer cancel()
	if err := p.Engine.Run(runCtx, tag, spec.RunArgs(), spec.BenchCommand()); err != nil {
		os.Remove(resultPath)
		return "", nil, err
	}

	canonicalPath := resultPath
	if p.OutputFile != "" {
		if err := moveFile(resultPath, p.OutputFile); err != nil {
			return "", nil, errors.Join(fmt.Errorf("moving result %s to %s failed", resultPath, p.OutputFile), err)
		}
		canonicalPath = p.OutputFile
	}
	p.Log.Infof("Benchmark result of commit %s stored at %s", commit, canonicalPath)

	if p.SlackPath == "" {
		return canonicalPath, nil, nil
	}

	result, err := os.ReadFile(canonicalPath)
	if err != nil {
		return "", nil, errors.Join(fmt.Errorf("reading benchmark result %s failed", canonicalPath), err)
	}
	p.Log.Debugf("Read %s benchmark result for notification", units.HumanSize(float64(len(result))))

	return canonicalPath, &ResultEnvelope{
		NotifyPath: p.SlackPath,
		Result:     result,
	}, nil
}

// Close removes the materialized seccomp policy.
func (p *Pipeline) Close() error {
	if p.seccompPath == "" {
		return nil
	}
	return os.RemoveAll(filepath.Dir(p.seccompPath))
}

// ensureSeccompProfile materializes the bundled seccomp policy once per
// pipeline.
func (p *Pipeline) ensureSeccompProfile() error {
	if p.seccompPath != "" {
		return nil
	}
	dir, err := os.MkdirTemp("", "")
	if err != nil {
		return err
	}
	p.seccompPath, err = WriteSeccompProfile(dir)
	return err
}

// deadline bounds ctx to the passed timeout, or leaves it as-is for a timeout
// of 0.
func deadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// muteEntry returns log, or an entry which discards everything when log is
// nil.
func muteEntry(log *logrus.Entry) *logrus.Entry {
	if log != nil {
		return log
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// containerPathFor returns the path the host result file is mounted at inside
// the container.
func containerPathFor(hostPath string) string {
	return "/tmp/" + filepath.Base(hostPath)
}

// moveFile moves the file at src to dst. os.Rename cannot cross filesystems,
// in that case the file is copied and the source removed afterwards.
func moveFile(src, dst string) error {
	renameErr := os.Rename(src, dst)
	if renameErr == nil {
		return nil
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return errors.Join(renameErr, err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return errors.Join(renameErr, err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		os.Remove(dst)
		return errors.Join(renameErr, err)
	}
	if err := dstFile.Close(); err != nil {
		return errors.Join(renameErr, err)
	}

	return os.Remove(src)
}
