package benchwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/dchest/uniuri"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/sirupsen/logrus"
)

// An Engine supplies the container primitives the pipeline drives: scheduled
// base-image pulls, image builds cached by tag and a run primitive accepting
// arbitrary runtime flags.
type Engine interface {
	// ResolveBase returns the image ID of the engine's base image, pulling it anew once the previous pull's validity window has lapsed.
	ResolveBase(ctx context.Context) (string, error)
	// ImageExists reports whether an image with the passed tag is already present.
	ImageExists(ctx context.Context, tag string) (bool, error)
	// Build builds the recipe's dockerfile with the passed directory as its context and tags the resulting image.
	Build(ctx context.Context, contextDir string, recipe Recipe, tag string) error
	// Run runs the image to completion with the passed runtime flags and command.
	Run(ctx context.Context, imageTag string, runArgs, command []string) error
}

// A DockerEngine implements [Engine] on the local docker daemon. Images are
// pulled, listed and built through the docker API, while containers are run
// through the docker CLI so that the composed runtime flags reach the
// container verbatim.
type DockerEngine struct {
	BaseImage    string        // The image benchmark builds start from
	PullValidFor time.Duration // How long a pulled base image stays valid before it is refreshed

	Log *logrus.Entry // The log operations report to, or nil to log nowhere

	lastPull   time.Time // When the base image was last pulled
	resolvedID string    // The image ID the last pull resolved to
}

// needsRefresh reports whether a base image pulled at last has fallen out of
// its validity window at now.
func needsRefresh(last, now time.Time, validFor time.Duration) bool {
	return last.IsZero() || now.Sub(last) >= validFor
}

// imageTag returns the name and tag of the image built for the passed commit
// and recipe.
func imageTag(commit string, recipe Recipe) string {
	return fmt.Sprintf("benchwatch-%s:%s", commit, recipe.Digest())
}

func (e *DockerEngine) ResolveBase(ctx context.Context) (string, error) {
	e.Log = muteEntry(e.Log)

	if !needsRefresh(e.lastPull, time.Now(), e.PullValidFor) {
		return e.resolvedID, nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", errors.Join(fmt.Errorf("failed to create new docker client"), err)
	}
	defer cli.Close()

	e.Log.Infof("Pulling base image %s...", e.BaseImage)
	out, err := cli.ImagePull(ctx, e.BaseImage, image.PullOptions{})
	if err != nil {
		return "", errors.Join(fmt.Errorf("pull of base image %s failed", e.BaseImage), err)
	}
	// The pull only completes once its progress stream is drained
	_, copyErr := io.Copy(io.Discard, out)
	out.Close()
	if copyErr != nil {
		return "", errors.Join(fmt.Errorf("pull of base image %s was interrupted", e.BaseImage), copyErr)
	}

	inspect, _, err := cli.ImageInspectWithRaw(ctx, e.BaseImage)
	if err != nil {
		return "", errors.Join(fmt.Errorf("inspect of pulled base image %s failed", e.BaseImage), err)
	}

	e.lastPull = time.Now()
	e.resolvedID = inspect.ID
	e.Log.Infof("Base image %s resolved to %s", e.BaseImage, e.resolvedID)

	return e.resolvedID, nil
}

func (e *DockerEngine) ImageExists(ctx context.Context, tag string) (bool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false, errors.Join(fmt.Errorf("failed to create new docker client"), err)
	}
	defer cli.Close()

	images, err := cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, errors.Join(fmt.Errorf("failed to list all docker images"), err)
	}
	for _, img := range images {
		for _, repoTag := range img.RepoTags {
			if repoTag == tag {
				return true, nil
			}
		}
	}
	return false, nil
}

func (e *DockerEngine) Build(ctx context.Context, contextDir string, recipe Recipe, tag string) error {
	e.Log = muteEntry(e.Log)

	if err := os.WriteFile(path.Join(contextDir, "Dockerfile"), []byte(recipe.Dockerfile()), 0644); err != nil {
		return errors.Join(fmt.Errorf("writing dockerfile to build context %s failed", contextDir), err)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return errors.Join(fmt.Errorf("failed to create new docker client"), err)
	}
	defer cli.Close()

	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return errors.Join(fmt.Errorf("tar creation of build context %s failed", contextDir), err)
	}

	res, err := cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		ForceRemove: true,
		Labels:      map[string]string{"benchwatch": "1"},
	})
	if err != nil {
		return errors.Join(fmt.Errorf("image build of %s failed", tag), err)
	}
	defer res.Body.Close()

	return e.watchBuild(res.Body, tag)
}

// buildMessage is a single message of the build endpoint's progress stream.
type buildMessage struct {
	Stream      string `json:"stream"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// watchBuild consumes the build's progress stream and surfaces build errors,
// which the build endpoint only reports inside the stream.
func (e *DockerEngine) watchBuild(body io.Reader, tag string) error {
	decoder := json.NewDecoder(body)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Join(fmt.Errorf("decoding build output of image %s failed", tag), err)
		}

		if msg.Stream != "" {
			e.Log.Tracef("build: %s", strings.TrimRight(msg.Stream, "\n"))
		}
		if msg.ErrorDetail.Message != "" {
			return fmt.Errorf("image build of %s failed: %s", tag, msg.ErrorDetail.Message)
		}
	}
}

func (e *DockerEngine) Run(ctx context.Context, imageTag string, runArgs, command []string) error {
	e.Log = muteEntry(e.Log)

	containerName := "benchwatch-" + uniuri.New()

	args := []string{"run", "--rm", "--name", containerName, "--label", "benchwatch=1"}
	args = append(args, runArgs...)
	args = append(args, imageTag)
	args = append(args, command...)

	e.Log.Infof("Running benchmark container %s of image %s", containerName, imageTag)
	e.Log.Debugf("docker %s", strings.Join(args, " "))

	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return errors.Join(fmt.Errorf("benchmark container %s of image %s failed, output: %s", containerName, imageTag, out), err)
	}
	return nil
}
