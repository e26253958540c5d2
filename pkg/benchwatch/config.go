package benchwatch

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/creasty/defaults"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type configYaml struct {
	BaseImage string `yaml:"baseImage" default:"ocaml/opam2"`

	PollInterval int `yaml:"pollInterval" default:"60"`
	PullValidFor int `yaml:"pullValidFor" default:"168"`

	BuildTimeout int `yaml:"buildTimeout" default:"3600"`
	RunTimeout   int `yaml:"runTimeout" default:"7200"`

	ShmSize string `yaml:"shmSize" default:"4G"`
}

// A Config holds the watch parameters which are not given on the command line.
type Config struct {
	BaseImage string // The image benchmark builds start from

	PollInterval time.Duration // How often the repository's head is polled
	PullValidFor time.Duration // How long a pulled base image stays valid before it is refreshed

	BuildTimeout time.Duration // The deadline of a single image build
	RunTimeout   time.Duration // The deadline of a single benchmark run

	ShmSizeGB int // The size of the benchmark container's /dev/shm tmpfs in GiB
}

// GetConfig reads a watch config in yaml format from a reader and resolves it
// into a [Config]. Missing keys fall back to their defaults, so an empty
// reader yields the default config.
func GetConfig(r io.Reader) (*Config, error) {
	var config configYaml

	// Read in yaml
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("pollInterval %d in config is not positive", config.PollInterval)
	}

	shmBytes, err := units.RAMInBytes(config.ShmSize)
	if err != nil {
		return nil, fmt.Errorf("invalid shmSize %q in config", config.ShmSize)
	}
	if shmBytes < units.GiB {
		return nil, fmt.Errorf("shmSize %q in config is below the minimum of 1G", config.ShmSize)
	}

	// Convert to Config struct
	return &Config{
		BaseImage: config.BaseImage,

		PollInterval: time.Duration(config.PollInterval) * time.Second,
		PullValidFor: time.Duration(config.PullValidFor) * time.Hour,

		BuildTimeout: time.Duration(config.BuildTimeout) * time.Second,
		RunTimeout:   time.Duration(config.RunTimeout) * time.Second,

		ShmSizeGB: int(shmBytes / units.GiB),
	}, nil
}
