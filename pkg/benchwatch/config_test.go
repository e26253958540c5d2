package benchwatch

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetConfig(t *testing.T) {
	yml := `
baseImage: "ocaml/opam:debian-12-ocaml-4.14"
pollInterval: 30
pullValidFor: 24
buildTimeout: 600
runTimeout: 1200
shmSize: "8G"
`

	config, err := GetConfig(strings.NewReader(yml))
	assert.Nil(t, err, "GetConfig returned an error")

	assert.Equal(t, "ocaml/opam:debian-12-ocaml-4.14", config.BaseImage, "Mismatch in config field")
	assert.Equal(t, 30*time.Second, config.PollInterval, "Mismatch in config field")
	assert.Equal(t, 24*time.Hour, config.PullValidFor, "Mismatch in config field")
	assert.Equal(t, 600*time.Second, config.BuildTimeout, "Mismatch in config field")
	assert.Equal(t, 1200*time.Second, config.RunTimeout, "Mismatch in config field")
	assert.Equal(t, 8, config.ShmSizeGB, "Mismatch in config field")
}

func TestGetConfigDefaults(t *testing.T) {
	config, err := GetConfig(strings.NewReader(""))
	assert.Nil(t, err, "GetConfig returned an error for an empty config")

	assert.Equal(t, "ocaml/opam2", config.BaseImage, "Wrong default base image")
	assert.Equal(t, time.Minute, config.PollInterval, "Wrong default poll interval")
	assert.Equal(t, 7*24*time.Hour, config.PullValidFor, "Wrong default pull validity window")
	assert.Equal(t, time.Hour, config.BuildTimeout, "Wrong default build timeout")
	assert.Equal(t, 2*time.Hour, config.RunTimeout, "Wrong default run timeout")
	assert.Equal(t, 4, config.ShmSizeGB, "Wrong default shm size")
}

func TestGetConfigPartial(t *testing.T) {
	config, err := GetConfig(strings.NewReader("pollInterval: 10\n"))
	assert.Nil(t, err, "GetConfig returned an error")

	assert.Equal(t, 10*time.Second, config.PollInterval, "Set key was not applied")
	assert.Equal(t, "ocaml/opam2", config.BaseImage, "Missing key did not fall back to its default")
}

func TestGetConfigInvalidShmSize(t *testing.T) {
	values := []string{
		`shmSize: "hello"`,
		`shmSize: "512M"`,
	}

	for _, v := range values {
		_, err := GetConfig(strings.NewReader(v))
		assert.NotNilf(t, err, "GetConfig accepted %q", v)
	}
}

func TestGetConfigNegativePollInterval(t *testing.T) {
	values := []string{
		`pollInterval: -5`,
		`pollInterval: -1`,
	}

	for _, v := range values {
		_, err := GetConfig(strings.NewReader(v))
		assert.NotNilf(t, err, "GetConfig accepted %q", v)
	}
}
