package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benchwatch/benchwatch/internal/server"
	"github.com/benchwatch/benchwatch/pkg/benchwatch"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	watchPort         int
	watchPollInterval int
	watchSecretPath   string
)

// Flags shared by the watch and once commands.
var (
	runOutput     string
	runSlackPath  string
	runCPU        int
	runNUMANode   int
	runShmSize    int
	runConfigPath string
)

var watchCmd = &cobra.Command{
	Use:   "watch owner/repo",
	Short: "Continuously benchmark the head commit of a repository",
	Long: `Continuously benchmark the head commit of a repository.

The repository's default branch is polled on an interval and additionally
re-evaluated whenever a github push webhook arrives on /github. Every new head
commit is checked out, built into a docker image and its benchmark executed in
an isolated container. Results can be persisted to a file with --output and
posted to a Slack incoming webhook whose URI is read from the --slack-path
file.

A head commit whose commit hash and build recipe are unchanged since the last
completed evaluation is not benchmarked again. The base image is re-pulled
weekly by default, which changes the recipe and thereby triggers a fresh run.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		repo, err := benchwatch.ParseRepo(args[0])
		if err != nil {
			logrus.Fatalf("Invalid repository - %v", err)
		}

		watcher := &benchwatch.Watcher{
			Repo:   repo,
			Config: loadConfig(cmd),

			CPU:      optionalIndex(runCPU),
			NUMANode: optionalIndex(runNUMANode),

			OutputFile: runOutput,
			SlackPath:  runSlackPath,

			Log: logrus.StandardLogger(),
		}

		var secret []byte
		if watchSecretPath != "" {
			secret, err = os.ReadFile(watchSecretPath)
			if err != nil {
				logrus.Fatalf("Failed to read webhook secret - %v", err)
			}
			secret = bytes.TrimSpace(secret)
		}

		if err := server.New(watchPort, watcher, secret); err != nil {
			logrus.Fatalf("Failed to start webserver - %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := watcher.Run(ctx); err != nil {
			logrus.Fatalf("Failed to start watch - %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)

	addRunFlags(watchCmd)

	watchCmd.Flags().IntVarP(&watchPort, "port", "p", 8080, "The port on which to serve the webhook and status endpoints")
	watchCmd.Flags().IntVar(&watchPollInterval, "poll-interval", 60, "How often to poll the repository's head, in seconds")
	watchCmd.Flags().StringVar(&watchSecretPath, "webhook-secret-path", "", "File containing the shared secret used to verify webhook signatures")
}

// addRunFlags registers the evaluation flags shared by the watch and once
// commands.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&runOutput, "output", "o", "", "File to persist benchmark results to")
	cmd.Flags().StringVar(&runSlackPath, "slack-path", "", "File containing the Slack webhook URI results are posted to")
	cmd.Flags().IntVar(&runCPU, "docker-cpu", -1, "The CPU core to pin the benchmark container to")
	cmd.Flags().IntVar(&runNUMANode, "docker-numa-node", -1, "The NUMA node to bind the benchmark container's memory to")
	cmd.Flags().IntVar(&runShmSize, "docker-shm-size", 4, "The size of the benchmark container's /dev/shm tmpfs in GiB")
	cmd.Flags().StringVar(&runConfigPath, "config", "", "Path to a yaml config file")
}

// loadConfig resolves the watch config, applying flags set on the command line
// over the values of the optional config file.
func loadConfig(cmd *cobra.Command) *benchwatch.Config {
	var reader io.Reader = strings.NewReader("")
	if runConfigPath != "" {
		file, err := os.Open(runConfigPath)
		if err != nil {
			logrus.Fatalf("Failed to open config - %v", err)
		}
		defer file.Close()
		reader = file
	}

	config, err := benchwatch.GetConfig(reader)
	if err != nil {
		logrus.Fatalf("Failed to read config - %v", err)
	}

	if cmd.Flags().Changed("docker-shm-size") {
		if runShmSize < 1 {
			logrus.Fatalf("Invalid --docker-shm-size %d - the minimum is 1 GiB", runShmSize)
		}
		config.ShmSizeGB = runShmSize
	}
	if cmd.Flags().Changed("poll-interval") {
		if watchPollInterval <= 0 {
			logrus.Fatalf("Invalid --poll-interval %d - it must be positive", watchPollInterval)
		}
		config.PollInterval = time.Duration(watchPollInterval) * time.Second
	}

	return config
}

// optionalIndex converts the -1 convention of unset index flags into an
// optional value.
func optionalIndex(v int) *int {
	if v < 0 {
		return nil
	}
	return &v
}
