package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/benchwatch/benchwatch/pkg/benchwatch"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var onceCmd = &cobra.Command{
	Use:   "once owner/repo",
	Short: "Benchmark the repository's current head commit a single time",
	Long: `Benchmark the repository's current head commit a single time and exit.

No webserver is started and the repository is not watched afterwards. The path
of the result file is printed on success.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		repo, err := benchwatch.ParseRepo(args[0])
		if err != nil {
			logrus.Fatalf("Invalid repository - %v", err)
		}

		config := loadConfig(cmd)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log := logrus.StandardLogger().WithField("repo", repo.String())

		fetcher, err := benchwatch.NewFetcher(repo, log)
		if err != nil {
			logrus.Fatalf("Failed to clone %s - %v", repo, err)
		}
		defer fetcher.Close()

		engine := &benchwatch.DockerEngine{
			BaseImage:    config.BaseImage,
			PullValidFor: config.PullValidFor,

			Log: log,
		}

		pipeline := &benchwatch.Pipeline{
			Fetcher: fetcher,
			Engine:  engine,

			CPU:      optionalIndex(runCPU),
			NUMANode: optionalIndex(runNUMANode),

			ShmSizeGB: config.ShmSizeGB,

			OutputFile: runOutput,
			SlackPath:  runSlackPath,

			BuildTimeout: config.BuildTimeout,
			RunTimeout:   config.RunTimeout,

			Log: log,
		}
		defer pipeline.Close()

		baseID, err := engine.ResolveBase(ctx)
		if err != nil {
			logrus.Fatalf("Failed to resolve base image - %v", err)
		}

		commit, err := fetcher.Head(ctx)
		if err != nil {
			logrus.Fatalf("Failed to get head commit of %s - %v", repo, err)
		}

		resultPath, env, err := pipeline.RunOnce(ctx, commit, baseID)
		if err != nil {
			logrus.Fatalf("Benchmark run of commit %s failed - %v", commit, err)
		}

		notifier := &benchwatch.Notifier{Log: log}
		if err := notifier.Notify(ctx, env); err != nil {
			logrus.Fatalf("Failed to deliver notification - %v", err)
		}

		fmt.Println(resultPath)
	},
}

func init() {
	rootCmd.AddCommand(onceCmd)

	addRunFlags(onceCmd)
}
