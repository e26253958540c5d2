package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var verbosity int

var rootCmd = &cobra.Command{
	Use:   "benchwatch",
	Short: "Continuous Benchmarking of a Repository's Head Commit in Hardware-Isolated Docker Containers",
	Long:  ``,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLog)

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase the log verbosity, can be given multiple times")
}

// initLog configures the global logger according to the verbosity flag.
func initLog() {
	logrus.SetFormatter(&prefixed.TextFormatter{})

	if verbosity == 0 {
		logrus.SetLevel(logrus.WarnLevel)
	} else if verbosity == 1 {
		logrus.SetLevel(logrus.InfoLevel)
	} else if verbosity == 2 {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.TraceLevel)
	}
}
