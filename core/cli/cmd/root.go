package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/querybridge/querybridge/core/logging"
)

// version stores the version string, set via SetVersion()
var version = "dev"

// SetVersion sets the version string (called from main.init())
func SetVersion(v string) {
	version = v
}

// GetVersion returns the current version string
func GetVersion() string {
	return version
}

var (
	configFile  string
	port        string
	logLevel    string
	showVersion bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "querybridge",
	Short:         "QueryBridge\nOne query surface over SQL, directory and graph identity stores",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Show version")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version)
			return nil
		}
		return cmd.Help()
	}
}

// Execute runs the root command
func Execute() error {
	// .env is optional; missing files are not an error.
	_ = godotenv.Load()

	if v := os.Getenv("QUERYBRIDGE_LOG_LEVEL"); v != "" && logLevel == "" {
		logLevel = v
	}
	if logLevel != "" {
		logging.SetLevel(logLevel)
	}

	return rootCmd.Execute()
}
