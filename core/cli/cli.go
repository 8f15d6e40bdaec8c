package cli

import (
	"github.com/querybridge/querybridge/core/cli/cmd"
	"github.com/querybridge/querybridge/core/logging"
)

// Execute runs the CLI
func Execute() error {
	if err := cmd.Execute(); err != nil {
		logging.New("cli").Error(err.Error())
		return err
	}
	return nil
}
