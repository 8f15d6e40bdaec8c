package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/logging"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:           "validate [path]",
	Short:         "Validate query definition files without starting the server",
	RunE:          validateDefinitions,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateDefinitions(cmd *cobra.Command, args []string) error {
	log := logging.New("validate")

	target := "definitions"
	if len(args) > 0 {
		target = args[0]
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("invalid path %q: %w", target, err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(target)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := filepath.Ext(entry.Name())
			if ext == ".yaml" || ext == ".yml" {
				files = append(files, filepath.Join(target, entry.Name()))
			}
		}
	} else {
		files = []string{target}
	}

	if len(files) == 0 {
		return fmt.Errorf("no definition files found under %q", target)
	}

	var failed int
	var total int
	for _, file := range files {
		defs, err := definition.ParseFile(file)
		if err != nil {
			log.Errorf("%s: %v", file, err)
			failed++
			continue
		}
		for _, def := range defs {
			total++
			result := definition.Validate(def)
			if result.IsValid {
				if len(result.Warnings) > 0 {
					log.Warnf("%s: '%s' valid with warnings:\n  %s", file, def.ID, strings.Join(result.Warnings, "\n  "))
				} else {
					log.Infof("%s: '%s' valid", file, def.ID)
				}
				continue
			}
			failed++
			log.Errorf("%s: '%s' invalid:\n  %s", file, def.ID, strings.Join(result.Errors, "\n  "))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d definitions failed validation", failed, total)
	}
	log.Infof("All %d definitions valid", total)
	return nil
}
