// Command gridbus runs the building-automation platform from a YAML
// config file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gridbus-dev/gridbus"
	_ "github.com/gridbus-dev/gridbus/agents"
	_ "github.com/gridbus-dev/gridbus/driver/ecobee"
	_ "github.com/gridbus-dev/gridbus/driver/fake"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "gridbus",
		Short: "Building-automation message bus and device driver host",
	}

	var configPath string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the platform until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gridbus.Run(configPath)
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "config/agents.yaml", "path to the platform config file")

	validateCmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Parse a config file and report its agents without starting them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				path = args[0]
			}

			loader := gridbus.NewConfigLoader(&gridbus.OSFileReader{})
			config, err := loader.LoadConfig(path)
			if err != nil {
				return err
			}

			fmt.Printf("config OK: %d agent(s)\n", len(config.Agents))
			for _, def := range config.Agents {
				fmt.Printf("  %s (role: %s)\n", def.Name, def.Role)
			}
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "config/agents.yaml", "path to the platform config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the gridbus version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gridbus", version)
		},
	}

	root.AddCommand(runCmd, validateCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
