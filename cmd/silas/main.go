// Command silas runs the agent runtime: sandboxed work-item execution,
// budgeted context management, gated responses, and a durable chronicle.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DavSimFel/silas/internal/config"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 runtime failure.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

var configPath string

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "silas",
		Short:         "Silas - personal agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "silas.toml", "path to config file")

	var code int
	root.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default silas.toml and the data directory tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initWorkspace(configPath); err != nil {
				code = exitRuntime
				return err
			}
			fmt.Println("initialized", configPath)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the runtime: open stores, verify the audit chain, rehydrate, and listen",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				code = exitConfig
				return err
			}
			app, err := newApp(cfg)
			if err != nil {
				code = exitConfig
				return err
			}
			defer app.Close()
			if err := app.Run(cmd.Context()); err != nil {
				code = exitRuntime
				return err
			}
			return nil
		},
	})

	var ingestScope string
	ingestCmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Import a text or markdown file into raw memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				code = exitConfig
				return err
			}
			if err := runIngest(cfg, ingestScope, args[0]); err != nil {
				code = exitRuntime
				return err
			}
			fmt.Println("ingested", args[0])
			return nil
		},
	}
	ingestCmd.Flags().StringVar(&ingestScope, "scope", "owner", "memory scope to ingest into")
	root.AddCommand(ingestCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "silas:", err)
		if code == 0 {
			code = exitRuntime
		}
		return code
	}
	return exitOK
}
