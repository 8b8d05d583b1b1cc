package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(global *globalOptions) *cobra.Command {
	var format string
	var write string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			if write != "" {
				if err := cfg.Save(write); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "wrote", write)
				return nil
			}

			var target string
			switch format {
			case "toml":
				target = "exolink.toml"
			case "yaml", "yml":
				target = "exolink.yaml"
			default:
				return usageError{fmt.Errorf("unknown format %q", format)}
			}
			data, err := cfg.Marshal(target)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "toml", "output format (toml, yaml)")
	cmd.Flags().StringVar(&write, "write", "", "save the effective config to this path instead of printing")
	return cmd
}
