package main

import (
	"fmt"

	"github.com/danmuck/edgeipc/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate endpoint config files",
	}
	cmd.AddCommand(newConfigTemplateCmd(), newConfigValidateCmd())
	return cmd
}

func newConfigTemplateCmd() *cobra.Command {
	var (
		output string
		id     string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Write a config template (stdout when --output is empty)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				tmpl, err := config.Template(id)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), tmpl)
				return nil
			}
			if err := config.WriteTemplate(output, id, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote config template to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path")
	cmd.Flags().StringVar(&id, "endpoint-id", "edgeipc", "endpoint id written into the template")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate an existing config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Validated config at %s\n", args[0])
			return nil
		},
	}
}
