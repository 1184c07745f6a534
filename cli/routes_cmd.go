package cli

import (
	"github.com/jgoldverg/tftpd/cli/output"
	"github.com/jgoldverg/tftpd/pkg/static"
	"github.com/spf13/cobra"
)

func RoutesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect routes files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(routesCheckCommand())
	return cmd
}

func routesCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "check <file>",
		Short:       "Validate a YAML or TOML routes file and print the resulting route order",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipConfig: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, err := static.LoadRouteFile(args[0])
			if err != nil {
				output.RoutesInvalid(args[0], err)
				return err
			}
			if err := output.PrintRouteTable(rf.Routes); err != nil {
				return err
			}
			output.RoutesOK(args[0], len(rf.Routes))
			return nil
		},
	}
}
