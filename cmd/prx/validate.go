package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xff16/prx"
)

var validateCmd = &cobra.Command{
	Use:          "validate",
	Short:        "Validates configuration file",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		if _, err := prx.LoadConfig(resolveConfigPath()); err != nil {
			return err
		}

		fmt.Println("configuration file is valid, you can start the server")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
