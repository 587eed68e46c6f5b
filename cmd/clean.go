package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/vodkeeper/internal/output"
	"github.com/tanq16/vodkeeper/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove run directories left by interrupted or failed runs",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			removed, err := utils.CleanRunDirs(tempDir)
			for _, path := range removed {
				output.PrintInfo("Removed " + path)
			}
			if err != nil {
				fail(err)
			}
			output.PrintSuccess(fmt.Sprintf("Cleaned %d run directories in %s", len(removed), tempDir))
		},
	}
}
