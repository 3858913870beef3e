package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/harvest/display"
	"github.com/teranos/harvest/version"
)

// VersionCmd prints build information
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(info)
		}
		fmt.Println(info)
		return nil
	},
}
