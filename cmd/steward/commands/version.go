package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/NOVA-ALLRounder/main-sub001/internal/version"
)

// NewVersionCmd creates the version command
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of Steward",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
