package probe

import (
	"github.com/spf13/cobra"
)

func newReadiness() *cobra.Command {
	return &cobra.Command{
		Use:   "readiness",
		Short: "Probes the running server's readiness endpoint",
		Run: func(_ *cobra.Command, _ []string) {
			probeEndpoint("/-/ready")
		},
	}
}
