package probe

import (
	"github.com/spf13/cobra"

	"github.com/basin-global/terroir/internal/util/command"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("probe",
		newLiveness(),
		newReadiness(),
	)
}
