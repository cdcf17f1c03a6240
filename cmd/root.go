package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

// actorFlag is recorded as the actor on every mutation made from the CLI.
var actorFlag string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "grovesched",
		Short:         "Tree reservation payment lifecycle: deadlines, reminders, expirations and farm payment policies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&actorFlag, "actor", defaultActor(), "actor recorded on mutations")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newAdminCmd())
	root.AddCommand(newFarmCmd())
	root.AddCommand(newReservationCmd())
	root.AddCommand(newSweepCmd())

	return root
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
