package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taleforge/api/internal/service"
)

var purgeConfirmed bool

var purgeCmd = &cobra.Command{
	Use:   "purge-jobs",
	Short: "Delete every job, artifact ledger row and referenced object",
	Long: `Delete every personalization job and its artifact ledger rows, then
the stored objects those rows referenced. Book manifests and templates are
not touched. Requires --yes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !purgeConfirmed {
			return errors.New("refusing to purge without --yes")
		}

		a, err := newStack(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		svc := a.personalizationService(service.NewUploadService(a.storage))
		result, err := svc.Purge(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs, %d artifacts, %d objects\n", result.Jobs, result.Artifacts, result.Objects)
		return nil
	},
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeConfirmed, "yes", false, "confirm the purge")
}
