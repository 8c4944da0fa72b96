package cmd

import (
	"context"
	"fmt"

	"github.com/BradenHooton/neurolock/internal/app"
	"github.com/spf13/cobra"
)

var backupCodesCmd = &cobra.Command{
	Use:   "backup-codes",
	Short: "Backup code administration",
}

var backupCodesGenerateCmd = &cobra.Command{
	Use:   "generate <email>",
	Short: "Replace a staff member's backup codes",
	Long: `Generate a fresh set of backup codes. Earlier codes stop working.
The codes are printed once and must be handed to the staff member out of band.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			staff, err := a.Staff.GetByEmail(ctx, args[0])
			if err != nil {
				return err
			}
			codes, err := a.Recovery.GenerateBackupCodes(ctx, staff.ID, cliMeta)
			if err != nil {
				return err
			}
			for _, c := range codes {
				fmt.Fprintln(cmd.OutOrStdout(), c)
			}
			return nil
		})
	},
}

func init() {
	backupCodesCmd.AddCommand(backupCodesGenerateCmd)
	rootCmd.AddCommand(backupCodesCmd)
}
