package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BradenHooton/neurolock/internal/app"
	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/BradenHooton/neurolock/internal/services"
	"github.com/spf13/cobra"
)

var (
	staffEmail         string
	staffName          string
	staffRole          string
	staffPasswordStdin bool
)

var staffCmd = &cobra.Command{
	Use:   "staff",
	Short: "Staff account administration",
}

var staffCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a staff account",
	Long: `Provision an active staff account. The password is read from the first line
of stdin with --password-stdin, otherwise from NEUROLOCK_STAFF_PASSWORD.
Use this to bootstrap the first administrator.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			staff, err := a.Staff.Create(ctx, "", services.CreateStaffInput{
				Email:    staffEmail,
				Name:     staffName,
				Role:     models.Role(staffRole),
				Password: password,
			}, cliMeta)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) id=%s\n", staff.Email, staff.Role, staff.ID)
			return nil
		})
	},
}

var staffUnlockCmd = &cobra.Command{
	Use:   "unlock <email>",
	Short: "Lift any lock on a staff account",
	Long:  `Lift a failed-attempts, security-breach or admin lock. Security-breach locks should only be lifted after review.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			staff, err := a.Staff.GetByEmail(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.Staff.Unlock(ctx, "", staff.ID, cliMeta); err != nil {
				if errors.Is(err, models.ErrNotLocked) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is not locked\n", staff.Email)
					return nil
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", staff.Email)
			return nil
		})
	},
}

var staffLockStatusCmd = &cobra.Command{
	Use:   "lock-status <email>",
	Short: "Show the lockout record of a staff account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			staff, err := a.Staff.GetByEmail(ctx, args[0])
			if err != nil {
				return err
			}
			rec, err := a.Staff.LockStatus(ctx, staff.ID)
			if err != nil {
				return err
			}
			printLockStatus(cmd.OutOrStdout(), rec, time.Now())
			return nil
		})
	},
}

func printLockStatus(out io.Writer, rec *models.LockoutRecord, now time.Time) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "locked\t%t\n", rec.IsLocked(now))
	fmt.Fprintf(tw, "failed attempts\t%d\n", rec.FailedCount)
	if rec.LockedAt == nil {
		return
	}
	fmt.Fprintf(tw, "reason\t%s\n", rec.Reason)
	fmt.Fprintf(tw, "locked at\t%s\n", rec.LockedAt.Format(time.RFC3339))
	if rec.LockedUntil == nil {
		fmt.Fprintf(tw, "locked until\tadmin review\n")
	} else {
		fmt.Fprintf(tw, "locked until\t%s\n", rec.LockedUntil.Format(time.RFC3339))
	}
}

func readPassword(stdin io.Reader) (string, error) {
	if staffPasswordStdin {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if p := strings.TrimRight(line, "\r\n"); p != "" {
			return p, nil
		}
		return "", errors.New("empty password on stdin")
	}
	if p := os.Getenv("NEUROLOCK_STAFF_PASSWORD"); p != "" {
		return p, nil
	}
	return "", errors.New("password required: use --password-stdin or NEUROLOCK_STAFF_PASSWORD")
}

func init() {
	staffCreateCmd.Flags().StringVar(&staffEmail, "email", "", "login identifier")
	staffCreateCmd.Flags().StringVar(&staffName, "name", "", "display name")
	staffCreateCmd.Flags().StringVar(&staffRole, "role", string(models.RoleAdmin), "psychiatrist, psychologist, therapist, nurse or admin")
	staffCreateCmd.Flags().BoolVar(&staffPasswordStdin, "password-stdin", false, "read the password from stdin")
	_ = staffCreateCmd.MarkFlagRequired("email")

	staffCmd.AddCommand(staffCreateCmd, staffUnlockCmd, staffLockStatusCmd)
	rootCmd.AddCommand(staffCmd)
}
