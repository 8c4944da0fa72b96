package cmd

import (
	"os"

	"github.com/BradenHooton/neurolock/internal/access"
	"github.com/spf13/cobra"
)

var policyFile string

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Access policy inspection",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Validate and print the effective access policy",
	Long:  `Print the policy the server would load. Without --file this is ACCESS_POLICY_FILE, or the built-in default.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := policyFile
		if path == "" {
			path = os.Getenv("ACCESS_POLICY_FILE")
		}
		p, err := access.LoadPolicy(path)
		if err != nil {
			return err
		}
		return p.Encode(cmd.OutOrStdout())
	},
}

func init() {
	policyShowCmd.Flags().StringVar(&policyFile, "file", "", "policy TOML file")
	policyCmd.AddCommand(policyShowCmd)
	rootCmd.AddCommand(policyCmd)
}
