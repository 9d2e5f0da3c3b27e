package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Rename a registered identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			utils.ShowError("Invalid identity ID", err, nil)
			return err
		}
		return runLabel(cmd, id, args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(cmd *cobra.Command, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		err := fmt.Errorf("name must not be empty")
		utils.ShowError("Invalid name", err, nil)
		return err
	}

	if err := DB.RenameIdentity(cmd.Context(), id, name); err != nil {
		utils.ShowError("Failed to label identity", err, nil)
		return err
	}

	fmt.Printf("✅ Identity %d labeled as '%s'\n", id, name)
	return nil
}
