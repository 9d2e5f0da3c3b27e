package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/utils"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <identity_id> <image_path_or_url>",
	Short: "Check whether an image shows the claimed identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			utils.ShowError("Invalid identity ID", err, nil)
			return err
		}
		return runVerify(cmd, id, args[1])
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, id int64, src string) error {
	ctx := cmd.Context()

	_, vec, err := analyzeSource(ctx, src)
	if err != nil {
		return err
	}
	snap, err := loadIndex(ctx)
	if err != nil {
		return err
	}

	engine := newEngine(0)
	ok, sim, err := engine.Verify(vec, id, snap)
	if err != nil {
		utils.ShowError("Verification failed", err, nil)
		return err
	}

	entry, _ := snap.Lookup(id)
	if ok {
		fmt.Printf("✅ Verified: %s (ID: %d, similarity %.3f)\n", entry.Name, id, sim)
	} else {
		fmt.Printf("❌ Not verified: %s (ID: %d, similarity %.3f, threshold %.2f)\n",
			entry.Name, id, sim, engine.Thresholds().Verification)
	}
	return nil
}
