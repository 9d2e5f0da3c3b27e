package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/enroll"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <name> <image_path_or_url>",
	Short: "Register a person, or replace their reference face",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd, args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(cmd *cobra.Command, name, src string) error {
	ctx := cmd.Context()

	w, err := startModel()
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	e := &enroll.Enroller{
		Analyzer: &enroll.Analyzer{Detector: w, Embedder: w, Timeout: Cfg.Model.Timeout},
		Store:    DB,
		Fetcher:  enroll.DefaultFetcher(),
		Logger:   Logger,
	}

	fmt.Println("🔍 Analyzing face...")
	res, err := e.Enroll(ctx, name, src)
	if err != nil {
		utils.ShowError("Enrollment failed", err, w.Cmd())
		return err
	}

	if res.Created {
		fmt.Printf("✅ Registered %s (ID: %d)\n", res.Name, res.ID)
	} else {
		fmt.Printf("♻️  Updated reference face for %s (ID: %d)\n", res.Name, res.ID)
	}
	return nil
}
