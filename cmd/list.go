package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/utils"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList(cmd)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) error {
	identities, err := DB.ListRegistered(cmd.Context())
	if err != nil {
		utils.ShowError("Failed to list identities", err, nil)
		return err
	}

	if len(identities) == 0 {
		fmt.Println("No identities registered yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tUPDATED")
	fmt.Fprintln(w, "--\t----\t-------")

	for _, id := range identities {
		fmt.Fprintf(w, "%d\t%s\t%s\n", id.ID, id.Name, id.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	fmt.Printf("\n%d registered\n", len(identities))
	return nil
}
