package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var attendanceDate string

var attendanceCmd = &cobra.Command{
	Use:   "attendance",
	Short: "Show who was present on a day",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAttendance(cmd)
	},
}

func init() {
	attendanceCmd.Flags().StringVarP(&attendanceDate, "date", "d", "", "Day to report as YYYY-MM-DD (default: today)")
	rootCmd.AddCommand(attendanceCmd)
}

func runAttendance(cmd *cobra.Command) error {
	date := attendanceDate
	if date == "" {
		loc, err := Cfg.Location()
		if err != nil {
			utils.ShowError("Invalid timezone", err, nil)
			return err
		}
		date = attendance.NewGuard(DB, attendance.WithLocation(loc)).Today()
	}

	summary, err := attendance.Summarize(cmd.Context(), DB, date)
	if err != nil {
		utils.ShowError("Failed to load attendance", err, nil)
		return err
	}

	fmt.Printf("📋 Attendance for %s: %d present\n", summary.Date, summary.TotalPresent)
	if summary.TotalPresent == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nTIME\tID\tNAME\tSOURCE\tCONFIDENCE")
	fmt.Fprintln(w, "----\t--\t----\t------\t----------")
	for _, r := range summary.Records {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.3f\n", r.TimeOfDay, r.IdentityID, r.Name, r.SourceID, r.Confidence)
	}
	w.Flush()
	return nil
}
