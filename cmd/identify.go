package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/enroll"
	"github.com/andresmejia3/rollcall/internal/index"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var (
	identifyTopK    int
	identifyMinSim  float64
	identifySimilar bool
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path_or_url>",
	Short: "Recognize the face in a still image against registered identities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0])
	},
}

func init() {
	identifyCmd.Flags().IntVarP(&identifyTopK, "top", "k", 0, "Number of candidates to show (default from config)")
	identifyCmd.Flags().BoolVar(&identifySimilar, "similar", false, "List every identity above --min-similarity instead of a single decision")
	identifyCmd.Flags().Float64Var(&identifyMinSim, "min-similarity", 0.5, "Lower bound for --similar")
	rootCmd.AddCommand(identifyCmd)
}

// analyzeSource loads an image from disk or URL and runs the model on it.
func analyzeSource(ctx context.Context, src string) (*types.Face, []float32, error) {
	img, err := enroll.DefaultFetcher().Fetch(ctx, src)
	if err != nil {
		utils.ShowError("Failed to read image", err, nil)
		return nil, nil, err
	}

	w, err := startModel()
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return nil, nil, err
	}
	defer w.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	a := &enroll.Analyzer{Detector: w, Embedder: w, Timeout: Cfg.Model.Timeout}
	face, vec, err := a.Analyze(ctx, img)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd())
		return nil, nil, err
	}
	return face, vec, nil
}

func loadIndex(ctx context.Context) (*index.Snapshot, error) {
	fmt.Fprintln(os.Stderr, "🗄️  Loading registered identities...")
	snap, err := index.Load(ctx, DB, types.EmbeddingDim, Logger)
	if err != nil {
		utils.ShowError("Failed to load identities", err, nil)
		return nil, err
	}
	return snap, nil
}

// newEngine builds the matcher from Cfg, ranking at least minTopK candidates.
func newEngine(minTopK int) *matcher.Engine {
	th := matcher.Thresholds{
		Recognition:  Cfg.Matching.RecognitionThreshold,
		Verification: Cfg.Matching.VerificationThreshold,
	}
	return matcher.New(th, max(minTopK, Cfg.Matching.TopK))
}

func runIdentify(ctx context.Context, src string) error {
	_, vec, err := analyzeSource(ctx, src)
	if err != nil {
		return err
	}
	snap, err := loadIndex(ctx)
	if err != nil {
		return err
	}
	if snap.Len() == 0 {
		fmt.Println("❌ No identities registered. Use 'rollcall enroll' first.")
		return nil
	}

	engine := newEngine(identifyTopK)

	if identifySimilar {
		k := identifyTopK
		if k <= 0 {
			k = snap.Len()
		}
		printCandidates(engine.FindSimilar(vec, snap, k, identifyMinSim))
		return nil
	}

	res := engine.Recognize(vec, snap)
	fmt.Println(describeResult(res, engine.Thresholds().Recognition))

	ranking := res.Ranking
	if identifyTopK > 0 && identifyTopK < len(ranking) {
		ranking = ranking[:identifyTopK]
	}
	printCandidates(ranking)
	return nil
}

// describeResult renders the recognition decision. An unknown face reports the closest
// candidate's similarity since Result.Similarity is only set on a match.
func describeResult(res matcher.Result, threshold float64) string {
	if res.Match != nil {
		return fmt.Sprintf("✅ Found Match: %s (ID: %d, similarity %.3f)", res.Match.Name, res.Match.ID, res.Match.Similarity)
	}
	if len(res.Ranking) == 0 {
		return fmt.Sprintf("❌ Unknown face (no candidates, threshold %.2f)", threshold)
	}
	return fmt.Sprintf("❌ Unknown face (best similarity %.3f, threshold %.2f)", res.Ranking[0].Similarity, threshold)
}

func printCandidates(cands []matcher.Candidate) {
	if len(cands) == 0 {
		fmt.Println("No candidates.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nRANK\tID\tNAME\tSIMILARITY\tDISTANCE")
	fmt.Fprintln(w, "----\t--\t----\t----------\t--------")
	for i, c := range cands {
		fmt.Fprintf(w, "%d\t%d\t%s\t%.3f\t%.3f\n", i+1, c.ID, c.Name, c.Similarity, c.Distance())
	}
	w.Flush()
}
