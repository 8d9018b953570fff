package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/intake-bot/internal/segment"
)

var segmentCmd = &cobra.Command{
	Use:   "segment",
	Short: "Classify a set of answers without running the bot",
	Long: `Runs the segmentation rules over answers given as flags and prints the
segment with its cost and duration estimates.

Examples:
  intake-bot segment --consent
  intake-bot segment --children --dispute --location ukraine
  intake-bot segment --location abroad --json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		children, _ := cmd.Flags().GetBool("children")
		consent, _ := cmd.Flags().GetBool("consent")
		dispute, _ := cmd.Flags().GetBool("dispute")
		location, _ := cmd.Flags().GetString("location")
		asJSON, _ := cmd.Flags().GetBool("json")

		loc := segment.Location(location)
		switch loc {
		case segment.LocationUnspecified, segment.LocationUkraine, segment.LocationAbroad, segment.LocationUnknown:
		default:
			return eris.Errorf("segment: unknown location %q (want ukraine, abroad, or unknown)", location)
		}

		res := segment.Classify(segment.Signals{
			HasChildren:     children,
			SpouseConsent:   consent,
			PropertyDispute: dispute,
			SpouseLocation:  loc,
		})
		return printSegment(os.Stdout, res, asJSON)
	},
}

func printSegment(out io.Writer, res segment.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, err := fmt.Fprintf(out, "Segment:  %s\nCost:     %s\nDuration: %s\n", res.Segment, res.Cost, res.Duration)
	return err
}

func init() {
	f := segmentCmd.Flags()
	f.Bool("children", false, "the couple has minor children")
	f.Bool("consent", false, "the spouse agrees to the divorce")
	f.Bool("dispute", false, "there is a property dispute")
	f.String("location", "", "where the spouse lives: ukraine, abroad, or unknown")
	f.Bool("json", false, "print JSON")
	rootCmd.AddCommand(segmentCmd)
}
