package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/intake-bot/internal/model"
	"github.com/sells-group/intake-bot/internal/store"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "List recent leads, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("leads"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		seg, _ := cmd.Flags().GetString("segment")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		leads, err := st.ListLeads(ctx, store.LeadFilter{
			Segment: seg,
			Status:  model.LeadStatus(status),
			Limit:   limit,
		})
		if err != nil {
			return eris.Wrap(err, "leads list")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(leads)
		}
		if len(leads) == 0 {
			fmt.Fprintln(os.Stderr, "No leads found.")
			return nil
		}
		formatLeads(os.Stdout, leads)
		return nil
	},
}

func formatLeads(out io.Writer, leads []model.Lead) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "COMPLETED\tTELEGRAM_ID\tNAME\tPHONE\tSEGMENT\tSTATUS")
	_, _ = fmt.Fprintln(w, "---------\t-----------\t----\t-----\t-------\t------")

	for _, l := range leads {
		name := l.Name
		if l.Username != "" {
			name += " (" + l.Username + ")"
		}
		if r := []rune(name); len(r) > 30 {
			name = string(r[:27]) + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			l.CompletedAt.Format("2006-01-02 15:04"),
			l.TelegramID,
			name,
			l.Phone,
			l.Segment,
			l.Status,
		)
	}
	_ = w.Flush()
}

func init() {
	f := leadsCmd.Flags()
	f.String("segment", "", "filter by segment (A, B, C, D)")
	f.String("status", "", "filter by status (new, scheduled)")
	f.Int("limit", 20, "maximum number of leads")
	f.Bool("json", false, "print JSON")
	rootCmd.AddCommand(leadsCmd)
}
