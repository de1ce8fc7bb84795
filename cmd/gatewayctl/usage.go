package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/query-gateway/internal/billing"
)

func newUsageCmd(d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect recorded tenant usage",
	}
	cmd.AddCommand(newUsageDailyCmd(d))
	return cmd
}

func newUsageDailyCmd(d deps) *cobra.Command {
	var (
		tenantID string
		from, to string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Show per-day aggregates for a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			end := time.Now().UTC()
			start := end.AddDate(0, 0, -7)
			var err error
			if from != "" {
				if start, err = time.Parse(time.DateOnly, from); err != nil {
					return fmt.Errorf("invalid --from (use YYYY-MM-DD): %w", err)
				}
			}
			if to != "" {
				if end, err = time.Parse(time.DateOnly, to); err != nil {
					return fmt.Errorf("invalid --to (use YYYY-MM-DD): %w", err)
				}
			}

			store, closeStore, err := d.openUsageStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			aggs, err := store.DailyAggregates(cmd.Context(), tenantID, start, end)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(aggs)
			}
			return renderDaily(cmd, aggs)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID")
	cmd.Flags().StringVar(&from, "from", "", "First day, YYYY-MM-DD (default: 7 days ago)")
	cmd.Flags().StringVar(&to, "to", "", "Last day, YYYY-MM-DD (default: today)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func renderDaily(cmd *cobra.Command, aggs []*billing.DailyAggregate) error {
	if len(aggs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no usage recorded")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DAY\tQUERIES\tFAILED\tTOKENS\tCOST (USD)")
	for _, a := range aggs {
		parts := make([]string, 0, len(a.TokensByProvider))
		for p, n := range a.TokensByProvider {
			parts = append(parts, fmt.Sprintf("%s=%d", p, n))
		}
		sort.Strings(parts)
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			a.Day.Format(time.DateOnly), a.TotalQueries, a.FailedQueries, strings.Join(parts, " "), a.TotalCost.StringFixed(6))
	}
	return w.Flush()
}
