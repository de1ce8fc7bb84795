package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/query-gateway/internal/catalog"
)

func newCatalogCmd(d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the provider catalog",
	}
	cmd.AddCommand(newCatalogValidateCmd(d))
	return cmd
}

func newCatalogValidateCmd(d deps) *cobra.Command {
	var (
		file             string
		checkCredentials bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a catalog file with the gateway's startup checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := catalog.Load(file)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tPROVIDER\tMODELS\tTIMEOUT\tIN/TOKEN\tOUT/TOKEN\tCREDENTIAL")
			var missing []string
			for _, e := range cat.Entries() {
				cred := e.CredentialRef
				if checkCredentials {
					if _, err := d.credentials.CredentialFor(e.CredentialRef); err != nil {
						cred += " (missing)"
						missing = append(missing, e.CredentialRef)
					} else {
						cred += " (ok)"
					}
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Priority, e.ID, strings.Join(e.Models(), ","), e.Timeout,
					e.InputCost.String(), e.OutputCost.String(), cred)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if len(missing) > 0 {
				return fmt.Errorf("%w: unresolved credentials: %s", catalog.ErrInvalidProviderConfig, strings.Join(missing, ", "))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog ok: %d providers\n", len(cat.Entries()))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "providers.yaml", "Catalog file")
	cmd.Flags().BoolVar(&checkCredentials, "check-credentials", false, "Also resolve every credential reference")
	return cmd
}
