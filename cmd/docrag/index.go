package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/docrag/internal/registry"
)

type tenantIndex struct {
	registry.Stats
	UUID string `json:"uuid,omitempty"`
}

func newIndexCmd(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Show vector index statistics",
		Long: `Show vector index statistics for the tenant, or for every known tenant
with --all. Persisted indexes are loaded to be counted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				tenants := []string{opts.tenant}
				if all {
					tenants = a.registry.Tenants()
				}

				out := make([]tenantIndex, 0, len(tenants))
				for _, t := range tenants {
					if _, err := a.registry.Load(cmd.Context(), t); err != nil {
						return fmt.Errorf("failed to load index for %s: %w", t, err)
					}
					ti := tenantIndex{Stats: a.registry.Stats(t)}
					if e, ok := a.registry.Lookup(t); ok {
						ti.UUID = e.UUID
					}
					out = append(out, ti)
				}

				if opts.json {
					return outputJSON(cmd.OutOrStdout(), out)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TENANT\tCHUNKS\tDIMENSION\tMODEL")
				for _, ti := range out {
					if !ti.Resident {
						fmt.Fprintf(w, "%s\t0\t-\t-\n", ti.TenantID)
						continue
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", ti.TenantID, ti.Count, ti.Dimension, ti.Model)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "show every known tenant")
	return cmd
}
