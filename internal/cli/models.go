package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/harun/relay/internal/config"
	"github.com/harun/relay/internal/logger"
	"github.com/harun/relay/pkg/models"
	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models in the catalog",
		Args:  cobra.NoArgs,

		SilenceUsage:  true,
		SilenceErrors: true,

		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, closeCatalog, err := loadCatalog(cmd)
			if err != nil {
				return err
			}
			defer closeCatalog()

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), catalog.Providers())
			}
			return printCatalog(cmd.OutOrStdout(), catalog)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog as JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <name>",
		Short: "Show the providers a model name resolves to, in fallback order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, closeCatalog, err := loadCatalog(cmd)
			if err != nil {
				return err
			}
			defer closeCatalog()

			resolver := models.NewResolver(models.ResolverConfig{Catalog: catalog})
			candidates, err := resolver.Resolve(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, d := range candidates.All() {
				fmt.Fprintf(out, "%d. %s", i+1, d.String())
				if d.UpstreamModelID != d.ModelID {
					fmt.Fprintf(out, " (upstream %s)", d.UpstreamModelID)
				}
				if d.WasExplicit {
					fmt.Fprint(out, " [explicit]")
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	})

	return cmd
}

func loadCatalog(cmd *cobra.Command) (models.Catalog, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := consoleLogger(cfg, cmd)
	if err != nil {
		return nil, nil, err
	}
	return newCatalog(cfg, log.Zerolog())
}

// consoleLogger logs to stderr only; management commands skip the log file.
func consoleLogger(cfg *config.Config, cmd *cobra.Command) (*logger.Logger, error) {
	lc := *cfg
	lc.Logging.File = ""
	return newLogger(&lc, false, cmd.ErrOrStderr())
}

func printCatalog(w io.Writer, catalog models.Catalog) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tNAME\tUPSTREAM")
	for _, p := range catalog.Providers() {
		ids := p.ModelIDs()
		sort.Strings(ids)
		for _, id := range ids {
			m, _ := p.Model(id)
			fmt.Fprintf(tw, "%s/%s\t%s\t%s\n", p.ID, id, m.Name, m.UpstreamID())
		}
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
