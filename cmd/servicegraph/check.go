package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/anvil-platform/servicegraph/engine"
	"github.com/anvil-platform/servicegraph/internal/manifest"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate a manifest directory without running any service body",
	Long: `Decode every ServiceManifest in --manifests and install them into a scratch
graph whose services do nothing. Reports invalid manifests, duplicate names
and capabilities, required cycles and required dependencies nobody provides,
then prints a start order. Exits non-zero when anything is wrong.`,
	RunE: checkManifests,
}

func init() {
	checkCmd.Flags().StringP("manifests", "m", ".", "directory holding ServiceManifest files")
	rootCmd.AddCommand(checkCmd)
}

// dryCatalog keeps the real factories' config validation but never runs
// their bodies.
func dryCatalog(real manifest.Catalog) manifest.Catalog {
	out := make(manifest.Catalog, len(real))
	for typ, f := range real {
		f := f
		out[typ] = func(rt manifest.Runtime) (engine.Service, error) {
			if _, err := f(rt); err != nil {
				return nil, err
			}
			return manifest.DefaultCatalog()[manifest.DefaultType](rt)
		}
	}
	return out
}

func checkManifests(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	desired, err := manifest.LoadDir(cfg.Manifests)
	if err != nil {
		return err
	}

	ct := engine.New(engine.Options{Logger: logr.Discard(), Metrics: engine.NewMetrics()})
	if err := ct.Start(context.Background()); err != nil {
		return err
	}
	defer shutdown(ct, logger())

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	defer cancel()

	problems := 0
	res, err := manifest.NewSyncer(ct, dryCatalog(manifest.DefaultCatalog()), logr.Discard()).Sync(ctx, desired)
	keys := make([]string, 0, len(res.Invalid))
	for k := range res.Invalid {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		problems++
		fmt.Fprintf(out, "invalid  %s: %v\n", k, res.Invalid[k])
	}
	if err != nil {
		problems++
		fmt.Fprintf(out, "rejected %v\n", err)
		if res.Install != nil {
			for _, f := range res.Install.Services() {
				if f.Outcome() != engine.OutcomeRejected {
					fmt.Fprintf(out, "         %s: %s\n", f.Name(), f.Outcome())
				}
			}
		}
		return fmt.Errorf("%d problem(s) found", problems)
	}

	if err := ct.AwaitSettled(ctx); err != nil {
		return fmt.Errorf("scratch graph did not settle: %w", err)
	}
	for _, st := range ct.Snapshot() {
		if len(st.Missing) > 0 {
			problems++
			fmt.Fprintf(out, "missing  %s needs %v\n", st.Name, st.Missing)
		}
	}

	order, err := ct.Order()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d service(s), start order:\n", len(order))
	for i, n := range order {
		fmt.Fprintf(out, "%4d  %s\n", i+1, n)
	}
	if problems > 0 {
		return fmt.Errorf("%d problem(s) found", problems)
	}
	return nil
}
