package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AlexWilkinsonnn/lblpwgtools/internal/api"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/config"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/experiment"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/extrap"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/logging"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/osc"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/predict"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/prism"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/runplan"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/store"
	"github.com/AlexWilkinsonnn/lblpwgtools/internal/syst"
)

var (
	// Global flags
	configFile string
	verbose    bool
	jsonOut    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "prism",
		Short: "PRISM near-to-far extrapolation tools",
		Long: `Inspect run plans and oscillation settings, evaluate saved PRISM
predictions and experiments, and move saved objects between store backends.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if verbose {
				level = "debug"
			}
			log, err := logging.New(level)
			if err != nil {
				return err
			}
			logging.Set(log)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "prism.yaml", "Analysis config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(runPlanCmd())
	rootCmd.AddCommand(calcCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(matchCmd())
	rootCmd.AddCommand(chiSqCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(copyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runPlanCmd prints the configured ND run plans
func runPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runplan",
		Short: "Show the ND exposure at every off-axis stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			plans := map[string]runplan.RunPlan{}
			for _, mode := range []string{config.PlanNu, config.PlanNubar} {
				if _, ok := cfg.Plan[mode]; !ok {
					continue
				}
				if plans[mode], err = cfg.RunPlan(mode); err != nil {
					return err
				}
			}
			if jsonOut {
				return printJSON(plans)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODE\tHORN (kA)\tOFF-AXIS (m)\tPOT\tPOT-YEARS")
			for _, mode := range []string{config.PlanNu, config.PlanNubar} {
				rp, ok := plans[mode]
				if !ok {
					continue
				}
				for _, s := range rp.Stops {
					fmt.Fprintf(w, "%s\t%d\t[%g, %g)\t%.3e\t%.3f\n", mode, s.HornCurrent, s.Min, s.Max, s.POT, s.POT/runplan.POTPerYear)
				}
				fmt.Fprintf(w, "%s\ttotal\t\t%.3e\t%.3f\n", mode, rp.PlanPOT(), rp.PlanPOT()/runplan.POTPerYear)
			}
			return w.Flush()
		},
	}
}

// calcCmd prints the oscillation parameters after overrides
func calcCmd() *cobra.Command {
	var set map[string]string
	cmd := &cobra.Command{
		Use:   "calc",
		Short: "Show the oscillation parameters in configuration units",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			calc, err := cfg.Calc()
			if err != nil {
				return err
			}
			overrides := make(map[string]float64, len(set))
			for k, v := range set {
				if overrides[k], err = strconv.ParseFloat(v, 64); err != nil {
					return fmt.Errorf("--set %s: %w", k, err)
				}
			}
			if calc, err = osc.Configure(overrides, calc); err != nil {
				return err
			}
			values := osc.Values(calc)
			if jsonOut {
				return printJSON(values)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, k := range osc.ConfigKeys {
				fmt.Fprintf(w, "%s\t%g\n", k, values[k])
			}
			if fp, ok := osc.FingerprintOf(calc); ok {
				fmt.Fprintf(w, "fingerprint\t%s\n", fp.Short())
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringToStringVar(&set, "set", nil, "Override a parameter, e.g. --set deltapi=1.5")
	return cmd
}

// predictCmd evaluates a saved PRISM composer
func predictCmd() *cobra.Command {
	var (
		key        string
		match      string
		pot        float64
		components []string
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Evaluate a saved PRISM prediction at the configured oscillation point",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			loaded, err := predict.LoadFrom(ctx, st, key)
			if err != nil {
				return err
			}
			p, ok := loaded.(*prism.Prediction)
			if !ok {
				return fmt.Errorf("%s holds a %T, not a PRISM prediction", key, loaded)
			}
			if err := cfg.Configure(p); err != nil {
				return err
			}

			req := api.PredictRequest{Osc: cfg.Osc, Shifts: cfg.Shifts, Match: match, Components: components, POT: pot}
			if err := req.Validate(); err != nil {
				return err
			}
			calc, shifts, err := req.Resolve(syst.Default())
			if err != nil {
				return err
			}
			mc := prism.NumuDisappearanceNumode
			if match != "" {
				mc, _ = prism.ParseMatchChan(match)
			}
			if pot == 0 {
				pot = cfg.TotalPOT
			}

			logging.L().Debug("composing prediction", zap.Stringer("match", mc), zap.Stringer("shifts", shifts))
			comps := p.PredictPRISMComponents(calc, shifts, mc)
			out := map[string]api.Histogram{}
			for c, s := range comps {
				if len(components) > 0 && !contains(components, c.String()) {
					continue
				}
				out[c.String()] = api.NewHistogram(s, pot)
			}
			if jsonOut {
				return printJSON(api.PredictResponse{Match: mc.String(), POT: pot, Components: out})
			}

			names := make([]string, 0, len(out))
			for n := range out {
				names = append(names, n)
			}
			sort.Strings(names)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "COMPONENT\tEVENTS @ %.3e POT\n", pot)
			for _, n := range names {
				fmt.Fprintf(w, "%s\t%.4g\n", n, comps[mustComponent(n)].Integral(pot))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&key, "key", "prism", "Store key of the saved composer")
	cmd.Flags().StringVar(&match, "match", "", "Match channel, e.g. numu_numode->nue_numode")
	cmd.Flags().Float64Var(&pot, "pot", 0, "Exposure to report at (default: total_pot)")
	cmd.Flags().StringSliceVar(&components, "component", nil, "Components to report (default: all)")
	return cmd
}

// matchCmd prints the coefficients of a saved matcher
func matchCmd() *cobra.Command {
	var (
		key   string
		match string
	)
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Solve (or look up) the off-axis coefficients of a saved matcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			x, err := extrap.LoadFrom(ctx, st, key, cfg.Matcher.CacheSize, nil)
			if err != nil {
				return err
			}
			mc, err := prism.ParseMatchChan(match)
			if err != nil {
				return err
			}
			calc, err := cfg.Calc()
			if err != nil {
				return err
			}
			shifts, err := cfg.SystShifts()
			if err != nil {
				return err
			}
			maxOffAxis := cfg.Matcher.MaxOffAxis
			if maxOffAxis == 0 {
				maxOffAxis = math.MaxFloat64
			}
			c := x.GetMatchCoefficients(calc, shifts, maxOffAxis, mc.ND.Species(), mc.FD.Species())
			if jsonOut {
				return printJSON(c)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "%s (%s matcher, %d solves)\n", mc, x.Mode(), x.Solves())
			fmt.Fprintln(w, "BIN\t293 kA\t280 kA")
			for i, v := range c.HC293 {
				hc280 := "-"
				if i < len(c.HC280) {
					hc280 = strconv.FormatFloat(c.HC280[i], 'g', 6, 64)
				}
				fmt.Fprintf(w, "%d\t%.6g\t%s\n", i, v, hc280)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&key, "key", "prism/matcher", "Store key of the saved matcher")
	cmd.Flags().StringVar(&match, "match", prism.NumuDisappearanceNumode.String(), "Match channel")
	return cmd
}

// chiSqCmd evaluates a saved experiment
func chiSqCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "chisq",
		Short: "Evaluate a saved experiment at the configured oscillation point",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			e, err := experiment.LoadFrom(ctx, st, key)
			if err != nil {
				return err
			}
			calc, err := cfg.Calc()
			if err != nil {
				return err
			}
			shifts, err := cfg.SystShifts()
			if err != nil {
				return err
			}
			chi := e.ChiSq(ctx, calc, shifts)
			if jsonOut {
				return printJSON(map[string]interface{}{"key": key, "statistic": e.Statistic().String(), "chisq": chi})
			}
			fmt.Printf("%s (%s): chi2 = %.6g\n", key, e.Statistic(), chi)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "experiment", "Store key of the saved experiment")
	return cmd
}

// keysCmd lists stored objects
func keysCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List stored objects and their types",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			keys, err := st.Keys(ctx, prefix)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, k := range keys {
				typ, err := store.TypeOf(ctx, st, k)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\n", k, typ)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only list keys with this prefix")
	return cmd
}

// copyCmd copies stored objects to another backend
func copyCmd() *cobra.Command {
	var (
		prefix string
		dst    store.Config
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy stored objects to another backend",
		Long: `Copies every object under --prefix from the configured store to the
destination backend. Existing destination keys are overwritten.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, src, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer src.Close()

			if dryRun {
				keys, err := src.Keys(ctx, prefix)
				if err != nil {
					return err
				}
				fmt.Printf("Would copy %d objects to %s\n", len(keys), dst.Backend)
				return nil
			}
			out, err := store.Open(ctx, dst)
			if err != nil {
				return fmt.Errorf("failed to open destination: %w", err)
			}
			n, err := store.Copy(ctx, src, out, prefix)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("copy failed after %d objects: %w", n, err)
			}
			fmt.Printf("Copied %d objects to %s\n", n, dst.Backend)
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only copy keys with this prefix")
	cmd.Flags().StringVar(&dst.Backend, "to", "memory", "Destination backend: memory, redis or postgres")
	cmd.Flags().StringVar(&dst.Snapshot, "to-snapshot", "", "Destination snapshot file (memory)")
	cmd.Flags().StringVar(&dst.RedisAddr, "to-redis", "localhost:6379", "Destination Redis address")
	cmd.Flags().IntVar(&dst.RedisDB, "to-redis-db", 0, "Destination Redis database")
	cmd.Flags().StringVar(&dst.PostgresConn, "to-postgres", "", "Destination Postgres connection string")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Count the objects without copying")
	return cmd
}

func openStore(ctx context.Context) (*config.Config, store.Store, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	return cfg, st, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func mustComponent(name string) prism.Component {
	c, _ := prism.ParseComponent(name)
	return c
}
