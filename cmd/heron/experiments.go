package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/experiment"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/spf13/cobra"
)

var (
	listTenant string
	listStatus string
)

var experimentsCmd = &cobra.Command{
	Use:   "experiments",
	Short: "Inspect experiments in the configured store",
}

var experimentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments",
	RunE:  runExperimentsList,
}

var experimentsResultsCmd = &cobra.Command{
	Use:   "results <id>",
	Short: "Show per-variant results for an experiment",
	Long:  `Show participants, conversions, confidence intervals and significance against control.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentsResults,
}

func init() {
	experimentsListCmd.Flags().StringVar(&listTenant, "tenant", "", "only experiments visible to this tenant")
	experimentsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (draft, running, paused, completed, cancelled)")

	experimentsCmd.AddCommand(experimentsListCmd, experimentsResultsCmd)
	rootCmd.AddCommand(experimentsCmd)
}

// openEngine builds an experiment engine over the configured store. The
// caller closes the returned repository.
func openEngine() (*experiment.Engine, domain.Repository, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return experiment.NewEngine(repo, cache.NewLRUCache(100), nil, cfg.Experiment), repo, nil
}

func runExperimentsList(cmd *cobra.Command, args []string) error {
	engine, repo, err := openEngine()
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := context.Background()
	var exps []*domain.Experiment
	if listTenant != "" {
		exps, err = engine.ListExperiments(ctx, listTenant, domain.ExperimentStatus(listStatus))
	} else {
		exps, err = repo.ListExperiments(ctx, domain.ExperimentStatus(listStatus))
	}
	if err != nil {
		return fmt.Errorf("failed to list experiments: %w", err)
	}

	return printExperiments(cmd, exps)
}

func printExperiments(cmd *cobra.Command, exps []*domain.Experiment) error {
	out := cmd.OutOrStdout()
	if len(exps) == 0 {
		fmt.Fprintln(out, "No experiments.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTENANT\tTYPE\tSTATUS\tVARIANTS\tTRAFFIC\tCREATED")
	for _, exp := range exps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.0f%%\t%s\n",
			exp.ID,
			exp.TenantID,
			exp.Type,
			strings.ToUpper(string(exp.Status)),
			len(exp.Variants),
			exp.Audience.TrafficAllocation*100,
			exp.CreatedAt.Format("2006-01-02"),
		)
	}
	return w.Flush()
}

func runExperimentsResults(cmd *cobra.Command, args []string) error {
	engine, repo, err := openEngine()
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := context.Background()
	exp, err := engine.GetExperiment(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get experiment: %w", err)
	}
	results, err := engine.GetExperimentResults(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("failed to compute results: %w", err)
	}

	printResults(cmd, exp, results)
	return nil
}

func printResults(cmd *cobra.Command, exp *domain.Experiment, res *domain.ExperimentResults) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "EXPERIMENT: %s (%s)\n", exp.ID, exp.Name)
	fmt.Fprintf(out, "STATUS: %s\n", exp.Status)
	if exp.PrimaryMetric != "" {
		fmt.Fprintf(out, "METRIC: %s\n", exp.PrimaryMetric)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tUSERS\tCONVERSIONS\tRATE\tCI\tCONFIDENCE\tREV/USER")
	for _, v := range res.Variants {
		name := v.VariantID
		if v.IsControl {
			name += " (control)"
		}
		ci := "N/A"
		if v.Participants > 0 {
			ci = fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower*100, v.CIUpper*100)
		}
		confidence := "-"
		if !v.IsControl {
			confidence = fmt.Sprintf("%.1f%%", v.Significance*100)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%.2f%%\t%s\t%s\t%.2f\n",
			name, v.Participants, v.Conversions, v.ConversionRate*100, ci, confidence, v.RevenuePerUser)
	}
	w.Flush()
	fmt.Fprintln(out)

	switch {
	case res.Winner != "":
		fmt.Fprintf(out, "Winner: %q with %.1f%% confidence\n", res.Winner, res.Confidence*100)
	case res.Status == domain.ResultsNoData:
		fmt.Fprintln(out, "No data yet.")
	default:
		fmt.Fprintln(out, "No significant winner yet.")
		if res.RequiredSample > 0 {
			fmt.Fprintf(out, "Estimated sample needed per variant: %d\n", res.RequiredSample)
		}
	}
}
