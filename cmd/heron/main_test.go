package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/features"
	"github.com/spf13/cobra"
)

func TestLoadFeatureFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	doc := `
tenant-001:
  cust-001:
    propensity_to_buy: 0.8
    segment: vip
  cust-002:
    churn_risk: 0.9
tenant-002:
  cust-001:
    preferred_channels: [sms, email]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("failed to write features file: %v", err)
	}

	p := features.NewStaticProvider()
	n, err := loadFeatureFile(path, p)
	if err != nil {
		t.Fatalf("loadFeatureFile failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 customers, got %d", n)
	}

	got, _ := p.GetFeatures(context.Background(), "tenant-001", "cust-001", nil)
	set := features.Set(got)
	if set.Float(features.PropensityToBuy) != 0.8 || set.String(features.Segment) != "vip" {
		t.Errorf("unexpected features: %v", got)
	}

	got, _ = p.GetFeatures(context.Background(), "tenant-002", "cust-001", nil)
	if ch := features.Set(got).Strings(features.PreferredChannels); len(ch) != 2 || ch[0] != "sms" {
		t.Errorf("unexpected channels: %v", ch)
	}

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := loadFeatureFile(filepath.Join(dir, "missing.yaml"), p); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestPrintExperiments(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	if err := printExperiments(cmd, nil); err != nil {
		t.Fatalf("printExperiments failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No experiments.") {
		t.Errorf("unexpected output: %q", buf.String())
	}

	buf.Reset()
	exps := []*domain.Experiment{{
		ID:        "exp-001",
		TenantID:  "tenant-001",
		Type:      domain.ExperimentABTest,
		Status:    domain.ExperimentRunning,
		Variants:  []domain.ExperimentVariant{{ID: "A"}, {ID: "B"}},
		Audience:  domain.TargetAudience{TrafficAllocation: 0.5},
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}}
	if err := printExperiments(cmd, exps); err != nil {
		t.Fatalf("printExperiments failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"exp-001", "RUNNING", "50%", "2026-03-01"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output %q", want, out)
		}
	}
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	exp := &domain.Experiment{ID: "exp-001", Name: "Checkout", Status: domain.ExperimentRunning, PrimaryMetric: "purchase"}
	res := &domain.ExperimentResults{
		Status: domain.ResultsSignificant,
		Variants: []domain.VariantResult{
			{VariantID: "A", Participants: 100, Conversions: 40, ConversionRate: 0.4, IsControl: true},
			{VariantID: "B", Participants: 100, Conversions: 60, ConversionRate: 0.6, Significance: 0.998},
		},
		Winner:     "B",
		Confidence: 0.998,
	}
	printResults(cmd, exp, res)

	out := buf.String()
	for _, want := range []string{"A (control)", "60.00%", `Winner: "B"`, "99.8%"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output %q", want, out)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	if !strings.HasPrefix(buf.String(), "heron dev") {
		t.Errorf("unexpected version output %q", buf.String())
	}
}
