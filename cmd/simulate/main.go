// Traffic simulator for Heron.
//
// Usage:
//
//	go run ./cmd/simulate -url http://localhost:8080 -rates A=0.10,B=0.14 -customers 5000
//
// This tool:
//  1. Creates and starts an experiment with one variant per rate
//  2. Sends a decision request for each simulated customer
//  3. Looks up the customer's variant and converts with that variant's true rate
//  4. Prints observed versus true rates and the engine's significance verdict
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/domain"
)

// Arm is a variant with the conversion rate the simulator draws from.
type Arm struct {
	ID       string
	TrueRate float64
}

// Counters tracks simulator progress.
type Counters struct {
	Decisions   int64
	Fallbacks   int64
	Assigned    int64
	Conversions int64
	Errors      int64

	DecisionTimeMs int64
}

// client wraps the HTTP API for one tenant.
type client struct {
	http     *http.Client
	baseURL  string
	tenantID string
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Heron base URL")
	tenantID := flag.String("tenant", "simulation", "Tenant ID for requests")
	experimentID := flag.String("experiment", "", "Experiment ID (default: generated)")
	rates := flag.String("rates", "A=0.10,B=0.14", "Comma-separated variant=trueRate pairs; the first is control")
	customers := flag.Int("customers", 2000, "Number of simulated customers")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	bandit := flag.Bool("bandit", false, "Run as a Thompson sampling bandit")
	stop := flag.Bool("stop", false, "Stop the experiment after the run")
	seed := flag.Uint64("seed", 1, "Random seed for customer behaviour")
	flag.Parse()

	arms, err := parseRates(*rates)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		flag.PrintDefaults()
		os.Exit(1)
	}
	if *experimentID == "" {
		*experimentID = "sim-" + uuid.New().String()[:8]
	}

	fmt.Println("HERON SIMULATOR")
	fmt.Printf("\nHeron URL:   %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Experiment:  %s\n", *experimentID)
	fmt.Printf("Customers:   %d\n", *customers)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	c := &client{
		http:     &http.Client{Timeout: 10 * time.Second},
		baseURL:  strings.TrimRight(*baseURL, "/"),
		tenantID: *tenantID,
	}

	if err := c.checkHealth(); err != nil {
		fmt.Printf("ERROR: Heron not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("heron is healthy")

	expType := domain.ExperimentABTest
	if *bandit {
		expType = domain.ExperimentBandit
	}
	if err := c.setupExperiment(*experimentID, expType, arms); err != nil {
		fmt.Printf("ERROR: failed to set up experiment: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("experiment %s running with %d variants\n", *experimentID, len(arms))

	start := time.Now()
	counters, assigned := run(c, *experimentID, arms, *customers, *workers, *seed)
	duration := time.Since(start)

	results, err := c.results(*experimentID)
	if err != nil {
		fmt.Printf("ERROR: failed to fetch results: %v\n", err)
		os.Exit(1)
	}
	printResults(os.Stdout, arms, counters, assigned, results, duration)

	if *stop {
		if err := c.post("/experiments/"+*experimentID+"/stop", map[string]string{"reason": "simulation finished"}, nil); err != nil {
			fmt.Printf("ERROR: failed to stop experiment: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("experiment stopped")
	}
}

// parseRates parses "A=0.1,B=0.2" into arms, preserving order.
func parseRates(s string) ([]Arm, error) {
	var arms []Arm
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, rate, ok := strings.Cut(part, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid rate %q, want variant=rate", part)
		}
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil || r < 0 || r > 1 {
			return nil, fmt.Errorf("invalid rate for %s: %q", id, rate)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate variant %s", id)
		}
		seen[id] = true
		arms = append(arms, Arm{ID: id, TrueRate: r})
	}
	if len(arms) < 2 {
		return nil, fmt.Errorf("need at least two variants, got %d", len(arms))
	}
	return arms, nil
}

// experimentBody builds the create request with equal allocations.
func experimentBody(id string, expType domain.ExperimentType, arms []Arm) map[string]any {
	variants := make([]map[string]any, len(arms))
	alloc := 1 / float64(len(arms))
	for i, a := range arms {
		variants[i] = map[string]any{
			"id":            a.ID,
			"allocation":    alloc,
			"configuration": map[string]any{"variant": a.ID},
		}
	}
	return map[string]any{
		"id":                id,
		"name":              "Simulation " + id,
		"type":              expType,
		"trafficAllocation": 1.0,
		"variants":          variants,
		"primaryMetric":     "purchase",
	}
}

func (c *client) setupExperiment(id string, expType domain.ExperimentType, arms []Arm) error {
	if err := c.post("/experiments", experimentBody(id, expType, arms), nil); err != nil {
		return err
	}
	return c.post("/experiments/"+id+"/start", nil, nil)
}

// customerRequest builds a decision request with behaviour drawn from rng.
func customerRequest(customerID string, rng *rand.Rand) map[string]any {
	channels := []string{"email", "sms", "push", "in_app"}
	return map[string]any{
		"customerId":   customerID,
		"decisionType": domain.DecisionNextBestAction,
		"context": map[string]any{
			"behavioral": map[string]any{
				"lifetimeValue":     rng.Float64() * 5000,
				"churnRisk":         rng.Float64(),
				"engagementScore":   rng.Float64() * 100,
				"activityLevel":     []string{"low", "medium", "high"}[rng.IntN(3)],
				"preferredChannels": []string{channels[rng.IntN(len(channels))]},
			},
		},
		"objectives": []map[string]any{
			{"type": "revenue", "weight": 0.5},
			{"type": "retention", "weight": 0.3},
			{"type": "engagement", "weight": 0.2},
		},
	}
}

func run(c *client, experimentID string, arms []Arm, customers, numWorkers int, seed uint64) (*Counters, map[string]int) {
	counters := &Counters{}
	rates := make(map[string]float64, len(arms))
	for _, a := range arms {
		rates[a.ID] = a.TrueRate
	}

	var mu sync.Mutex
	assigned := make(map[string]int, len(arms))

	work := make(chan int, 100)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, uint64(w)))

			for i := range work {
				customerID := fmt.Sprintf("sim-cust-%06d", i)

				start := time.Now()
				var result domain.DecisionResult
				err := c.post("/decisions", customerRequest(customerID, rng), &result)
				atomic.AddInt64(&counters.DecisionTimeMs, time.Since(start).Milliseconds())
				if err != nil {
					atomic.AddInt64(&counters.Errors, 1)
					continue
				}
				atomic.AddInt64(&counters.Decisions, 1)
				if result.FallbackReason != "" {
					atomic.AddInt64(&counters.Fallbacks, 1)
				}

				var assignment struct {
					VariantID string `json:"variantId"`
				}
				if err := c.get("/experiments/"+experimentID+"/assignments/"+customerID, &assignment); err != nil {
					atomic.AddInt64(&counters.Errors, 1)
					continue
				}
				if assignment.VariantID == "" {
					continue
				}
				atomic.AddInt64(&counters.Assigned, 1)
				mu.Lock()
				assigned[assignment.VariantID]++
				mu.Unlock()

				if rng.Float64() >= rates[assignment.VariantID] {
					continue
				}
				conv := map[string]any{
					"customerId": customerID,
					"metric":     "purchase",
					"value":      20 + rng.Float64()*80,
				}
				if err := c.post("/experiments/"+experimentID+"/conversions", conv, nil); err != nil {
					atomic.AddInt64(&counters.Errors, 1)
					continue
				}
				atomic.AddInt64(&counters.Conversions, 1)
			}
		}(w)
	}

	for i := 0; i < customers; i++ {
		work <- i
	}
	close(work)
	wg.Wait()

	return counters, assigned
}

func (c *client) checkHealth() error {
	return c.get("/health", nil)
}

func (c *client) results(experimentID string) (*domain.ExperimentResults, error) {
	var res domain.ExperimentResults
	if err := c.get("/experiments/"+experimentID+"/results", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *client) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *client) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *client) do(method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", c.tenantID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printResults(w io.Writer, arms []Arm, m *Counters, assigned map[string]int, res *domain.ExperimentResults, duration time.Duration) {
	fmt.Fprintln(w, "\nSIMULATION RESULTS")

	fmt.Fprintf(w, "\nTRAFFIC\n")
	fmt.Fprintf(w, "   Decisions:    %d (%d fallbacks)\n", m.Decisions, m.Fallbacks)
	fmt.Fprintf(w, "   Assigned:     %d\n", m.Assigned)
	fmt.Fprintf(w, "   Conversions:  %d\n", m.Conversions)
	fmt.Fprintf(w, "   Errors:       %d\n", m.Errors)

	byID := make(map[string]domain.VariantResult, len(res.Variants))
	for _, v := range res.Variants {
		byID[v.VariantID] = v
	}

	fmt.Fprintf(w, "\nVARIANTS\n")
	fmt.Fprintf(w, "   %-10s %8s %8s %10s %10s %11s\n", "VARIANT", "USERS", "CONV", "TRUE", "OBSERVED", "CONFIDENCE")
	for _, a := range arms {
		v := byID[a.ID]
		fmt.Fprintf(w, "   %-10s %8d %8d %9.2f%% %9.2f%% %10.1f%%\n",
			a.ID, v.Participants, v.Conversions, a.TrueRate*100, v.ConversionRate*100, v.Significance*100)
		if v.Participants != assigned[a.ID] {
			fmt.Fprintf(w, "   note: %s has %d participants server-side, %d seen by this run\n", a.ID, v.Participants, assigned[a.ID])
		}
	}

	best := arms[0]
	for _, a := range arms[1:] {
		if a.TrueRate > best.TrueRate {
			best = a
		}
	}

	fmt.Fprintf(w, "\nVERDICT\n")
	switch {
	case res.Winner == "":
		fmt.Fprintf(w, "   No significant winner yet (status %s)\n", res.Status)
		if res.RequiredSample > 0 {
			fmt.Fprintf(w, "   Estimated sample needed per variant: %d\n", res.RequiredSample)
		}
	case res.Winner == best.ID:
		fmt.Fprintf(w, "   Winner %s matches the best true rate (%.1f%% confidence)\n", res.Winner, res.Confidence*100)
	default:
		fmt.Fprintf(w, "   Winner %s differs from the best true rate %s\n", res.Winner, best.ID)
	}

	fmt.Fprintf(w, "\nPERFORMANCE\n")
	fmt.Fprintf(w, "   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.Decisions > 0 {
		avgMs := float64(m.DecisionTimeMs) / float64(m.Decisions)
		fmt.Fprintf(w, "   Avg Decision:     %.2f ms\n", avgMs)
		fmt.Fprintf(w, "   Throughput:       %.2f decisions/sec\n", float64(m.Decisions)/duration.Seconds())
	}
	fmt.Fprintln(w)
}
