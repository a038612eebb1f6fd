package frequency

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "frequency-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func saveDecision(t *testing.T, repo domain.Repository, tenantID, customerID, requestID string, at time.Time) {
	t.Helper()
	err := repo.SaveDecision(context.Background(), tenantID, &domain.DecisionResult{
		RequestID:    requestID,
		CustomerID:   customerID,
		TenantID:     tenantID,
		DecisionType: domain.DecisionNextBestAction,
		Timestamp:    at,
	})
	if err != nil {
		t.Fatalf("failed to save decision: %v", err)
	}
}

func TestFrequencyService(t *testing.T) {
	repo := newTestRepo(t)
	svc := NewService(repo)

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("EmptyHistory", func(t *testing.T) {
		count, err := svc.CountDecisions(ctx, tenantID, "cust-001", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0, got %d", count)
		}
	})

	t.Run("WithinWindow", func(t *testing.T) {
		now := time.Now().UTC()
		for i := 0; i < 3; i++ {
			saveDecision(t, repo, tenantID, "cust-001", fmt.Sprintf("req-%d", i), now)
		}
		// outside the one-hour window
		saveDecision(t, repo, tenantID, "cust-001", "req-old", now.Add(-2*time.Hour))

		count, err := svc.CountDecisions(ctx, tenantID, "cust-001", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 3 {
			t.Errorf("expected count 3, got %d", count)
		}

		count, _ = svc.CountDecisions(ctx, tenantID, "cust-001", 3*3600)
		if count != 4 {
			t.Errorf("expected count 4 for wider window, got %d", count)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		count, _ := svc.CountDecisions(ctx, "tenant-002", "cust-001", 3600)
		if count != 0 {
			t.Errorf("expected count 0 for other tenant, got %d", count)
		}
	})

	t.Run("MissingIDs", func(t *testing.T) {
		if _, err := svc.CountDecisions(ctx, "", "cust-001", 3600); err == nil {
			t.Error("expected error for empty tenant")
		}
		if _, err := svc.CountDecisions(ctx, tenantID, "", 3600); err == nil {
			t.Error("expected error for empty customer")
		}
	})
}

func TestFrequencyServiceSeesNewDecisions(t *testing.T) {
	repo := newTestRepo(t)
	svc := NewService(repo)
	ctx := context.Background()
	tenantID := "tenant-001"

	for i := 1; i <= 3; i++ {
		saveDecision(t, repo, tenantID, "cust-001", fmt.Sprintf("req-%d", i), time.Now().UTC())

		count, err := svc.CountDecisions(ctx, tenantID, "cust-001", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != int64(i) {
			t.Errorf("after %d decisions, expected count %d, got %d", i, i, count)
		}
	}
}

func TestFrequencyServiceDefaultWindow(t *testing.T) {
	repo := newTestRepo(t)
	svc := NewService(repo)
	ctx := context.Background()

	now := time.Now().UTC()
	saveDecision(t, repo, "tenant-001", "cust-001", "req-recent", now.Add(-23*time.Hour))
	saveDecision(t, repo, "tenant-001", "cust-001", "req-stale", now.Add(-25*time.Hour))

	count, err := svc.CountDecisions(ctx, "tenant-001", "cust-001", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 decision in the default window, got %d", count)
	}
}
