//go:build integration

package emergency

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/edqueue/internal/platform/clock"
	"github.com/ehr/edqueue/internal/platform/db"
)

func setupPG(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: url, MaxConns: 4, MinConns: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.NewMigrator(pool, filepath.Join("..", "..", "..", "migrations")).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE removal_log, queue_entry, triage_record, patient`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

func newPGService(pool *pgxpool.Pool, clk clock.Clock) *Service {
	svc := NewService(NewQueue(clk),
		NewPatientRepoPG(pool), NewTriageRepoPG(pool), NewQueueRepoPG(pool), NewRemovalRepoPG(pool),
		zerolog.Nop())
	svc.SetTransactor(db.NewTransactor(pool))
	return svc
}

func TestPG_FullFlowAndRestore(t *testing.T) {
	pool := setupPG(t)
	ctx := context.Background()
	clk := clock.NewManaged(time.Now().UTC().Truncate(time.Microsecond))
	svc := newPGService(pool, clk)

	var ids []uuid.UUID
	for i, a := range []AcuityClass{AcuityGreen, AcuityOrange, AcuityRed, AcuityBlue} {
		p := &Patient{Name: string(a), CPF: uuid.NewString()[:14]}
		if err := svc.RegisterPatient(ctx, p); err != nil {
			t.Fatalf("RegisterPatient %d: %v", i, err)
		}
		if _, err := svc.CompleteTriage(ctx, &TriageRecord{PatientID: p.ID, Acuity: a, TriagedBy: "nurse"}); err != nil {
			t.Fatalf("CompleteTriage %d: %v", i, err)
		}
		ids = append(ids, p.ID)
		clk.WarpForward(time.Minute)
	}

	called, err := svc.CallNext(ctx)
	if err != nil || called.ID != ids[1] {
		t.Fatalf("CallNext = %v, %v", called, err)
	}
	if _, err := svc.Remove(ctx, ids[3], "left", "rec"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	restored := newPGService(pool, clk)
	n, err := restored.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 active rows, got %d", n)
	}
	q := restored.Queue()
	if e, ok := q.InService(); !ok || e.ID != ids[1] {
		t.Fatalf("in service not restored: %v", e)
	}
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].ID != ids[0] {
		t.Fatalf("unexpected waiting %v", snap)
	}
	if imm := q.Immediate(); len(imm) != 1 || imm[0].ID != ids[2] {
		t.Fatalf("unexpected immediate %v", imm)
	}

	removals, total, err := restored.Removals(ctx, 10, 0)
	if err != nil || total != 1 || removals[0].PatientID != ids[3] {
		t.Fatalf("Removals = %v, %d, %v", removals, total, err)
	}

	untriaged, err := restored.ListUntriaged(ctx)
	if err != nil || len(untriaged) != 0 {
		t.Fatalf("ListUntriaged = %v, %v", untriaged, err)
	}

	page, total, err := restored.ListPatients(ctx, 2, 0)
	if err != nil || total != 4 || len(page) != 2 || page[0].Name != "blue" || page[1].Name != "green" {
		t.Fatalf("ListPatients = %v, %d, %v", page, total, err)
	}
}

func TestPG_QueueRowUniqueness(t *testing.T) {
	pool := setupPG(t)
	ctx := context.Background()
	patients := NewPatientRepoPG(pool)
	triage := NewTriageRepoPG(pool)
	queue := NewQueueRepoPG(pool)

	p := &Patient{Name: "Ana", CPF: "111"}
	if err := patients.Create(ctx, p); err != nil {
		t.Fatalf("create patient: %v", err)
	}
	tr := &TriageRecord{PatientID: p.ID, Acuity: AcuityGreen, TriagedBy: "n"}
	if err := triage.Create(ctx, tr); err != nil {
		t.Fatalf("create triage: %v", err)
	}
	row := &QueueRecord{PatientID: p.ID, TriageID: tr.ID, Acuity: AcuityGreen, Status: StatusWaiting, EnqueuedAt: time.Now()}
	if err := queue.Create(ctx, row); err != nil {
		t.Fatalf("create row: %v", err)
	}
	dup := *row
	if err := queue.Create(ctx, &dup); err == nil {
		t.Fatal("expected unique violation for a second active row")
	}

	if err := queue.Transition(ctx, uuid.New(), StatusServed, time.Now()); err == nil {
		t.Fatal("expected not found for unknown patient")
	}
	if _, err := patients.GetByID(ctx, uuid.New()); err == nil {
		t.Fatal("expected not found")
	}
}
