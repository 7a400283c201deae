package engine_test

import (
	"strings"
	"testing"
	"time"

	"dealline/internal/domain"
	"dealline/internal/engine"
)

func followupsFor(report domain.SweepReport, projectID string) []domain.DueFollowup {
	var out []domain.DueFollowup
	for _, f := range report.DueFollowups {
		if f.ProjectID == projectID {
			out = append(out, f)
		}
	}
	return out
}

func TestSweepValuationAndSeeding(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ImportDeals(env.Ctx, []domain.Deal{
		{ProjectID: "acme-02", Name: "Portal", Stage: "quote_sent", Amount: 500, UpdatedAt: "2024-01-14T08:00:00Z"},
	}); err != nil {
		t.Fatal(err)
	}

	report, err := env.Engine.RunSweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !report.OK || report.UpdatedProjects != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.SweepID == "" || report.GeneratedAt == "" {
		t.Fatalf("report metadata missing: %+v", report)
	}

	d, err := env.Engine.Repo.GetDeal(env.Ctx, "acme-02")
	if err != nil {
		t.Fatal(err)
	}
	if d.StageProbability != 0.40 || d.ExpectedValue != 200 {
		t.Fatalf("valuation = %v / %v", d.StageProbability, d.ExpectedValue)
	}
	// quote_sent SLA is 3 days from the fixed clock
	if d.NextFollowupAt != "2024-01-18" {
		t.Fatalf("seeded nextFollowupAt = %q", d.NextFollowupAt)
	}
	if d.IsStale {
		t.Fatal("one-day-old deal flagged stale")
	}
}

func TestSweepStaleExampleProject(t *testing.T) {
	env := newTestEnv(t)
	// last touched 6 days before the fixed clock
	if _, err := env.Engine.ImportDeals(env.Ctx, []domain.Deal{
		{ProjectID: "cermaq-01", Name: "Plataforma", Customer: "Cermaq", Owner: "Mark Soto",
			Stage: "po_received", Amount: 1000, UpdatedAt: "2024-01-09T08:00:00Z"},
	}); err != nil {
		t.Fatal(err)
	}

	report, err := env.Engine.RunSweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}

	d, err := env.Engine.Repo.GetDeal(env.Ctx, "cermaq-01")
	if err != nil {
		t.Fatal(err)
	}
	if d.StageProbability != 0.80 || d.ExpectedValue != 800 {
		t.Fatalf("valuation = %v / %v", d.StageProbability, d.ExpectedValue)
	}
	if !d.IsStale {
		t.Fatal("expected isStale")
	}
	if d.FinanceTaskID == "" {
		t.Fatal("finance task not linked")
	}

	task, err := env.Engine.Repo.GetTask(env.Ctx, d.FinanceTaskID)
	if err != nil {
		t.Fatalf("finance task: %v", err)
	}
	if !strings.HasPrefix(task.Title, "Emitir factura · Cermaq · Plataforma") {
		t.Fatalf("task title = %q", task.Title)
	}
	if task.DueDate != "2024-01-16" {
		t.Fatalf("task due = %q, want tomorrow", task.DueDate)
	}
	if task.ID != "FIN-20240115-CER-01-001" {
		t.Fatalf("task id = %q", task.ID)
	}
	if task.Status != "todo" || task.Priority != "alta" {
		t.Fatalf("task defaults = %q / %q", task.Status, task.Priority)
	}
	if task.NextCheckIn != task.DueDate {
		t.Fatalf("nextCheckIn = %q", task.NextCheckIn)
	}

	alerts := followupsFor(report, "cermaq-01")
	if len(alerts) != 1 {
		t.Fatalf("got %d followups, want 1 stale alert", len(alerts))
	}
	a := alerts[0]
	if !a.IsStaleAlert {
		t.Fatalf("expected stale alert, got %+v", a)
	}
	if !strings.Contains(a.Question, "6 días") {
		t.Fatalf("alert question = %q", a.Question)
	}
	if a.OwnerTag != "@mark" {
		t.Fatalf("ownerTag = %q", a.OwnerTag)
	}
	if a.Stage != "po_received" {
		t.Fatalf("alert stage = %q", a.Stage)
	}
}

func TestSweepDedupAndStaleBypass(t *testing.T) {
	env := newTestEnv(t)
	// due today and silent for 6 days
	if _, err := env.Engine.ImportDeals(env.Ctx, []domain.Deal{
		{ProjectID: "cermaq-01", Name: "Plataforma", Owner: "Christopher Ruiz",
			Stage: "development_active", Amount: 1000,
			NextFollowupAt: "2024-01-15", UpdatedAt: "2024-01-09T08:00:00Z"},
	}); err != nil {
		t.Fatal(err)
	}

	first, err := env.Engine.RunSweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := followupsFor(first, "cermaq-01")
	if len(got) != 2 {
		t.Fatalf("first sweep followups = %d, want ping + stale alert", len(got))
	}
	var pings, alerts int
	for _, f := range got {
		if f.IsStaleAlert {
			alerts++
		} else {
			pings++
			if f.Question != "¿Se entregó el proyecto?" {
				t.Fatalf("ping question = %q", f.Question)
			}
			if f.OwnerTag != "@christopher" {
				t.Fatalf("ownerTag = %q", f.OwnerTag)
			}
		}
	}
	if pings != 1 || alerts != 1 {
		t.Fatalf("pings=%d alerts=%d", pings, alerts)
	}

	second, err := env.Engine.RunSweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	got = followupsFor(second, "cermaq-01")
	if len(got) != 1 || !got[0].IsStaleAlert {
		t.Fatalf("second sweep followups = %+v, want stale alert only", got)
	}
	if len(second.SkippedProjects) != 1 || second.SkippedProjects[0] != "cermaq-01" {
		t.Fatalf("skipped = %v", second.SkippedProjects)
	}
}

func TestSweepTaskSynthesisIdempotent(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ImportDeals(env.Ctx, []domain.Deal{
		{ProjectID: "cermaq-01", Name: "Plataforma", Customer: "Cermaq",
			Stage: "invoice_sent", Amount: 1000, UpdatedAt: "2024-01-14T08:00:00Z"},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.RunSweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RunSweep(env.Ctx); err != nil {
		t.Fatal(err)
	}

	tasks, err := env.Engine.Repo.ListTasksByProject(env.Ctx, "cermaq-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1 after two sweeps", len(tasks))
	}
	task := tasks[0]
	if task.Area != "operaciones" || !strings.HasPrefix(task.Title, "Activar desarrollo") {
		t.Fatalf("task = %+v", task)
	}
	if task.DueDate != "2024-01-16" {
		t.Fatalf("task due not refreshed: %q", task.DueDate)
	}

	d, err := env.Engine.Repo.GetDeal(env.Ctx, "cermaq-01")
	if err != nil {
		t.Fatal(err)
	}
	if d.DevelopmentTaskID != task.ID {
		t.Fatalf("deal back-reference = %q, task = %q", d.DevelopmentTaskID, task.ID)
	}
}

func TestSweepQuoteCount(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ImportDeals(env.Ctx, []domain.Deal{
		{ProjectID: "cermaq-01", Name: "Plataforma", Stage: "negotiation", UpdatedAt: "2024-01-14T08:00:00Z"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ImportQuotes(env.Ctx, []domain.Quote{
		{QuoteID: "q-1", Project: "Cotización 01 Plataforma"},
		{QuoteID: "q-2", Project: "COT-01-rev2"},
		{QuoteID: "q-3", Project: "Portal acme"},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.RunSweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	d, err := env.Engine.Repo.GetDeal(env.Ctx, "cermaq-01")
	if err != nil {
		t.Fatal(err)
	}
	if d.QuoteCount != 2 {
		t.Fatalf("quoteCount = %d, want 2", d.QuoteCount)
	}
}

func TestSweepTerminalStagesNeverStale(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ImportDeals(env.Ctx, []domain.Deal{
		{ProjectID: "a-1", Name: "x", Stage: "payment_received", UpdatedAt: "2023-11-01T08:00:00Z"},
		{ProjectID: "b-1", Name: "y", Stage: "closed", UpdatedAt: "2023-11-01T08:00:00Z"},
	}); err != nil {
		t.Fatal(err)
	}

	report, err := env.Engine.RunSweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range report.DueFollowups {
		if f.IsStaleAlert {
			t.Fatalf("terminal stage produced stale alert: %+v", f)
		}
	}
	for _, id := range []string{"a-1", "b-1"} {
		d, err := env.Engine.Repo.GetDeal(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if d.IsStale {
			t.Fatalf("%s flagged stale in terminal stage", id)
		}
	}
}

func TestSweepActivityResetClearsStaleness(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ImportDeals(env.Ctx, []domain.Deal{
		{ProjectID: "cermaq-01", Name: "Plataforma", Stage: "quote_sent", Amount: 1000,
			UpdatedAt: "2024-01-02T08:00:00Z"},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.RunSweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	d, err := env.Engine.Repo.GetDeal(env.Ctx, "cermaq-01")
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsStale {
		t.Fatal("expected stale before transition")
	}

	// a chat-driven transition counts as fresh activity
	if _, _, err := env.Engine.ApplyTransition(env.Ctx, engine.TransitionOptions{ProjectID: "cermaq-01", Stage: "accepted"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RunSweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	d, err = env.Engine.Repo.GetDeal(env.Ctx, "cermaq-01")
	if err != nil {
		t.Fatal(err)
	}
	if d.IsStale {
		t.Fatal("staleness not cleared after fresh activity")
	}
}

func TestSweepKeepsInterleavedTransition(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ImportDeals(env.Ctx, []domain.Deal{
		{ProjectID: "cermaq-01", Name: "Plataforma", Stage: "quote_sent", Amount: 1000,
			UpdatedAt: "2024-01-15T08:00:00Z"},
	}); err != nil {
		t.Fatal(err)
	}

	// A second writer lands a transition while the sweep is starting,
	// like a `dl deal set-stage` racing a scheduled sweep. The sweep
	// must work from state that includes the committed change.
	side := env.Engine
	fired := false
	env.Engine.Now = func() time.Time {
		if !fired {
			fired = true
			if _, _, err := side.ApplyTransition(env.Ctx, engine.TransitionOptions{ProjectID: "cermaq-01", Stage: "accepted"}); err != nil {
				t.Fatalf("interleaved transition: %v", err)
			}
		}
		return time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	}

	if _, err := env.Engine.RunSweep(env.Ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	d, err := env.Engine.Repo.GetDeal(env.Ctx, "cermaq-01")
	if err != nil {
		t.Fatal(err)
	}
	if d.Stage != "accepted" {
		t.Fatalf("stage = %q, want accepted", d.Stage)
	}
	if d.StageProbability != 0.65 || d.ExpectedValue != 650 {
		t.Fatalf("valuation = %v / %v, want 0.65 / 650", d.StageProbability, d.ExpectedValue)
	}
}
