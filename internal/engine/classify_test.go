package engine_test

import (
	"testing"

	"dealline/internal/engine"
)

func seedDeal(t *testing.T, env testEnv, id, stg string) {
	t.Helper()
	if _, err := env.Engine.CreateDeal(env.Ctx, engine.CreateDealOptions{
		ProjectID: id,
		Name:      "Plataforma Salmonera",
		Customer:  "Cermaq",
		Owner:     "Mark Soto",
		Stage:     stg,
		Amount:    1000,
	}); err != nil {
		t.Fatalf("seed deal: %v", err)
	}
}

func TestClassifyIntentApplies(t *testing.T) {
	env := newTestEnv(t)
	seedDeal(t, env, "cermaq-01", "quote_sent")

	res, err := env.Engine.ClassifyIntent(env.Ctx, "cermaq-01", "si, aceptaron la propuesta", "dm")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !res.OK || res.Status != engine.StatusApplied {
		t.Fatalf("result = %+v", res)
	}
	if res.From != "quote_sent" || res.To != "accepted" {
		t.Fatalf("transition = %s -> %s", res.From, res.To)
	}
	// rule offset is 2 days from the fixed clock
	if res.Deadline != "2024-01-17" {
		t.Fatalf("deadline = %q, want 2024-01-17", res.Deadline)
	}
	if res.EventID == "" {
		t.Fatal("missing event id")
	}
	if res.Deal == nil || res.Deal.Stage != "accepted" {
		t.Fatalf("deal snapshot = %+v", res.Deal)
	}

	d, err := env.Engine.Repo.GetDeal(env.Ctx, "cermaq-01")
	if err != nil {
		t.Fatal(err)
	}
	if d.Stage != "accepted" || d.NextFollowupAt != "2024-01-17" {
		t.Fatalf("persisted deal = %+v", d)
	}
}

func TestClassifyIntentExplicitDateWins(t *testing.T) {
	env := newTestEnv(t)
	seedDeal(t, env, "cermaq-01", "quote_sent")

	res, err := env.Engine.ClassifyIntent(env.Ctx, "cermaq-01", "aceptaron, oc mañana o el 2024-02-01", "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	if res.Deadline != "2024-02-01" {
		t.Fatalf("deadline = %q, explicit date should beat mañana", res.Deadline)
	}
}

func TestClassifyIntentTomorrow(t *testing.T) {
	env := newTestEnv(t)
	seedDeal(t, env, "cermaq-01", "development_active")

	res, err := env.Engine.ClassifyIntent(env.Ctx, "cermaq-01", "entrega lista mañana", "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.To != "delivered" {
		t.Fatalf("result = %+v", res)
	}
	if res.Deadline != "2024-01-16" {
		t.Fatalf("deadline = %q, want tomorrow", res.Deadline)
	}
}

func TestClassifyIntentNoMatch(t *testing.T) {
	env := newTestEnv(t)
	seedDeal(t, env, "cermaq-01", "negotiation")

	// acceptance phrases only fire from quote_sent
	res, err := env.Engine.ClassifyIntent(env.Ctx, "cermaq-01", "si, aceptaron", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.Status != engine.StatusNoMatch {
		t.Fatalf("result = %+v", res)
	}
	if res.CurrentStage != "negotiation" {
		t.Fatalf("currentStage = %q", res.CurrentStage)
	}

	d, err := env.Engine.Repo.GetDeal(env.Ctx, "cermaq-01")
	if err != nil {
		t.Fatal(err)
	}
	if d.Stage != "negotiation" {
		t.Fatalf("deal mutated on no-match: %+v", d)
	}
}

func TestClassifyIntentProjectNotFound(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ClassifyIntent(env.Ctx, "ghost", "si, aceptaron", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.Status != engine.StatusProjectNotFound {
		t.Fatalf("result = %+v", res)
	}
}
