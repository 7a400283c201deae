package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"dealline/internal/config"
	"dealline/internal/domain"
	"dealline/internal/events"
	"dealline/internal/intent"
	"dealline/internal/repo"
	"dealline/internal/stage"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Classifier *intent.Classifier
	Now        func() time.Time
}

var ErrInvalidStage = errors.New("invalid stage")

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	cls, err := intent.NewClassifier(cfg.Intents)
	if err != nil {
		cls = intent.Default() // bad rules are rejected at config load
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Classifier: cls,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func nowISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// CreateDealOptions are parameters for registering a deal.
type CreateDealOptions struct {
	ProjectID  string
	Name       string
	Customer   string
	Owner      string
	Stage      string
	Amount     float64
	Currency   string
	FollowupAt string
	Note       string
	Source     string
	Actor      string
}

// CreateDeal registers a new deal and appends its creation event. The
// follow-up date may be left empty; the next sweep seeds it from the
// stage SLA.
func (e Engine) CreateDeal(ctx context.Context, opts CreateDealOptions) (domain.Deal, error) {
	if opts.ProjectID == "" {
		return domain.Deal{}, errors.New("project id is required")
	}
	if opts.Name == "" {
		return domain.Deal{}, errors.New("name is required")
	}
	if opts.Amount < 0 {
		return domain.Deal{}, errors.New("invalid amount: must not be negative")
	}
	if opts.Stage == "" {
		opts.Stage = string(stage.Negotiation)
	}
	if !stage.Valid(opts.Stage) {
		return domain.Deal{}, fmt.Errorf("%w: %s", ErrInvalidStage, opts.Stage)
	}
	now := nowISO(e.now())
	prob := stage.Probability(stage.Stage(opts.Stage))
	d := domain.Deal{
		ProjectID:        opts.ProjectID,
		Name:             opts.Name,
		Customer:         opts.Customer,
		Owner:            opts.Owner,
		Stage:            opts.Stage,
		Amount:           opts.Amount,
		Currency:         opts.Currency,
		NextFollowupAt:   opts.FollowupAt,
		StageProbability: prob,
		ExpectedValue:    round2(opts.Amount * prob),
		LastNote:         opts.Note,
		LastActivityAt:   now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDealTx(ctx, tx, d); err != nil {
		return domain.Deal{}, fmt.Errorf("insert deal: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.Record{
		Source:   opts.Source,
		EntityID: d.ProjectID,
		After:    &d,
		Meta:     eventMeta(opts.Note, opts.Actor),
	}); err != nil {
		return domain.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, err
	}
	return d, nil
}

// TransitionOptions are parameters for a stage change.
type TransitionOptions struct {
	ProjectID string
	Stage     string
	Deadline  string
	Note      string
	Source    string
	Actor     string
}

// eventMeta builds the mutation event metadata. The actor is the
// authenticated subject when the mutation arrived over the API.
func eventMeta(note, actor string) map[string]any {
	meta := map[string]any{"note": note}
	if actor != "" {
		meta["actor"] = actor
	}
	return meta
}

// ApplyTransition moves a deal to the given stage, recomputes its
// valuation, and appends the mutation event in the same transaction.
// The deadline, when set, becomes the next follow-up date unchanged.
func (e Engine) ApplyTransition(ctx context.Context, opts TransitionOptions) (domain.Deal, string, error) {
	if !stage.Valid(opts.Stage) {
		return domain.Deal{}, "", fmt.Errorf("%w: %s", ErrInvalidStage, opts.Stage)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, "", err
	}
	defer tx.Rollback()

	before, err := e.Repo.GetDealTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Deal{}, "", err
	}
	now := nowISO(e.now())
	prob := stage.Probability(stage.Stage(opts.Stage))

	after := before
	after.Stage = opts.Stage
	if opts.Deadline != "" {
		after.NextFollowupAt = opts.Deadline
	}
	after.LastNote = opts.Note
	after.StageProbability = prob
	after.ExpectedValue = round2(after.Amount * prob)
	after.LastActivityAt = now
	after.UpdatedAt = now

	if err := e.Repo.UpdateDealTx(ctx, tx, after); err != nil {
		return domain.Deal{}, "", fmt.Errorf("update deal: %w", err)
	}
	eventID, err := e.Events.Append(ctx, tx, events.Record{
		Source:   opts.Source,
		EntityID: after.ProjectID,
		Before:   &before,
		After:    &after,
		Meta:     eventMeta(opts.Note, opts.Actor),
	})
	if err != nil {
		return domain.Deal{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, "", err
	}
	return after, eventID, nil
}

// ImportDeals upserts externally maintained deal records. Stages are
// normalized, valuation is recomputed, and missing timestamps are
// filled so a freshly imported deal has a usable staleness base.
func (e Engine) ImportDeals(ctx context.Context, deals []domain.Deal) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := nowISO(e.now())
	for i, d := range deals {
		if d.ProjectID == "" {
			return 0, fmt.Errorf("record %d: missing projectId", i)
		}
		if d.Amount < 0 {
			return 0, fmt.Errorf("record %d (%s): invalid amount %v", i, d.ProjectID, d.Amount)
		}
		d.Stage = string(stage.Normalize(d.Stage))
		prob := stage.Probability(stage.Stage(d.Stage))
		d.StageProbability = prob
		d.ExpectedValue = round2(d.Amount * prob)
		if d.CreatedAt == "" {
			d.CreatedAt = now
		}
		if d.UpdatedAt == "" {
			d.UpdatedAt = d.CreatedAt
		}
		if d.LastActivityAt == "" {
			d.LastActivityAt = d.UpdatedAt
		}
		if err := e.Repo.UpsertDealTx(ctx, tx, d); err != nil {
			return 0, fmt.Errorf("record %d (%s): %w", i, d.ProjectID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(deals), nil
}

// ImportQuotes upserts quote reference records.
func (e Engine) ImportQuotes(ctx context.Context, quotes []domain.Quote) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for i, q := range quotes {
		if q.QuoteID == "" {
			return 0, fmt.Errorf("record %d: missing quoteId", i)
		}
		if err := e.Repo.UpsertQuoteTx(ctx, tx, q); err != nil {
			return 0, fmt.Errorf("record %d (%s): %w", i, q.QuoteID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(quotes), nil
}

// ownerTag resolves the owner mention tag from the configured handle
// map. Matching is a case-insensitive substring check, first matching
// handle in sorted order wins.
func (e Engine) ownerTag(owner string) string {
	return ownerTagFrom(e.Config.Owners.Handles, owner)
}
