package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealline/internal/domain"
	"dealline/internal/intent"
	"dealline/internal/stage"
)

const defaultOwner = "Comercial"

type taskRefresh struct {
	ID        string
	DueDate   string
	UpdatedAt string
}

// sweepChanges is everything one sweep wants to persist. The compute
// phase fills it from in-memory snapshots; RunSweep writes it in a
// single transaction afterwards.
type sweepChanges struct {
	deals     []domain.Deal
	newTasks  []domain.Task
	refreshed []taskRefresh
	pings     map[string]string
	report    domain.SweepReport
}

// RunSweep executes one scheduler pass: valuation, follow-up seeding,
// due-ping emission with per-day dedup, stage-derived task synthesis,
// quote-link counting, and staleness detection. Every project is
// processed against the snapshot taken at the start; nothing is
// persisted until all projects are done.
//
// The snapshot and the writes share one transaction, held as the
// writer from the start, so a mutation committed by another process
// cannot land between the reads and the write-back.
func (e Engine) RunSweep(ctx context.Context) (domain.SweepReport, error) {
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SweepReport{}, err
	}
	defer tx.Rollback()

	deals, err := e.Repo.ListDealsTx(ctx, tx)
	if err != nil {
		return domain.SweepReport{}, fmt.Errorf("load deals: %w", err)
	}
	tasks, err := e.Repo.ListTasksTx(ctx, tx)
	if err != nil {
		return domain.SweepReport{}, fmt.Errorf("load tasks: %w", err)
	}
	quotes, err := e.Repo.ListQuotesTx(ctx, tx)
	if err != nil {
		return domain.SweepReport{}, fmt.Errorf("load quotes: %w", err)
	}
	lastPing, err := e.Repo.FollowupStatesTx(ctx, tx)
	if err != nil {
		return domain.SweepReport{}, fmt.Errorf("load followup state: %w", err)
	}

	ch := e.computeSweep(deals, tasks, quotes, lastPing, now)

	for _, d := range ch.deals {
		if err := e.Repo.UpdateDealTx(ctx, tx, d); err != nil {
			return domain.SweepReport{}, fmt.Errorf("update deal %s: %w", d.ProjectID, err)
		}
	}
	for _, t := range ch.newTasks {
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return domain.SweepReport{}, fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	for _, r := range ch.refreshed {
		if err := e.Repo.UpdateTaskScheduleTx(ctx, tx, r.ID, r.DueDate, r.UpdatedAt); err != nil {
			return domain.SweepReport{}, fmt.Errorf("refresh task %s: %w", r.ID, err)
		}
	}
	for pid, day := range ch.pings {
		if err := e.Repo.UpsertFollowupStateTx(ctx, tx, pid, day); err != nil {
			return domain.SweepReport{}, fmt.Errorf("record ping %s: %w", pid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.SweepReport{}, err
	}
	return ch.report, nil
}

// PreviewSweep computes the day's follow-up queue without persisting
// anything. Because nothing is written, the per-day ping guard is not
// advanced either.
func (e Engine) PreviewSweep(ctx context.Context) (domain.SweepReport, error) {
	deals, err := e.Repo.ListDeals(ctx)
	if err != nil {
		return domain.SweepReport{}, fmt.Errorf("load deals: %w", err)
	}
	tasks, err := e.Repo.ListTasks(ctx)
	if err != nil {
		return domain.SweepReport{}, fmt.Errorf("load tasks: %w", err)
	}
	quotes, err := e.Repo.ListQuotes(ctx)
	if err != nil {
		return domain.SweepReport{}, fmt.Errorf("load quotes: %w", err)
	}
	lastPing, err := e.Repo.FollowupStates(ctx)
	if err != nil {
		return domain.SweepReport{}, fmt.Errorf("load followup state: %w", err)
	}
	ch := e.computeSweep(deals, tasks, quotes, lastPing, e.now())
	return ch.report, nil
}

func (e Engine) computeSweep(deals []domain.Deal, tasks []domain.Task, quotes []domain.Quote, lastPing map[string]string, now time.Time) sweepChanges {
	today := dateOnly(now)
	todayStr := today.Format(intent.DateLayout)
	nowStr := nowISO(now)

	book := &taskBook{
		existing: tasks,
		prefixes: e.Config.Tasks.ProjectPrefixes,
		now:      nowStr,
		today:    today,
	}
	ch := sweepChanges{pings: map[string]string{}}
	due := []domain.DueFollowup{}
	var skipped []string

	for _, d := range deals {
		st := stage.Normalize(d.Stage)
		d.Stage = string(st)
		prob := stage.Probability(st)
		d.StageProbability = prob
		d.ExpectedValue = round2(d.Amount * prob)

		if d.NextFollowupAt == "" {
			d.NextFollowupAt = today.AddDate(0, 0, stage.SLADays(st)).Format(intent.DateLayout)
		}

		owner := d.Owner
		if owner == "" {
			owner = defaultOwner
		}

		if nd, ok := parseDay(d.NextFollowupAt); ok && !nd.After(today) {
			if lp, pinged := parseDay(lastPing[d.ProjectID]); pinged && lp.Equal(today) {
				skipped = append(skipped, d.ProjectID)
			} else {
				due = append(due, domain.DueFollowup{
					ProjectID: d.ProjectID,
					Customer:  d.Customer,
					Project:   d.Name,
					Stage:     d.Stage,
					Question:  stage.Question(st),
					Owner:     owner,
					OwnerTag:  e.ownerTag(owner),
				})
				ch.pings[d.ProjectID] = todayStr
			}
		}

		customer := d.Customer
		if customer == "" {
			customer = "Cliente"
		}
		name := d.Name
		if name == "" {
			name = "Proyecto"
		}
		switch st {
		case stage.POReceived:
			d.FinanceTaskID = book.ensure(
				fmt.Sprintf("Emitir factura · %s · %s", customer, name),
				"finanzas",
				"Gerente Finanzas (IA)",
				today.AddDate(0, 0, 1).Format(intent.DateLayout),
				d.ProjectID,
				"Emitir y enviar factura con respaldo de OC recibida.",
			)
		case stage.InvoiceSent:
			d.DevelopmentTaskID = book.ensure(
				fmt.Sprintf("Activar desarrollo · %s · %s", customer, name),
				"operaciones",
				"Mark / Equipo Dev",
				today.AddDate(0, 0, 1).Format(intent.DateLayout),
				d.ProjectID,
				"Activar ejecución técnica tras envío de factura.",
			)
		case stage.Delivered:
			d.ChangeMgmtTaskID = book.ensure(
				fmt.Sprintf("Gestión de cambio 30 días · %s · %s", customer, name),
				"operaciones",
				"Gerente Operaciones (IA)",
				today.AddDate(0, 0, 30).Format(intent.DateLayout),
				d.ProjectID,
				"Seguimiento post-entrega de adopción y gestión del cambio por 30 días.",
			)
		}

		d.QuoteCount = countLinkedQuotes(quotes, d.ProjectID, e.Config.Tasks.ProjectPrefixes)

		// Staleness runs off lastActivityAt, which sweeps never touch,
		// so repeating a sweep cannot hide a silent deal.
		base := d.LastActivityAt
		if base == "" {
			base = d.UpdatedAt
		}
		if base == "" {
			base = d.CreatedAt
		}
		stale := false
		if bd, ok := parseDay(base); ok && !stage.Terminal(st) {
			daysInactive := int(today.Sub(bd).Hours() / 24)
			if daysInactive >= e.Config.Pipeline.StaleAfterDays {
				stale = true
				due = append(due, domain.DueFollowup{
					ProjectID:    d.ProjectID,
					Customer:     d.Customer,
					Project:      d.Name,
					Stage:        d.Stage,
					Question:     fmt.Sprintf("⚠️ Inactividad: lleva %d días sin novedades. ¿Hay algún bloqueo (precio, timing, sponsor)?", daysInactive),
					Owner:        owner,
					OwnerTag:     e.ownerTag(owner),
					IsStaleAlert: true,
				})
			}
		}
		d.IsStale = stale

		d.UpdatedAt = nowStr
		ch.deals = append(ch.deals, d)
	}

	ch.newTasks = book.added
	ch.refreshed = book.refreshed
	ch.report = domain.SweepReport{
		OK:              true,
		SweepID:         uuid.NewString(),
		UpdatedProjects: len(ch.deals),
		DueFollowups:    due,
		SkippedProjects: skipped,
		GeneratedAt:     nowStr,
	}
	return ch
}

// taskBook synthesizes tasks against a combined view of stored and
// newly added tasks, so dedup and sequence numbering see both.
type taskBook struct {
	existing  []domain.Task
	added     []domain.Task
	refreshed []taskRefresh
	prefixes  map[string]string
	now       string
	today     time.Time
}

// ensure returns the id of the live task with this title for the
// project, refreshing its due date, or creates it. Done tasks never
// absorb a new occurrence.
func (b *taskBook) ensure(title, area, owner, dueDate, projectID, objective string) string {
	for _, t := range b.existing {
		if t.LinkedProjectID == projectID && t.Title == title && t.Status != "done" {
			b.refreshed = append(b.refreshed, taskRefresh{ID: t.ID, DueDate: dueDate, UpdatedAt: b.now})
			return t.ID
		}
	}
	for i := range b.added {
		t := &b.added[i]
		if t.LinkedProjectID == projectID && t.Title == title && t.Status != "done" {
			t.DueDate = dueDate
			t.NextCheckIn = dueDate
			t.UpdatedAt = b.now
			return t.ID
		}
	}

	id := b.buildID(area, projectID)
	b.added = append(b.added, domain.Task{
		ID:              id,
		Area:            area,
		Title:           title,
		Objective:       objective,
		Owner:           owner,
		DueDate:         dueDate,
		Status:          "todo",
		Priority:        "alta",
		LinkedProjectID: projectID,
		NextCheckIn:     dueDate,
		Evidence:        []string{},
		Blockers:        []string{},
		CreatedAt:       b.now,
		UpdatedAt:       b.now,
	})
	return id
}

// buildID produces the deterministic task id
// AREA-YYYYMMDD-SUFFIX-NNN, where SUFFIX is the uppercased project id
// with configured prefixes normalized, truncated to 8 chars, and NNN
// the 1-based position across all known tasks.
func (b *taskBook) buildID(area, projectID string) string {
	base := projectID
	for _, k := range sortedKeys(b.prefixes) {
		base = strings.ReplaceAll(base, k, b.prefixes[k])
	}
	base = strings.ToUpper(base)
	if len(base) > 8 {
		base = base[:8]
	}
	ar := strings.ToUpper(area)
	if len(ar) > 3 {
		ar = ar[:3]
	}
	seq := len(b.existing) + len(b.added) + 1
	return fmt.Sprintf("%s-%s-%s-%03d", ar, b.today.Format("20060102"), base, seq)
}

// countLinkedQuotes counts quotes whose project text contains the
// deal's id suffix. The join is deliberately loose: quotes are
// free-form reference records, not foreign keys.
func countLinkedQuotes(quotes []domain.Quote, projectID string, prefixes map[string]string) int {
	suffix := strings.ToLower(projectID)
	for _, k := range sortedKeys(prefixes) {
		kl := strings.ToLower(k)
		if idx := strings.LastIndex(suffix, kl); idx >= 0 {
			suffix = suffix[idx+len(kl):]
		}
	}
	n := 0
	for _, q := range quotes {
		if strings.Contains(strings.ToLower(q.Project), suffix) {
			n++
		}
	}
	return n
}

func ownerTagFrom(handles map[string]string, owner string) string {
	lowered := strings.ToLower(owner)
	for _, k := range sortedKeys(handles) {
		if strings.Contains(lowered, strings.ToLower(k)) {
			return handles[k]
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// parseDay reads the date part of an ISO date or timestamp. Malformed
// values report false rather than aborting the sweep.
func parseDay(s string) (time.Time, bool) {
	if len(s) < len(intent.DateLayout) {
		return time.Time{}, false
	}
	d, err := time.Parse(intent.DateLayout, s[:len(intent.DateLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}
