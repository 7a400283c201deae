package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"dealline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx. List reads run against
// either, so a caller can take its snapshot inside the transaction it
// will write with.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const dealColumns = `project_id,name,customer,owner,stage,amount,currency,next_followup_at,stage_probability,expected_value,is_stale,quote_count,last_note,finance_task_id,development_task_id,change_mgmt_task_id,last_activity_at,created_at,updated_at`

func scanDeal(s interface{ Scan(...any) error }) (domain.Deal, error) {
	var d domain.Deal
	err := s.Scan(&d.ProjectID, &d.Name, &d.Customer, &d.Owner, &d.Stage, &d.Amount, &d.Currency,
		&d.NextFollowupAt, &d.StageProbability, &d.ExpectedValue, &d.IsStale, &d.QuoteCount, &d.LastNote,
		&d.FinanceTaskID, &d.DevelopmentTaskID, &d.ChangeMgmtTaskID, &d.LastActivityAt, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) InsertDealTx(ctx context.Context, tx *sql.Tx, d domain.Deal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deals(`+dealColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ProjectID, d.Name, d.Customer, d.Owner, d.Stage, d.Amount, d.Currency,
		d.NextFollowupAt, d.StageProbability, d.ExpectedValue, d.IsStale, d.QuoteCount, d.LastNote,
		d.FinanceTaskID, d.DevelopmentTaskID, d.ChangeMgmtTaskID, d.LastActivityAt, d.CreatedAt, d.UpdatedAt)
	return err
}

// UpsertDealTx inserts or fully replaces a deal row. Used by imports,
// where the incoming record is the source of truth.
func (r Repo) UpsertDealTx(ctx context.Context, tx *sql.Tx, d domain.Deal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deals(`+dealColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(project_id) DO UPDATE SET
		name=excluded.name, customer=excluded.customer, owner=excluded.owner, stage=excluded.stage,
		amount=excluded.amount, currency=excluded.currency, next_followup_at=excluded.next_followup_at,
		stage_probability=excluded.stage_probability, expected_value=excluded.expected_value,
		is_stale=excluded.is_stale, quote_count=excluded.quote_count, last_note=excluded.last_note,
		finance_task_id=excluded.finance_task_id, development_task_id=excluded.development_task_id,
		change_mgmt_task_id=excluded.change_mgmt_task_id, last_activity_at=excluded.last_activity_at,
		created_at=excluded.created_at, updated_at=excluded.updated_at`,
		d.ProjectID, d.Name, d.Customer, d.Owner, d.Stage, d.Amount, d.Currency,
		d.NextFollowupAt, d.StageProbability, d.ExpectedValue, d.IsStale, d.QuoteCount, d.LastNote,
		d.FinanceTaskID, d.DevelopmentTaskID, d.ChangeMgmtTaskID, d.LastActivityAt, d.CreatedAt, d.UpdatedAt)
	return err
}

// UpdateDealTx writes every mutable column back. Callers read the row
// in the same transaction first, so this is a plain last-write.
func (r Repo) UpdateDealTx(ctx context.Context, tx *sql.Tx, d domain.Deal) error {
	res, err := tx.ExecContext(ctx, `UPDATE deals SET
		name=?, customer=?, owner=?, stage=?, amount=?, currency=?, next_followup_at=?,
		stage_probability=?, expected_value=?, is_stale=?, quote_count=?, last_note=?,
		finance_task_id=?, development_task_id=?, change_mgmt_task_id=?, last_activity_at=?, updated_at=?
		WHERE project_id=?`,
		d.Name, d.Customer, d.Owner, d.Stage, d.Amount, d.Currency, d.NextFollowupAt,
		d.StageProbability, d.ExpectedValue, d.IsStale, d.QuoteCount, d.LastNote,
		d.FinanceTaskID, d.DevelopmentTaskID, d.ChangeMgmtTaskID, d.LastActivityAt, d.UpdatedAt,
		d.ProjectID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDeal(ctx context.Context, id string) (domain.Deal, error) {
	return scanDeal(r.DB.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE project_id=?`, id))
}

func (r Repo) GetDealTx(ctx context.Context, tx *sql.Tx, id string) (domain.Deal, error) {
	return scanDeal(tx.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE project_id=?`, id))
}

func (r Repo) ListDeals(ctx context.Context) ([]domain.Deal, error) {
	return r.listDeals(ctx, r.DB)
}

func (r Repo) ListDealsTx(ctx context.Context, tx *sql.Tx) ([]domain.Deal, error) {
	return r.listDeals(ctx, tx)
}

func (r Repo) listDeals(ctx context.Context, q querier) ([]domain.Deal, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+dealColumns+` FROM deals ORDER BY project_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

const taskColumns = `id,area,title,objective,owner,due_date,status,priority,linked_project_id,next_check_in,evidence_json,blockers_json,created_at,updated_at`

func scanTask(s interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var evidence, blockers string
	err := s.Scan(&t.ID, &t.Area, &t.Title, &t.Objective, &t.Owner, &t.DueDate, &t.Status, &t.Priority,
		&t.LinkedProjectID, &t.NextCheckIn, &evidence, &blockers, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(evidence), &t.Evidence); err != nil {
		t.Evidence = []string{}
	}
	if err := json.Unmarshal([]byte(blockers), &t.Blockers); err != nil {
		t.Blockers = []string{}
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	evidence, err := json.Marshal(emptyIfNil(t.Evidence))
	if err != nil {
		return err
	}
	blockers, err := json.Marshal(emptyIfNil(t.Blockers))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Area, t.Title, t.Objective, t.Owner, t.DueDate, t.Status, t.Priority,
		t.LinkedProjectID, t.NextCheckIn, string(evidence), string(blockers), t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTaskScheduleTx refreshes an open task's due date, keeping the
// check-in cadence aligned with it.
func (r Repo) UpdateTaskScheduleTx(ctx context.Context, tx *sql.Tx, id, dueDate, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET due_date=?, next_check_in=?, updated_at=? WHERE id=?`, dueDate, dueDate, updatedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return r.listTasks(ctx, r.DB)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx) ([]domain.Task, error) {
	return r.listTasks(ctx, tx)
}

func (r Repo) listTasks(ctx context.Context, q querier) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTasksByProject(ctx context.Context, projectID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE linked_project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpsertQuoteTx(ctx context.Context, tx *sql.Tx, q domain.Quote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO quotes(quote_id,project,customer,amount,currency,created_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(quote_id) DO UPDATE SET
		project=excluded.project, customer=excluded.customer, amount=excluded.amount,
		currency=excluded.currency, created_at=excluded.created_at`,
		q.QuoteID, q.Project, q.Customer, q.Amount, q.Currency, q.CreatedAt)
	return err
}

func (r Repo) ListQuotes(ctx context.Context) ([]domain.Quote, error) {
	return r.listQuotes(ctx, r.DB)
}

func (r Repo) ListQuotesTx(ctx context.Context, tx *sql.Tx) ([]domain.Quote, error) {
	return r.listQuotes(ctx, tx)
}

func (r Repo) listQuotes(ctx context.Context, q querier) ([]domain.Quote, error) {
	rows, err := q.QueryContext(ctx, `SELECT quote_id,project,customer,amount,currency,created_at FROM quotes ORDER BY quote_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Quote
	for rows.Next() {
		var q domain.Quote
		if err := rows.Scan(&q.QuoteID, &q.Project, &q.Customer, &q.Amount, &q.Currency, &q.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

// FollowupStates returns the last ping date per project, keyed by
// project id.
func (r Repo) FollowupStates(ctx context.Context) (map[string]string, error) {
	return r.followupStates(ctx, r.DB)
}

func (r Repo) FollowupStatesTx(ctx context.Context, tx *sql.Tx) (map[string]string, error) {
	return r.followupStates(ctx, tx)
}

func (r Repo) followupStates(ctx context.Context, q querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT project_id,last_ping_at FROM followup_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var id, at string
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		res[id] = at
	}
	return res, rows.Err()
}

func (r Repo) UpsertFollowupStateTx(ctx context.Context, tx *sql.Tx, projectID, lastPingAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO followup_state(project_id,last_ping_at) VALUES (?,?)
		ON CONFLICT(project_id) DO UPDATE SET last_ping_at=excluded.last_ping_at`,
		projectID, lastPingAt)
	return err
}

func scanEvent(s interface{ Scan(...any) error }) (domain.Event, error) {
	var e domain.Event
	var before, after, meta sql.NullString
	err := s.Scan(&e.EventID, &e.TS, &e.SchemaVersion, &e.Source, &e.Channel, &e.Type, &e.EntityID, &before, &after, &meta)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if before.Valid && before.String != "" {
		_ = json.Unmarshal([]byte(before.String), &e.Before)
	}
	if after.Valid && after.String != "" {
		_ = json.Unmarshal([]byte(after.String), &e.After)
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &e.Meta)
	}
	return e, nil
}

const eventColumns = `event_id,ts,schema_version,source,channel,type,entity_id,before_json,after_json,meta_json`

// LatestEvents returns the newest events first, up to limit.
func (r Repo) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsForEntity returns events for one project in append order.
func (r Repo) EventsForEntity(ctx context.Context, entityID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE entity_id=? ORDER BY id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
