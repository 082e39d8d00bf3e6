package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"fleetrun/internal/model"
	logx "fleetrun/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlStore serves both the sqlite and postgres drivers. Queries are written
// with '?' placeholders and rebound for the driver.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func (s *sqlStore) migrate(ctx context.Context, name string) error {
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", name, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) SaveRun(ctx context.Context, run model.JobRun) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(run)
	if err != nil {
		return err
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO runs(id, template_id, status, created_at, body) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, body = excluded.body`),
		run.ID, run.TemplateID, string(run.Status), created.UnixNano(), string(body),
	)
	return err
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (model.JobRun, error) {
	if s == nil || s.db == nil {
		return model.JobRun{}, ErrDisabled
	}
	var body string
	err := s.db.GetContext(ctx, &body, s.db.Rebind(`SELECT body FROM runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobRun{}, fmt.Errorf("%w: %s", model.ErrRunNotFound, id)
	}
	if err != nil {
		return model.JobRun{}, err
	}
	var run model.JobRun
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		return model.JobRun{}, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, nil
}

func (s *sqlStore) ListRuns(ctx context.Context, limit int) ([]model.JobRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies,
		s.db.Rebind(`SELECT body FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`), limit); err != nil {
		return nil, err
	}
	return s.decodeRuns(bodies), nil
}

func (s *sqlStore) ListUnfinishedRuns(ctx context.Context) ([]model.JobRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies,
		s.db.Rebind(`SELECT body FROM runs WHERE status IN (?, ?) ORDER BY created_at DESC, id DESC`),
		string(model.RunPending), string(model.RunRunning)); err != nil {
		return nil, err
	}
	return s.decodeRuns(bodies), nil
}

func (s *sqlStore) decodeRuns(bodies []string) []model.JobRun {
	out := make([]model.JobRun, 0, len(bodies))
	for _, b := range bodies {
		var run model.JobRun
		if err := json.Unmarshal([]byte(b), &run); err != nil {
			s.log.Debug("skip undecodable run row", logx.Err(err))
			continue
		}
		out = append(out, run)
	}
	return out
}

// deliveryRow maps the deliveries table.
type deliveryRow struct {
	At        int64          `db:"at"`
	RunID     string         `db:"run_id"`
	PolicyID  string         `db:"policy_id"`
	ChannelID string         `db:"channel_id"`
	Severity  string         `db:"severity"`
	Status    string         `db:"status"`
	Message   sql.NullString `db:"message"`
	Err       sql.NullString `db:"err"`
}

func (s *sqlStore) AppendDelivery(ctx context.Context, rec model.DeliveryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	row := deliveryRow{
		At:        rec.At.UnixNano(),
		RunID:     rec.RunID,
		PolicyID:  rec.PolicyID,
		ChannelID: rec.ChannelID,
		Severity:  string(rec.Severity),
		Status:    string(rec.Status),
		Message:   nullStr(rec.Message),
		Err:       nullStr(rec.Error),
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO deliveries(at, run_id, policy_id, channel_id, severity, status, message, err)
		 VALUES(:at, :run_id, :policy_id, :channel_id, :severity, :status, :message, :err)`, row)
	return err
}

func (s *sqlStore) ListDeliveries(ctx context.Context, runID string) ([]model.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT at, run_id, policy_id, channel_id, severity, status, message, err
		 FROM deliveries WHERE run_id = ? ORDER BY id`), runID); err != nil {
		return nil, err
	}
	out := make([]model.DeliveryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.DeliveryRecord{
			At:        time.Unix(0, r.At).UTC(),
			RunID:     r.RunID,
			PolicyID:  r.PolicyID,
			ChannelID: r.ChannelID,
			Severity:  model.Severity(r.Severity),
			Status:    model.DeliveryStatus(r.Status),
			Message:   r.Message.String,
			Error:     r.Err.String,
		})
	}
	return out, nil
}

func nullStr(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
