package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
)

//go:embed migrations.sql
var migrations string

// SendRecordRepository stores send records and recipient cooldowns in
// postgres or sqlite. Times are unix milliseconds so both engines compare
// them the same way.
type SendRecordRepository struct {
	DB *sqlx.DB
}

type sendRow struct {
	CampaignID   string        `db:"campaign_id"`
	RecipientIDs string        `db:"recipient_ids"`
	ContentHash  string        `db:"content_hash"`
	Content      string        `db:"content"`
	Status       string        `db:"status"`
	RetryCount   int           `db:"retry_count"`
	AttemptID    string        `db:"attempt_id"`
	LastError    string        `db:"last_error"`
	UpdatedAt    int64         `db:"updated_at"`
	SentAt       sql.NullInt64 `db:"sent_at"`
}

type cooldownRow struct {
	RecipientID string `db:"recipient_id"`
	LastSentAt  int64  `db:"last_sent_at"`
}

func (r *SendRecordRepository) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(migrations, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := r.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (r *SendRecordRepository) SaveRecord(ctx context.Context, rec model.SendRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO send_records (campaign_id, recipient_ids, content_hash, content, status, retry_count, attempt_id, last_error, updated_at, sent_at)
        VALUES (:campaign_id, :recipient_ids, :content_hash, :content, :status, :retry_count, :attempt_id, :last_error, :updated_at, :sent_at)
        ON CONFLICT (campaign_id) DO UPDATE SET
            recipient_ids = excluded.recipient_ids,
            content_hash = excluded.content_hash,
            content = excluded.content,
            status = excluded.status,
            retry_count = excluded.retry_count,
            attempt_id = excluded.attempt_id,
            last_error = excluded.last_error,
            updated_at = excluded.updated_at,
            sent_at = excluded.sent_at
    `
	if _, err := r.DB.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save send record %s: %w", rec.CampaignID, err)
	}
	return nil
}

// SaveCooldowns upserts recipient stamps, never moving a stamp backwards.
func (r *SendRecordRepository) SaveCooldowns(ctx context.Context, stamps map[string]time.Time) error {
	if len(stamps) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
        INSERT INTO recipient_cooldowns (recipient_id, last_sent_at)
        VALUES (:recipient_id, :last_sent_at)
        ON CONFLICT (recipient_id) DO UPDATE SET last_sent_at = excluded.last_sent_at
        WHERE excluded.last_sent_at > recipient_cooldowns.last_sent_at
    `)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, at := range stamps {
		if _, err := stmt.ExecContext(ctx, cooldownRow{RecipientID: id, LastSentAt: at.UnixMilli()}); err != nil {
			return fmt.Errorf("save cooldown %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// PurgeBefore removes finished records and cooldowns older than cutoff.
// Pending records are kept regardless of age.
func (r *SendRecordRepository) PurgeBefore(ctx context.Context, cutoff time.Time) error {
	ms := cutoff.UnixMilli()
	if _, err := r.DB.ExecContext(ctx,
		r.DB.Rebind(`DELETE FROM send_records WHERE status <> ? AND updated_at < ?`),
		string(model.StatusPending), ms); err != nil {
		return fmt.Errorf("purge send records: %w", err)
	}
	if _, err := r.DB.ExecContext(ctx,
		r.DB.Rebind(`DELETE FROM recipient_cooldowns WHERE last_sent_at < ?`), ms); err != nil {
		return fmt.Errorf("purge cooldowns: %w", err)
	}
	return nil
}

func (r *SendRecordRepository) Load(ctx context.Context) ([]model.SendRecord, map[string]time.Time, error) {
	var rows []sendRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT * FROM send_records ORDER BY updated_at`); err != nil {
		return nil, nil, fmt.Errorf("load send records: %w", err)
	}
	records := make([]model.SendRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
	}

	var cds []cooldownRow
	if err := r.DB.SelectContext(ctx, &cds, `SELECT recipient_id, last_sent_at FROM recipient_cooldowns`); err != nil {
		return nil, nil, fmt.Errorf("load cooldowns: %w", err)
	}
	cooldowns := make(map[string]time.Time, len(cds))
	for _, cd := range cds {
		cooldowns[cd.RecipientID] = time.UnixMilli(cd.LastSentAt).UTC()
	}
	return records, cooldowns, nil
}

func (r *SendRecordRepository) Close() error {
	return r.DB.Close()
}

func toRow(rec model.SendRecord) (sendRow, error) {
	ids, err := json.Marshal(rec.RecipientIDs)
	if err != nil {
		return sendRow{}, err
	}
	row := sendRow{
		CampaignID:   rec.CampaignID,
		RecipientIDs: string(ids),
		ContentHash:  rec.ContentHash,
		Content:      rec.Content,
		Status:       string(rec.Status),
		RetryCount:   rec.RetryCount,
		AttemptID:    rec.AttemptID,
		LastError:    rec.LastError,
		UpdatedAt:    rec.Timestamp.UnixMilli(),
	}
	if rec.SentAt != nil {
		row.SentAt = sql.NullInt64{Int64: rec.SentAt.UnixMilli(), Valid: true}
	}
	return row, nil
}

func fromRow(row sendRow) (model.SendRecord, error) {
	var ids []string
	if err := json.Unmarshal([]byte(row.RecipientIDs), &ids); err != nil {
		return model.SendRecord{}, fmt.Errorf("decode recipients of %s: %w", row.CampaignID, err)
	}
	rec := model.SendRecord{
		CampaignID:   row.CampaignID,
		RecipientIDs: ids,
		ContentHash:  row.ContentHash,
		Content:      row.Content,
		Status:       model.SendStatus(row.Status),
		RetryCount:   row.RetryCount,
		AttemptID:    row.AttemptID,
		LastError:    row.LastError,
		Timestamp:    time.UnixMilli(row.UpdatedAt).UTC(),
	}
	if row.SentAt.Valid {
		t := time.UnixMilli(row.SentAt.Int64).UTC()
		rec.SentAt = &t
	}
	return rec, nil
}
