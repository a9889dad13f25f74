package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/pool"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/repository"
)

// Dial returns a pool factory opening one pgx connection per call.
func Dial(dsn string) pool.Factory[*pgx.Conn] {
	return func(ctx context.Context) (*pgx.Conn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return conn, nil
	}
}

// Repository implements persistence interfaces on PostgreSQL. Every
// statement runs through the connection pool's retrying executor.
type Repository struct {
	pool *pool.Manager[*pgx.Conn]
	opts pool.ExecOptions
}

// New constructs a Repository.
func New(p *pool.Manager[*pgx.Conn], opts pool.ExecOptions) *Repository {
	return &Repository{pool: p, opts: opts}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.Store = (*Repository)(nil)
	_ pool.Handle       = (*pgx.Conn)(nil)
)

func (r *Repository) options(name string) pool.ExecOptions {
	opts := r.opts
	opts.Name = name
	return opts
}

func (r *Repository) exec(ctx context.Context, name, query string, args ...any) error {
	_, err := pool.Execute(ctx, r.pool, func(ctx context.Context, conn *pgx.Conn) (struct{}, error) {
		_, err := conn.Exec(ctx, query, args...)
		return struct{}{}, err
	}, r.options(name))
	return err
}

// StartCall inserts or refreshes an in-progress call.
func (r *Repository) StartCall(ctx context.Context, call domain.CallRecord) error {
	const query = `INSERT INTO calls (id, assistant_id, phone_number, customer_number, status, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			assistant_id = COALESCE(NULLIF(EXCLUDED.assistant_id, ''), calls.assistant_id),
			phone_number = COALESCE(NULLIF(EXCLUDED.phone_number, ''), calls.phone_number),
			customer_number = COALESCE(NULLIF(EXCLUDED.customer_number, ''), calls.customer_number),
			started_at = COALESCE(EXCLUDED.started_at, calls.started_at),
			updated_at = EXCLUDED.updated_at
		WHERE calls.status <> 'ended'`
	return r.exec(ctx, "start_call", query,
		call.ID, call.AssistantID, call.PhoneNumber, call.CustomerNumber,
		domain.CallStatusInProgress, call.StartedAt, time.Now().UTC())
}

// EndCall marks a call ended unless it already was.
func (r *Repository) EndCall(ctx context.Context, call domain.CallRecord) (bool, error) {
	const query = `INSERT INTO calls (id, assistant_id, phone_number, customer_number, status, started_at, ended_at,
			ended_reason, duration_sec, cost, priority, sla_seconds, summary, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			assistant_id = COALESCE(NULLIF(EXCLUDED.assistant_id, ''), calls.assistant_id),
			phone_number = COALESCE(NULLIF(EXCLUDED.phone_number, ''), calls.phone_number),
			customer_number = COALESCE(NULLIF(EXCLUDED.customer_number, ''), calls.customer_number),
			status = EXCLUDED.status,
			started_at = COALESCE(EXCLUDED.started_at, calls.started_at),
			ended_at = EXCLUDED.ended_at,
			ended_reason = EXCLUDED.ended_reason,
			duration_sec = EXCLUDED.duration_sec,
			cost = EXCLUDED.cost,
			priority = EXCLUDED.priority,
			sla_seconds = EXCLUDED.sla_seconds,
			summary = EXCLUDED.summary,
			updated_at = EXCLUDED.updated_at
		WHERE calls.status <> 'ended'
		RETURNING id`
	// The stamp identifies this request's write, so a retry after a commit
	// whose reply was lost still reports the first transition.
	stamp := writeStamp(time.Now())
	return pool.Execute(ctx, r.pool, func(ctx context.Context, conn *pgx.Conn) (bool, error) {
		var id string
		err := conn.QueryRow(ctx, query,
			call.ID, call.AssistantID, call.PhoneNumber, call.CustomerNumber, domain.CallStatusEnded,
			call.StartedAt, call.EndedAt, call.EndedReason, call.DurationSec, call.Cost,
			string(call.Priority), call.SLASeconds, call.Summary, stamp,
		).Scan(&id)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, err
		}
		var stored time.Time
		if err := conn.QueryRow(ctx, `SELECT updated_at FROM calls WHERE id = $1`, call.ID).Scan(&stored); err != nil {
			return false, err
		}
		return sameWrite(stored, stamp), nil
	}, r.options("end_call"))
}

// writeStamp truncates to the precision TIMESTAMPTZ stores.
func writeStamp(now time.Time) time.Time {
	return now.UTC().Truncate(time.Microsecond)
}

func sameWrite(stored, stamp time.Time) bool {
	return stored.Equal(stamp)
}

// GetCall fetches a call by identifier.
func (r *Repository) GetCall(ctx context.Context, id string) (*domain.CallRecord, error) {
	const query = `SELECT id, assistant_id, phone_number, customer_number, status, started_at, ended_at,
			ended_reason, duration_sec, cost, priority, sla_seconds, summary, updated_at
		FROM calls WHERE id = $1`
	type found struct {
		rec *domain.CallRecord
	}
	out, err := pool.Execute(ctx, r.pool, func(ctx context.Context, conn *pgx.Conn) (found, error) {
		var (
			c        domain.CallRecord
			priority string
		)
		err := conn.QueryRow(ctx, query, id).Scan(
			&c.ID, &c.AssistantID, &c.PhoneNumber, &c.CustomerNumber, &c.Status, &c.StartedAt, &c.EndedAt,
			&c.EndedReason, &c.DurationSec, &c.Cost, &priority, &c.SLASeconds, &c.Summary, &c.UpdatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return found{}, nil
		}
		if err != nil {
			return found{}, err
		}
		c.Priority = domain.Priority(priority)
		return found{rec: &c}, nil
	}, r.options("get_call"))
	if err != nil {
		return nil, err
	}
	if out.rec == nil {
		return nil, repository.ErrNotFound
	}
	return out.rec, nil
}

// AppendTranscript stores one utterance.
func (r *Repository) AppendTranscript(ctx context.Context, rec domain.TranscriptRecord) error {
	const query = `INSERT INTO transcripts (id, call_id, role, content, final, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	return r.exec(ctx, "append_transcript", query, rec.ID, rec.CallID, rec.Role, rec.Content, rec.Final, createdAt(rec.CreatedAt))
}

// ListTranscripts returns the newest limit utterances of a call, oldest first.
func (r *Repository) ListTranscripts(ctx context.Context, callID string, limit int) ([]domain.TranscriptRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `SELECT id, call_id, role, content, final, created_at FROM (
			SELECT id, call_id, role, content, final, created_at
			FROM transcripts WHERE call_id = $1
			ORDER BY created_at DESC LIMIT $2
		) t ORDER BY created_at ASC`
	return pool.Execute(ctx, r.pool, func(ctx context.Context, conn *pgx.Conn) ([]domain.TranscriptRecord, error) {
		rows, err := conn.Query(ctx, query, callID, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		recs := make([]domain.TranscriptRecord, 0)
		for rows.Next() {
			var rec domain.TranscriptRecord
			if err := rows.Scan(&rec.ID, &rec.CallID, &rec.Role, &rec.Content, &rec.Final, &rec.CreatedAt); err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
		return recs, rows.Err()
	}, r.options("list_transcripts"))
}

// SaveToolCall stores an evaluated tool call.
func (r *Repository) SaveToolCall(ctx context.Context, rec domain.ToolCallLog) error {
	const query = `INSERT INTO tool_calls (id, call_id, tool_call_id, name, arguments, result, error, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	return r.exec(ctx, "save_tool_call", query,
		rec.ID, rec.CallID, rec.ToolCallID, rec.Name, jsonOrNil(rec.Arguments), jsonOrNil(rec.Result),
		rec.Error, rec.DurationMS, createdAt(rec.CreatedAt))
}

// SaveNotification stores one dispatch outcome.
func (r *Repository) SaveNotification(ctx context.Context, rec domain.NotificationLog) error {
	const query = `INSERT INTO notifications (id, recipient, message, message_id, status, error, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	return r.exec(ctx, "save_notification", query,
		rec.ID, rec.Recipient, rec.Message, rec.MessageID, rec.Status, rec.Error, rec.Attempts, createdAt(rec.CreatedAt))
}

func (r *Repository) CountCalls(ctx context.Context, since time.Time) (int, error) {
	return r.count(ctx, "count_calls", `SELECT COUNT(1) FROM calls WHERE updated_at >= $1`, since)
}

func (r *Repository) CountToolCalls(ctx context.Context, since time.Time) (int, error) {
	return r.count(ctx, "count_tool_calls", `SELECT COUNT(1) FROM tool_calls WHERE created_at >= $1`, since)
}

func (r *Repository) CountCallsByPriority(ctx context.Context, since time.Time) (map[domain.Priority]int, error) {
	groups, err := r.group(ctx, "count_calls_by_priority",
		`SELECT priority, COUNT(1) FROM calls WHERE updated_at >= $1 AND priority <> '' GROUP BY priority`, since)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Priority]int, len(groups))
	for k, v := range groups {
		out[domain.Priority(k)] = v
	}
	return out, nil
}

func (r *Repository) CountNotificationsByStatus(ctx context.Context, since time.Time) (map[string]int, error) {
	return r.group(ctx, "count_notifications_by_status",
		`SELECT status, COUNT(1) FROM notifications WHERE created_at >= $1 GROUP BY status`, since)
}

func (r *Repository) count(ctx context.Context, name, query string, since time.Time) (int, error) {
	return pool.Execute(ctx, r.pool, func(ctx context.Context, conn *pgx.Conn) (int, error) {
		var n int
		if err := conn.QueryRow(ctx, query, since).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}, r.options(name))
}

func (r *Repository) group(ctx context.Context, name, query string, since time.Time) (map[string]int, error) {
	return pool.Execute(ctx, r.pool, func(ctx context.Context, conn *pgx.Conn) (map[string]int, error) {
		rows, err := conn.Query(ctx, query, since)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out := make(map[string]int)
		for rows.Next() {
			var (
				key string
				n   int
			)
			if err := rows.Scan(&key, &n); err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, rows.Err()
	}, r.options(name))
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func jsonOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
