package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reminderd/internal/schedule"
)

// Store is the Postgres-backed reminder store. It is constructed once at
// startup and injected wherever reminders are read or written; concurrent
// callers issue independent single-reminder operations.
type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const reminderCols = `id, message, channel_id, channel_name, target_user_id,
	schedule_at, frequency, time_of_day, day_of_week, is_paused, sent,
	created_by, created_at, updated_at`

func scanReminder(row pgx.Row) (Reminder, error) {
	var r Reminder
	var channelName, targetUserID, timeOfDay, createdBy *string
	var dayOfWeek *int32
	err := row.Scan(&r.ID, &r.Message, &r.ChannelID, &channelName, &targetUserID,
		&r.ScheduleAt, &r.Frequency, &timeOfDay, &dayOfWeek, &r.IsPaused, &r.Sent,
		&createdBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Reminder{}, err
	}
	if channelName != nil {
		r.ChannelName = *channelName
	}
	if targetUserID != nil {
		r.TargetUserID = *targetUserID
	}
	if timeOfDay != nil {
		r.TimeOfDay = *timeOfDay
	}
	if createdBy != nil {
		r.CreatedBy = *createdBy
	}
	if dayOfWeek != nil {
		d := int(*dayOfWeek)
		r.DayOfWeek = &d
	}
	r.Deliveries = []Delivery{}
	return r, nil
}

// Create validates the input, resolves the initial schedule_at (computed
// server-side for recurring reminders created without one) and inserts the
// reminder.
func (s *Store) Create(ctx context.Context, in CreateInput) (Reminder, error) {
	if err := in.Validate(); err != nil {
		return Reminder{}, err
	}

	scheduleAt, err := initialScheduleAt(in, time.Now().UTC())
	if err != nil {
		return Reminder{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	id := uuid.NewString()
	row := s.DB.QueryRow(ctx, `
		INSERT INTO reminders(id, message, channel_id, channel_name, target_user_id,
			schedule_at, frequency, time_of_day, day_of_week, is_paused, created_by)
		VALUES($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$7,NULLIF($8,''),$9,$10,NULLIF($11,''))
		RETURNING `+reminderCols,
		id, in.Message, in.ChannelID, in.ChannelName, in.TargetUserID,
		scheduleAt, in.Frequency, in.TimeOfDay, in.DayOfWeek, in.IsPaused, in.CreatedBy)
	return scanReminder(row)
}

func initialScheduleAt(in CreateInput, now time.Time) (time.Time, error) {
	if in.ScheduleAt != nil {
		return in.ScheduleAt.UTC(), nil
	}
	switch in.Frequency {
	case FreqDaily:
		return schedule.FirstDaily(now, in.TimeOfDay)
	case FreqWeekly:
		return schedule.FirstWeekly(now, *in.DayOfWeek, in.TimeOfDay)
	}
	return time.Time{}, errors.New("schedule_at is required")
}

func (s *Store) Get(ctx context.Context, id string) (Reminder, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id=$1`, id)
	r, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, err
	}
	if err := s.loadDeliveries(ctx, map[string]*Reminder{r.ID: &r}); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

// List returns all reminders, newest first, with their delivery logs.
func (s *Store) List(ctx context.Context) ([]Reminder, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+reminderCols+` FROM reminders ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Reminder{}
	byID := map[string]*Reminder{}
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		byID[out[i].ID] = &out[i]
	}
	if err := s.loadDeliveries(ctx, byID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) loadDeliveries(ctx context.Context, byID map[string]*Reminder) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	rows, err := s.DB.Query(ctx, `
		SELECT reminder_id, at, ok, error FROM deliveries
		WHERE reminder_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var rid string
		var d Delivery
		var errMsg *string
		if err := rows.Scan(&rid, &d.At, &d.OK, &errMsg); err != nil {
			return err
		}
		if errMsg != nil {
			d.Error = *errMsg
		}
		if r := byID[rid]; r != nil {
			r.Deliveries = append(r.Deliveries, d)
		}
	}
	return rows.Err()
}

// Update applies a partial patch; only non-nil fields change.
func (s *Store) Update(ctx context.Context, id string, in UpdateInput) (Reminder, error) {
	if err := in.Validate(); err != nil {
		return Reminder{}, err
	}

	sets := []string{"updated_at = now()"}
	args := []any{id}
	idx := 2
	set := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, v)
		idx++
	}
	if in.Message != nil {
		set("message", *in.Message)
	}
	if in.ChannelID != nil {
		set("channel_id", *in.ChannelID)
	}
	if in.ChannelName != nil {
		set("channel_name", *in.ChannelName)
	}
	if in.TargetUserID != nil {
		set("target_user_id", *in.TargetUserID)
	}
	if in.ScheduleAt != nil {
		set("schedule_at", in.ScheduleAt.UTC())
	}
	if in.Frequency != nil {
		set("frequency", *in.Frequency)
	}
	if in.TimeOfDay != nil {
		set("time_of_day", *in.TimeOfDay)
	}
	if in.DayOfWeek != nil {
		set("day_of_week", *in.DayOfWeek)
	}
	if in.IsPaused != nil {
		set("is_paused", *in.IsPaused)
	}

	row := s.DB.QueryRow(ctx, `UPDATE reminders SET `+strings.Join(sets, ", ")+
		` WHERE id=$1 RETURNING `+reminderCols, args...)
	r, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, err
	}
	if err := s.loadDeliveries(ctx, map[string]*Reminder{r.ID: &r}); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

// Delete removes the reminder and its delivery log (cascade).
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM reminders WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Due selects all reminders matching the due predicate: not paused, not sent
// and scheduled at or before now.
func (s *Store) Due(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+reminderCols+` FROM reminders
		WHERE NOT is_paused AND NOT sent AND schedule_at <= $1
		ORDER BY schedule_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordSuccess appends an ok delivery entry and, in the same transaction,
// either advances schedule_at (next non-nil, recurring) or marks the reminder
// sent (one-time).
func (s *Store) RecordSuccess(ctx context.Context, id string, at time.Time, next *time.Time) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO deliveries(reminder_id, at, ok) VALUES($1,$2,true)`, id, at); err != nil {
		return err
	}
	if next != nil {
		_, err = tx.Exec(ctx,
			`UPDATE reminders SET schedule_at=$2, updated_at=now() WHERE id=$1`, id, next.UTC())
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE reminders SET sent=true, updated_at=now() WHERE id=$1`, id)
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RecordFailure appends a failed delivery entry. schedule_at and sent are
// deliberately untouched so the reminder stays due and retries next cycle.
func (s *Store) RecordFailure(ctx context.Context, id string, at time.Time, errMsg string) error {
	_, err := s.DB.Exec(ctx,
		`INSERT INTO deliveries(reminder_id, at, ok, error) VALUES($1,$2,false,$3)`, id, at, errMsg)
	return err
}
