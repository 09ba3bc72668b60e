package core

import (
	"errors"
	"fmt"
	"time"

	"reminderd/internal/schedule"
)

type Frequency string

const (
	FreqOnce   Frequency = "once"
	FreqDaily  Frequency = "daily"
	FreqWeekly Frequency = "weekly"
)

func (f Frequency) Recurring() bool { return f == FreqDaily || f == FreqWeekly }

func (f Frequency) Valid() bool {
	switch f {
	case FreqOnce, FreqDaily, FreqWeekly:
		return true
	}
	return false
}

var (
	ErrNotFound   = errors.New("reminder_not_found")
	ErrValidation = errors.New("validation")
)

// Delivery is one entry in a reminder's append-only firing log.
type Delivery struct {
	At    time.Time `json:"at"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
}

type Reminder struct {
	ID           string     `json:"id"`
	Message      string     `json:"message"`
	ChannelID    string     `json:"channel_id"`
	ChannelName  string     `json:"channel_name,omitempty"`
	TargetUserID string     `json:"target_user_id,omitempty"`
	ScheduleAt   time.Time  `json:"schedule_at"`
	Frequency    Frequency  `json:"frequency"`
	TimeOfDay    string     `json:"time,omitempty"`
	DayOfWeek    *int       `json:"day_of_week,omitempty"`
	IsPaused     bool       `json:"is_paused"`
	Sent         bool       `json:"sent"`
	CreatedBy    string     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Deliveries   []Delivery `json:"deliveries"`
}

// Due reports whether the runner should pick this reminder up.
func (r *Reminder) Due(now time.Time) bool {
	return !r.IsPaused && !r.Sent && !r.ScheduleAt.After(now)
}

// RunResult is the per-reminder outcome of one due-check pass.
type RunResult struct {
	ID             string     `json:"id"`
	Sent           bool       `json:"sent"`
	Error          string     `json:"error,omitempty"`
	ChannelID      string     `json:"channel_id,omitempty"`
	Frequency      Frequency  `json:"frequency,omitempty"`
	NextOccurrence *time.Time `json:"next_occurrence,omitempty"`
}

type CreateInput struct {
	Message      string     `json:"message"`
	ChannelID    string     `json:"channel_id"`
	ChannelName  string     `json:"channel_name"`
	TargetUserID string     `json:"target_user_id"`
	ScheduleAt   *time.Time `json:"schedule_at"`
	Frequency    Frequency  `json:"frequency"`
	TimeOfDay    string     `json:"time"`
	DayOfWeek    *int       `json:"day_of_week"`
	IsPaused     bool       `json:"is_paused"`
	CreatedBy    string     `json:"-"`
}

func (in *CreateInput) Validate() error {
	if in.Message == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if in.ChannelID == "" {
		return fmt.Errorf("%w: channel_id is required", ErrValidation)
	}
	if in.Frequency == "" {
		in.Frequency = FreqOnce
	}
	if !in.Frequency.Valid() {
		return fmt.Errorf("%w: frequency must be once, daily or weekly", ErrValidation)
	}
	switch in.Frequency {
	case FreqOnce:
		if in.ScheduleAt == nil {
			return fmt.Errorf("%w: schedule_at is required for one-time reminders", ErrValidation)
		}
	case FreqDaily, FreqWeekly:
		if _, _, err := schedule.ParseTimeOfDay(in.TimeOfDay); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if in.Frequency == FreqWeekly {
			if in.DayOfWeek == nil || *in.DayOfWeek < 0 || *in.DayOfWeek > 6 {
				return fmt.Errorf("%w: day_of_week must be 0-6 for weekly reminders", ErrValidation)
			}
		}
	}
	return nil
}

// UpdateInput carries a partial patch; nil fields are left untouched.
type UpdateInput struct {
	Message      *string    `json:"message"`
	ChannelID    *string    `json:"channel_id"`
	ChannelName  *string    `json:"channel_name"`
	TargetUserID *string    `json:"target_user_id"`
	ScheduleAt   *time.Time `json:"schedule_at"`
	Frequency    *Frequency `json:"frequency"`
	TimeOfDay    *string    `json:"time"`
	DayOfWeek    *int       `json:"day_of_week"`
	IsPaused     *bool      `json:"is_paused"`
}

func (in *UpdateInput) Validate() error {
	if in.Message != nil && *in.Message == "" {
		return fmt.Errorf("%w: message cannot be empty", ErrValidation)
	}
	if in.ChannelID != nil && *in.ChannelID == "" {
		return fmt.Errorf("%w: channel_id cannot be empty", ErrValidation)
	}
	if in.Frequency != nil && !in.Frequency.Valid() {
		return fmt.Errorf("%w: frequency must be once, daily or weekly", ErrValidation)
	}
	if in.TimeOfDay != nil && *in.TimeOfDay != "" {
		if _, _, err := schedule.ParseTimeOfDay(*in.TimeOfDay); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if in.DayOfWeek != nil && (*in.DayOfWeek < 0 || *in.DayOfWeek > 6) {
		return fmt.Errorf("%w: day_of_week must be 0-6", ErrValidation)
	}
	return nil
}
