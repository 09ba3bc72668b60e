package runner_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"reminderd/internal/core"
	"reminderd/internal/runner"
	"reminderd/internal/schedule"
	"reminderd/internal/slack"
)

// memStore is an in-memory runner.Store; deliveries append and state changes
// mutate the same record, mirroring the per-reminder atomic update.
type memStore struct {
	mu        sync.Mutex
	reminders map[string]*core.Reminder
}

func newMemStore(items ...core.Reminder) *memStore {
	s := &memStore{reminders: map[string]*core.Reminder{}}
	for i := range items {
		r := items[i]
		s.reminders[r.ID] = &r
	}
	return s
}

func (s *memStore) Due(_ context.Context, now time.Time) ([]core.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []core.Reminder
	for _, r := range s.reminders {
		if r.Due(now) {
			due = append(due, *r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (s *memStore) RecordSuccess(_ context.Context, id string, at time.Time, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.reminders[id]
	r.Deliveries = append(r.Deliveries, core.Delivery{At: at, OK: true})
	if next != nil {
		r.ScheduleAt = *next
	} else {
		r.Sent = true
	}
	return nil
}

func (s *memStore) RecordFailure(_ context.Context, id string, at time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.reminders[id]
	r.Deliveries = append(r.Deliveries, core.Delivery{At: at, OK: false, Error: errMsg})
	return nil
}

func (s *memStore) get(id string) core.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.reminders[id]
}

type sentMsg struct {
	Channel, User, Text string
}

type fakeSender struct {
	mu           sync.Mutex
	channel      []sentMsg
	ephemeral    []sentMsg
	channelErr   map[string]error // by channel id
	ephemeralErr map[string]error // by user id
}

func newFakeSender() *fakeSender {
	return &fakeSender{channelErr: map[string]error{}, ephemeralErr: map[string]error{}}
}

func (f *fakeSender) SendChannelMessage(_ context.Context, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.channelErr[channelID]; err != nil {
		return err
	}
	f.channel = append(f.channel, sentMsg{Channel: channelID, Text: text})
	return nil
}

func (f *fakeSender) SendEphemeralMessage(_ context.Context, channelID, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ephemeralErr[userID]; err != nil {
		return err
	}
	f.ephemeral = append(f.ephemeral, sentMsg{Channel: channelID, User: userID, Text: text})
	return nil
}

func newRunner(s runner.Store, f slack.Sender) *runner.Runner {
	return runner.New(s, f, zerolog.Nop())
}

func onceReminder(id string, at time.Time) core.Reminder {
	return core.Reminder{ID: id, Message: "msg " + id, ChannelID: "C" + id, Frequency: core.FreqOnce, ScheduleAt: at}
}

func TestRunDue_PausedNeverSelected(t *testing.T) {
	now := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)
	r := onceReminder("1", now.Add(-time.Hour))
	r.IsPaused = true
	store := newMemStore(r)
	sender := newFakeSender()

	results, err := newRunner(store, sender).RunDue(context.Background(), now)
	require.NoError(t, err)
	require.Empty(t, results)
	require.Empty(t, sender.channel)
}

func TestRunDue_OnceFiresExactlyOnce(t *testing.T) {
	now := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)
	store := newMemStore(onceReminder("1", time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC)))
	sender := newFakeSender()
	run := newRunner(store, sender)

	results, err := run.RunDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Sent)

	got := store.get("1")
	require.True(t, got.Sent)
	require.Len(t, got.Deliveries, 1)
	require.True(t, got.Deliveries[0].OK)
	require.Equal(t, now, got.Deliveries[0].At)

	// Later passes must not pick it up again.
	results, err = run.RunDue(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, results)
	require.Len(t, sender.channel, 1)
}

func TestRunDue_DailyRearmsPastWeekend(t *testing.T) {
	// Friday 09:00 PKT == Friday 04:00 UTC.
	fired := time.Date(2024, time.June, 7, 4, 0, 0, 0, time.UTC)
	rem := core.Reminder{
		ID: "1", Message: "standup", ChannelID: "C1",
		Frequency: core.FreqDaily, TimeOfDay: "09:00", ScheduleAt: fired,
	}
	store := newMemStore(rem)
	run := newRunner(store, newFakeSender())

	results, err := run.RunDue(context.Background(), fired)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Sent)
	require.NotNil(t, results[0].NextOccurrence)

	got := store.get("1")
	require.False(t, got.Sent, "recurring reminders never set sent")
	require.True(t, got.ScheduleAt.After(fired))
	local := got.ScheduleAt.In(schedule.Local)
	require.Equal(t, time.Monday, local.Weekday())
	require.Equal(t, 9, local.Hour())
	require.Equal(t, time.June, local.Month())
	require.Equal(t, 10, local.Day())
}

func TestRunDue_WeeklySevenDayCadence(t *testing.T) {
	// Monday 11:00 PKT == Monday 06:00 UTC.
	fired := time.Date(2024, time.June, 3, 6, 0, 0, 0, time.UTC)
	dow := 1
	rem := core.Reminder{
		ID: "1", Message: "retro", ChannelID: "C1",
		Frequency: core.FreqWeekly, TimeOfDay: "11:00", DayOfWeek: &dow, ScheduleAt: fired,
	}
	store := newMemStore(rem)

	_, err := newRunner(store, newFakeSender()).RunDue(context.Background(), fired)
	require.NoError(t, err)

	got := store.get("1")
	require.False(t, got.Sent)
	require.Equal(t, fired.AddDate(0, 0, 7), got.ScheduleAt)
}

func TestRunDue_FailureKeepsReminderDue(t *testing.T) {
	now := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)
	rem := onceReminder("1", now.Add(-time.Minute))
	store := newMemStore(rem)
	sender := newFakeSender()
	sender.channelErr["C1"] = errors.New("msg_too_long")
	run := newRunner(store, sender)

	results, err := run.RunDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Sent)
	require.Equal(t, "msg_too_long", results[0].Error)

	got := store.get("1")
	require.False(t, got.Sent)
	require.Equal(t, rem.ScheduleAt, got.ScheduleAt)
	require.Len(t, got.Deliveries, 1)
	require.False(t, got.Deliveries[0].OK)
	require.Equal(t, "msg_too_long", got.Deliveries[0].Error)

	// Still due on the next cycle; once the channel recovers it goes out.
	delete(sender.channelErr, "C1")
	results, err = run.RunDue(context.Background(), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Sent)
	require.Len(t, store.get("1").Deliveries, 2)
}

func TestRunDue_EphemeralFallsBackOnMembershipError(t *testing.T) {
	now := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)
	rem := onceReminder("1", now.Add(-time.Minute))
	rem.TargetUserID = "U42"
	store := newMemStore(rem)
	sender := newFakeSender()
	sender.ephemeralErr["U42"] = &slack.SendError{Kind: slack.KindMembership, Code: "user_not_in_channel"}

	results, err := newRunner(store, sender).RunDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Sent, "fallback success counts as success")

	require.Empty(t, sender.ephemeral)
	require.Len(t, sender.channel, 1)
	require.Equal(t, rem.Message, sender.channel[0].Text)
	require.Equal(t, rem.ChannelID, sender.channel[0].Channel)

	got := store.get("1")
	require.True(t, got.Sent)
	require.True(t, got.Deliveries[0].OK)
}

func TestRunDue_EphemeralOtherErrorDoesNotFallBack(t *testing.T) {
	now := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)
	rem := onceReminder("1", now.Add(-time.Minute))
	rem.TargetUserID = "U42"
	store := newMemStore(rem)
	sender := newFakeSender()
	sender.ephemeralErr["U42"] = errors.New("fatal_error")

	results, err := newRunner(store, sender).RunDue(context.Background(), now)
	require.NoError(t, err)
	require.False(t, results[0].Sent)
	require.Empty(t, sender.channel, "no channel fallback for non-membership failures")
	require.False(t, store.get("1").Sent)
}

func TestRunDue_OneFailureDoesNotPoisonBatch(t *testing.T) {
	now := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)
	var items []core.Reminder
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		items = append(items, onceReminder(id, now.Add(-time.Minute)))
	}
	store := newMemStore(items...)
	sender := newFakeSender()
	sender.channelErr["C3"] = errors.New("channel gone")

	results, err := newRunner(store, sender).RunDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 5)

	var ok, failed int
	for _, res := range results {
		if res.Sent {
			ok++
		} else {
			failed++
			require.Equal(t, "3", res.ID)
		}
	}
	require.Equal(t, 4, ok)
	require.Equal(t, 1, failed)
}

func TestRunDue_NothingDue(t *testing.T) {
	now := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)
	store := newMemStore(onceReminder("1", now.Add(time.Hour)))
	sender := newFakeSender()

	results, err := newRunner(store, sender).RunDue(context.Background(), now)
	require.NoError(t, err)
	require.Empty(t, results)
	require.Empty(t, sender.channel)
}

func TestRunOne_IgnoresDueness(t *testing.T) {
	now := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)
	rem := onceReminder("1", now.Add(48*time.Hour)) // not due
	store := newMemStore(rem)
	sender := newFakeSender()

	res := newRunner(store, sender).RunOne(context.Background(), &rem, now)
	require.True(t, res.Sent)
	require.Len(t, sender.channel, 1)
	require.True(t, store.get("1").Sent)
}
