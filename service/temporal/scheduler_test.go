package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/brojonat/givewatch/service/matcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleIDRoundTrip(t *testing.T) {
	for _, kind := range matcher.Passes {
		got, ok := passFromScheduleID(scheduleID(kind))
		require.True(t, ok)
		assert.Equal(t, kind, got)
	}
	_, ok := passFromScheduleID("poll-wallet-abc")
	assert.False(t, ok)
	_, ok = passFromScheduleID("reconcile-")
	assert.False(t, ok)
}

func TestMockScheduler(t *testing.T) {
	ctx := context.Background()
	var s Scheduler = NewMockScheduler()
	m := s.(*MockScheduler)

	require.NoError(t, s.UpsertPassSchedule(ctx, matcher.PassDraftMatch, "*/5 * * * *"))
	require.NoError(t, s.UpsertPassSchedule(ctx, matcher.PassDraftMatch, "*/2 * * * *"))
	expr, ok := m.Cron(matcher.PassDraftMatch)
	require.True(t, ok)
	assert.Equal(t, "*/2 * * * *", expr)
	assert.Equal(t, 1, m.ScheduleCount())

	require.NoError(t, s.TriggerSchedule(ctx, matcher.PassDraftMatch))
	assert.Error(t, s.TriggerSchedule(ctx, matcher.PassStreamMatch))
	assert.Equal(t, []string{matcher.PassDraftMatch}, m.Triggered())

	require.NoError(t, s.DeletePassSchedule(ctx, matcher.PassDraftMatch))
	assert.Error(t, s.DeletePassSchedule(ctx, matcher.PassDraftMatch))

	m.SetCreateError(errors.New("unavailable"))
	assert.Error(t, s.UpsertPassSchedule(ctx, matcher.PassDraftExpiry, "@hourly"))
	m.Reset()
	assert.NoError(t, s.UpsertPassSchedule(ctx, matcher.PassDraftExpiry, "@hourly"))
}

func TestSyncPassSchedules(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMockScheduler()

	kinds, err := SyncPassSchedules(ctx, m, map[string]string{
		matcher.PassDraftMatch:     "*/5 * * * *",
		matcher.PassStreamMatch:    "",
		matcher.PassDonationVerify: "*/10 * * * *",
	}, logger)
	require.NoError(t, err)
	assert.Equal(t, []string{matcher.PassDonationVerify, matcher.PassDraftMatch}, kinds)
	assert.Equal(t, 2, m.ScheduleCount())
	_, ok := m.Cron(matcher.PassStreamMatch)
	assert.False(t, ok)

	m.SetCreateError(errors.New("unavailable"))
	_, err = SyncPassSchedules(ctx, m, map[string]string{matcher.PassDraftExpiry: "@hourly"}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), matcher.PassDraftExpiry)
}
