package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limiquantix/clustermaint/internal/domain"
)

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		at      string
		in      time.Duration
		want    time.Time
		wantErr bool
	}{
		{name: "absolute", at: "2026-03-02T01:30:00+02:00", want: time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)},
		{name: "relative", in: 90 * time.Minute, want: now.Add(90 * time.Minute)},
		{name: "both", at: "2026-03-02T01:30:00Z", in: time.Hour, wantErr: true},
		{name: "neither", wantErr: true},
		{name: "negative delay", in: -time.Hour, wantErr: true},
		{name: "bad timestamp", at: "tomorrow", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseWhen(tt.at, tt.in, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseStatuses(t *testing.T) {
	got, err := parseStatuses([]string{"Warning", " error "})
	require.NoError(t, err)
	assert.Equal(t, []domain.LogStatus{domain.LogStatusWarning, domain.LogStatusError}, got)

	got, err = parseStatuses(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = parseStatuses([]string{"fatal"})
	assert.Error(t, err)
}

func TestRootCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{
		"serve", "collect", "drain", "shutdown", "migration-status", "check-updates",
		"schedule-update", "cancel-update", "update-status", "logs", "hosts", "events",
	} {
		assert.True(t, names[want], want)
	}
}
