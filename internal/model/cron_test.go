package model_test

import (
	"testing"
	"time"

	"github.com/batchui/batchrun/internal/model"
	"github.com/stretchr/testify/require"
)

func TestCronInterval(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		scenario string
		given    string
		then     time.Duration
		err      bool
	}{
		{"every_15m", "*/15 * * * *", 15 * time.Minute, false},
		{"daily_at_3", "0 3 * * *", 24 * time.Hour, false},
		{"macro_hourly", "@hourly", time.Hour, false},
		{"macro_every", "@every 5m", 5 * time.Minute, false},
		{"six_fields", "0 */2 * * * *", 0, true},
		{"out_of_range", "* * 32 * *", 0, true},
		{"empty", "", 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			got, err := model.CronInterval(tc.given, now)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, got)
		})
	}
}

func TestISODuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		given string
		then  time.Duration
	}{
		{"P1D", 24 * time.Hour},
		{"PT30S", 30 * time.Second},
		{"PT2H30M", 2*time.Hour + 30*time.Minute},
		{"P1DT1S", 24*time.Hour + time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			d, err := model.ParseISODuration(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
			require.Equal(t, tc.given, model.FormatISODuration(d))
		})
	}

	d, err := model.ParseISODuration("PT1.5S")
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, d)
	d, err = model.ParseISODuration("PT0,25H")
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, d)

	for _, given := range []string{"", "P", "PT", "P2DT", "P2M", "PT1S2M", "PT1.5M30S", "P1DT2HT3M", "PTH", "1D", "PT-1S"} {
		_, err := model.ParseISODuration(given)
		require.ErrorIs(t, err, model.ErrISOFormat, given)
	}
}

func TestDurationText(t *testing.T) {
	t.Parallel()
	var d model.Duration
	require.NoError(t, d.UnmarshalText([]byte("PT45S")))
	require.Equal(t, 45*time.Second, d.Duration)

	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	require.Equal(t, 90*time.Second, d.Duration)

	b, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "PT1M30S", string(b))

	require.Error(t, d.UnmarshalText([]byte("Pxx")))
}
