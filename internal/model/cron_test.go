package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mantanak/hava/internal/model"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	valid := []string{
		"* * * * *",
		"30 3 * * 0",
		"@daily",
		"@every 12h",
	}
	for _, expr := range valid {
		require.NoError(t, model.ParseCron(expr), expr)
	}

	invalid := []string{
		"",
		"not a cron",
		"* * * *",
		"61 * * * *",
	}
	for _, expr := range invalid {
		require.Error(t, model.ParseCron(expr), expr)
	}
}

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"PT1H", time.Hour},
		{"PT1H30M", 90 * time.Minute},
		{"P1D", 24 * time.Hour},
		{"P2DT3H", 51 * time.Hour},
		{"PT45S", 45 * time.Second},
		{"PT0.5S", 500 * time.Millisecond},
	}
	for _, tc := range cases {
		got, err := model.ParseISODuration(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}

	invalid := []string{"", "P", "PT", "P1DT", "1H", "PT1X", "hello"}
	for _, in := range invalid {
		_, err := model.ParseISODuration(in)
		require.ErrorIs(t, err, model.ErrISOFormat, in)
	}
}
