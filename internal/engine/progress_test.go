package engine_test

import (
	"testing"

	"github.com/batchui/batchrun/internal/engine"
	"github.com/stretchr/testify/require"
)

func TestParseProgress(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  int
		ok    bool
	}{
		{"PROGRESS: 42", 42, true},
		{"progress:7\n", 7, true},
		{"step 3 Progress:\t15 of 100", 15, true},
		{"PROGRESS: 250", 100, true},
		{"PROGRESS: 99999999999999999999999", 100, true},
		{"PROGRESS: 10 PROGRESS: 20", 10, true},
		{"PROGRESS:", 0, false},
		{"PROGRESS: -5", 0, false},
		{"no markers", 0, false},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			p, ok := engine.ParseProgress([]byte(tc.given))
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.then, p)
		})
	}
}
