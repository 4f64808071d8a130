package models

import (
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeReviewState(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		warnings int
	}{
		{"already normalized", "APPROVED", "APPROVED", 0},
		{"lowercase", "approved", "APPROVED", 0},
		{"mixed case underscore", "Changes_Requested", "CHANGES_REQUESTED", 0},
		{"commented", "commented", "COMMENTED", 0},
		{"pending", "PENDING", "PENDING", 0},
		{"dismissed", "Dismissed", "DISMISSED", 0},
		{"surrounding whitespace", "  approved ", "APPROVED", 0},
		{"empty string", "", "COMMENTED", 1},
		{"unknown value", "unknown", "COMMENTED", 1},
		{"trailing punctuation", "approved!", "COMMENTED", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := logrustest.NewNullLogger()
			got := NormalizeReviewState(tt.input, logger)
			assert.Equal(t, tt.expected, got)

			warnings := 0
			for _, entry := range hook.AllEntries() {
				if entry.Level == logrus.WarnLevel {
					warnings++
				}
			}
			assert.Equal(t, tt.warnings, warnings, "warning count for %q", tt.input)
		})
	}
}

func TestNormalizeReviewStateIdempotent(t *testing.T) {
	inputs := []string{"approved", "Changes_Requested", "commented", "pending", "dismissed", "", "garbage"}
	logger, _ := logrustest.NewNullLogger()

	for _, in := range inputs {
		once := NormalizeReviewState(in, logger)
		twice := NormalizeReviewState(once, logger)
		assert.Equal(t, once, twice, "normalize(normalize(%q))", in)
	}
}

func TestNormalizeReviewStateWarnsOncePerCall(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	NormalizeReviewState("bogus", logger)
	assert.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "bogus", hook.LastEntry().Data["state"])
}
