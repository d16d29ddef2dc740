package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	r, err := ParseRule("interval", "5")
	require.NoError(t, err)
	assert.Equal(t, IntervalRule(5), r)
	assert.Equal(t, "5", r.Value())

	r, err = ParseRule("daily", "9:05")
	require.NoError(t, err)
	assert.Equal(t, DailyRule("09:05"), r)
	assert.Equal(t, "09:05", r.Value())
}

func TestParseRule_Invalid(t *testing.T) {
	cases := []struct{ kind, value string }{
		{"interval", "0"},
		{"interval", "five"},
		{"daily", "24:00"},
		{"daily", "14:60"},
		{"weekly", "1"},
	}
	for _, c := range cases {
		_, err := ParseRule(c.kind, c.value)
		assert.True(t, errors.Is(err, ErrValidation), "%s/%s", c.kind, c.value)
	}
}

func TestTaskPatch_Apply(t *testing.T) {
	task := Task{Group: "a", Rule: IntervalRule(5), Text: "hi"}
	group := "b"
	rule := DailyRule("14:30")
	TaskPatch{Group: &group, Rule: &rule}.Apply(&task)

	assert.Equal(t, "b", task.Group)
	assert.Equal(t, rule, task.Rule)
	assert.Equal(t, "hi", task.Text)
	assert.True(t, TaskPatch{}.Empty())
}

func TestStatus_Valid(t *testing.T) {
	assert.True(t, StatusRunning.Valid())
	assert.True(t, StatusScheduled.Valid())
	assert.False(t, StatusDeleted.Valid())
	assert.False(t, Status("paused").Valid())
}
