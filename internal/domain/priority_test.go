package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Priority
		ok   bool
	}{
		{"urgent", PriorityUrgent, true},
		{" HIGH ", PriorityHigh, true},
		{"normal", PriorityNormal, true},
		{"low", PriorityLow, true},
		{"critical", PriorityNormal, false},
		{"", PriorityNormal, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParsePriority(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestPriorityRank(t *testing.T) {
	t.Parallel()
	for i, p := range Priorities {
		assert.Equal(t, i, p.Rank())
		assert.Equal(t, p, PriorityFromRank(i))
	}
	assert.Equal(t, -1, Priority("x").Rank())
	assert.Equal(t, PriorityNormal, PriorityFromRank(9))
}

func TestParseTiers(t *testing.T) {
	t.Parallel()

	tiers, err := ParseTiers("low, urgent,high,low")
	require.NoError(t, err)
	assert.Equal(t, []Priority{PriorityUrgent, PriorityHigh, PriorityLow}, tiers)

	_, err = ParseTiers("urgent,bogus")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParseTiers(" , ")
	assert.Error(t, err)
}
