package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/captionq/internal/domain"
)

func TestParseTierSets(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []TierSet
		wantErr bool
	}{
		{
			name:  "default layout",
			input: "urgent,high=1;urgent,high,normal,low=2",
			want: []TierSet{
				{Tiers: []domain.Priority{domain.PriorityUrgent, domain.PriorityHigh}, Count: 1},
				{Tiers: domain.Priorities, Count: 2},
			},
		},
		{
			name:  "count defaults to one",
			input: "low",
			want:  []TierSet{{Tiers: []domain.Priority{domain.PriorityLow}, Count: 1}},
		},
		{
			name:  "tiers are put in service order",
			input: " low , urgent = 3 ;",
			want:  []TierSet{{Tiers: []domain.Priority{domain.PriorityUrgent, domain.PriorityLow}, Count: 3}},
		},
		{name: "empty", input: " ; ", wantErr: true},
		{name: "zero count", input: "urgent=0", wantErr: true},
		{name: "bad count", input: "urgent=many", wantErr: true},
		{name: "unknown tier", input: "urgent,critical=1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTierSets(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTierSetString(t *testing.T) {
	set := TierSet{Tiers: []domain.Priority{domain.PriorityUrgent, domain.PriorityHigh}, Count: 2}
	assert.Equal(t, "urgent,high=2", set.String())

	parsed, err := ParseTierSets(set.String())
	require.NoError(t, err)
	assert.Equal(t, []TierSet{set}, parsed)
}
