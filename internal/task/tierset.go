package task

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/phrazzld/captionq/internal/domain"
)

// TierSet is a group of identical worker units serving Tiers in service
// order.
type TierSet struct {
	Tiers []domain.Priority
	Count int
}

// String renders the set in ParseTierSets syntax.
func (s TierSet) String() string {
	return fmt.Sprintf("%s=%d", joinTiers(s.Tiers), s.Count)
}

// ParseTierSets parses a tier set list such as "urgent,high=1;urgent,high,normal,low=2".
// A group without "=n" gets one unit.
func ParseTierSets(list string) ([]TierSet, error) {
	var sets []TierSet
	for _, group := range strings.Split(list, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		tiersPart, countPart, hasCount := strings.Cut(group, "=")
		count := 1
		if hasCount {
			n, err := strconv.Atoi(strings.TrimSpace(countPart))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("%w: invalid unit count in %q", domain.ErrValidation, group)
			}
			count = n
		}
		tiers, err := domain.ParseTiers(tiersPart)
		if err != nil {
			return nil, err
		}
		sets = append(sets, TierSet{Tiers: tiers, Count: count})
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: no tier sets in %q", domain.ErrValidation, list)
	}
	return sets, nil
}

func joinTiers(tiers []domain.Priority) string {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}
