package services

import (
	"encoding/json"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Arm is one experimental condition a participant may be assigned to.
// Ordinals are positional and 1-based; an arm left unlabelled in the
// study file is still a valid destination.
type Arm struct {
	Label   string
	Enabled bool
}

// UnmarshalJSON defaults Enabled to true when the study file omits it.
func (a *Arm) UnmarshalJSON(data []byte) error {
	raw := struct {
		Label   string `json:"label"`
		Enabled *bool  `json:"enabled"`
	}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Label = raw.Label
	a.Enabled = raw.Enabled == nil || *raw.Enabled
	return nil
}

// AssignStore supplies the per-arm population counts the balancing
// algorithm works from.
type AssignStore interface {
	// CountInCondition reports how many participants currently hold the
	// given condition, always excluding participants flagged
	// exclude-from-count. When abandonedBefore is nonzero, unfinished
	// participants last active before that instant are excluded too.
	CountInCondition(condition int, abandonedBefore time.Time) (int, error)
}

// AssignService picks an arm for a newly consenting participant by
// greedy load balancing: the least-populated enabled arm wins, with the
// lower ordinal breaking ties. Two concurrent consents may both read
// the same minimum and land in the same arm; that bounded imbalance is
// accepted rather than serialized.
type AssignService struct {
	store            AssignStore
	arms             []Arm
	excludeAbandoned bool
	abandonedAfter   time.Duration
	now              func() time.Time
}

func NewAssignService(store AssignStore, arms []Arm, excludeAbandoned bool, abandonedAfter time.Duration) *AssignService {
	return &AssignService{
		store:            store,
		arms:             arms,
		excludeAbandoned: excludeAbandoned,
		abandonedAfter:   abandonedAfter,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Arms returns the configured arms in ordinal order.
func (s *AssignService) Arms() []Arm { return s.arms }

// Assign returns the chosen arm ordinal. ok is false when the study has
// no arms configured, in which case the participant stays
// unconditioned. Zero enabled arms with arms configured is a
// configuration error.
func (s *AssignService) Assign() (condition int, ok bool, err error) {
	if len(s.arms) == 0 {
		return 0, false, nil
	}
	var abandonedBefore time.Time
	if s.excludeAbandoned {
		abandonedBefore = s.now().Add(-s.abandonedAfter)
	}
	type armCount struct {
		ordinal int
		count   int
	}
	counts := make([]armCount, 0, len(s.arms))
	logged := make([]string, 0, len(s.arms))
	for i := range s.arms {
		n, err := s.store.CountInCondition(i+1, abandonedBefore)
		if err != nil {
			return 0, false, err
		}
		counts = append(counts, armCount{ordinal: i + 1, count: n})
		logged = append(logged, strings.TrimSpace(s.arms[i].Label)+":"+strconv.Itoa(n))
	}
	sort.SliceStable(counts, func(a, b int) bool { return counts[a].count < counts[b].count })
	for _, ac := range counts {
		if s.arms[ac.ordinal-1].Enabled {
			log.Printf("assign: counts [%s], participant placed in condition %d", strings.Join(logged, " "), ac.ordinal)
			return ac.ordinal, true, nil
		}
	}
	return 0, false, NewInvalidError("no enabled condition to assign")
}

// Release invalidates a participant's granted condition by negating it,
// which removes them from every balancing count while preserving which
// arm they had. An explicit no-condition (zero) is never negated.
func Release(p *Participant) {
	if p.ConditionAssigned && p.Condition > 0 {
		p.Condition = -p.Condition
	}
}
