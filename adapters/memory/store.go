// Package memory provides mutex-guarded in-process implementations of the
// persistence ports for tests and single-process tools.
package memory

import (
	"context"
	"encoding/json"
	"maps"
	"sort"
	"sync"
	"time"

	"goexp/domain/bandit"
	"goexp/domain/core"
	"goexp/domain/experiment"
	"goexp/domain/stats"
	"goexp/ports"

	"github.com/tiendc/go-deepcopy"
)

type subjectKey struct {
	experimentID core.ID
	anonymous    bool
	key          string
}

func keyOf(experimentID core.ID, s experiment.Subject) subjectKey {
	return subjectKey{experimentID: experimentID, anonymous: s.IsAnonymous(), key: s.Key()}
}

// Store holds every entity behind a single lock
type Store struct {
	mu          sync.RWMutex
	experiments map[core.ID]*experiment.Experiment
	variants    map[core.ID]*experiment.Variant
	assignments map[subjectKey]*experiment.Assignment
	byID        map[core.ID]*experiment.Assignment
	results     map[core.ID][]*experiment.Result
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		experiments: make(map[core.ID]*experiment.Experiment),
		variants:    make(map[core.ID]*experiment.Variant),
		assignments: make(map[subjectKey]*experiment.Assignment),
		byID:        make(map[core.ID]*experiment.Assignment),
		results:     make(map[core.ID][]*experiment.Result),
	}
}

var (
	_ ports.ExperimentRepository = (*Store)(nil)
	_ ports.AssignmentLedger     = (*Store)(nil)
	_ ports.BanditStore          = (*Store)(nil)
	_ ports.ResultRepository     = (*Store)(nil)
)

func copyExperiment(e *experiment.Experiment) *experiment.Experiment {
	c := *e
	c.SecondaryMetrics = append([]string(nil), e.SecondaryMetrics...)
	return &c
}

// cloneMap deep-copies a JSON-shaped payload so callers never share nested
// maps or slices with the store
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	var out map[string]any
	if err := deepcopy.Copy(&out, &m); err != nil {
		return maps.Clone(m)
	}
	return out
}

func copyVariant(v *experiment.Variant) experiment.Variant {
	c := *v
	c.Configuration = cloneMap(v.Configuration)
	if v.ConversionRate != nil {
		rate := *v.ConversionRate
		c.ConversionRate = &rate
	}
	return c
}

func copyAssignment(a *experiment.Assignment) *experiment.Assignment {
	c := *a
	c.Context = cloneMap(a.Context)
	c.ConversionDetail = append(json.RawMessage(nil), a.ConversionDetail...)
	if len(c.ConversionDetail) == 0 {
		c.ConversionDetail = nil
	}
	return &c
}

func (s *Store) CreateExperiment(_ context.Context, exp *experiment.Experiment, variants []experiment.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[exp.ID]; ok {
		return core.NewValidationError("id", "experiment already exists")
	}
	s.experiments[exp.ID] = copyExperiment(exp)
	for i := range variants {
		v := copyVariant(&variants[i])
		v.ExperimentID = exp.ID
		s.variants[v.ID] = &v
	}
	return nil
}

func (s *Store) GetExperiment(_ context.Context, id core.ID) (*experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, core.NewNotFoundError(core.ErrExperimentNotFound, id.String())
	}
	return copyExperiment(e), nil
}

func (s *Store) TransitionExperiment(_ context.Context, exp *experiment.Experiment, from experiment.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.experiments[exp.ID]
	if !ok {
		return core.NewNotFoundError(core.ErrExperimentNotFound, exp.ID.String())
	}
	if current.Status != from {
		return core.NewTransitionError(string(current.Status), string(exp.Status))
	}
	s.experiments[exp.ID] = copyExperiment(exp)
	return nil
}

func (s *Store) ListExperimentsByStatus(_ context.Context, status experiment.Status) ([]*experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*experiment.Experiment
	for _, e := range s.experiments {
		if e.Status == status {
			out = append(out, copyExperiment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) variantsOf(experimentID core.ID) []experiment.Variant {
	var out []experiment.Variant
	for _, v := range s.variants {
		if v.ExperimentID == experimentID {
			out = append(out, copyVariant(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) ListVariants(_ context.Context, experimentID core.ID) ([]experiment.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.variantsOf(experimentID), nil
}

func (s *Store) GetVariant(_ context.Context, id core.ID) (*experiment.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variants[id]
	if !ok {
		return nil, core.NewNotFoundError(core.ErrVariantNotFound, id.String())
	}
	c := copyVariant(v)
	return &c, nil
}

func (s *Store) DeleteExperiment(_ context.Context, id core.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[id]; !ok {
		return core.NewNotFoundError(core.ErrExperimentNotFound, id.String())
	}
	delete(s.experiments, id)
	delete(s.results, id)
	for vid, v := range s.variants {
		if v.ExperimentID == id {
			delete(s.variants, vid)
		}
	}
	for k, a := range s.assignments {
		if a.ExperimentID == id {
			delete(s.assignments, k)
			delete(s.byID, a.ID)
		}
	}
	return nil
}

func (s *Store) GetAssignment(_ context.Context, experimentID core.ID, subject experiment.Subject) (*experiment.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[keyOf(experimentID, subject)]
	if !ok {
		return nil, core.NewNotFoundError(core.ErrAssignmentNotFound, subject.Key())
	}
	return copyAssignment(a), nil
}

func (s *Store) InsertAssignmentIfAbsent(_ context.Context, a *experiment.Assignment) (*experiment.Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(a.ExperimentID, a.Subject)
	if existing, ok := s.assignments[k]; ok {
		return copyAssignment(existing), false, nil
	}
	v, ok := s.variants[a.VariantID]
	if !ok {
		return nil, false, core.NewNotFoundError(core.ErrVariantNotFound, a.VariantID.String())
	}
	stored := copyAssignment(a)
	s.assignments[k] = stored
	s.byID[stored.ID] = stored
	v.TotalAssignments++
	refreshRate(v)
	return copyAssignment(stored), true, nil
}

// mutateVariant applies fn to the live variant under the write lock
func (s *Store) mutateVariant(id core.ID, fn func(v *experiment.Variant)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[id]
	if !ok {
		return core.NewNotFoundError(core.ErrVariantNotFound, id.String())
	}
	fn(v)
	return nil
}

func refreshRate(v *experiment.Variant) {
	if v.TotalAssignments == 0 {
		v.ConversionRate = nil
		return
	}
	rate := float64(v.TotalConversions) / float64(v.TotalAssignments)
	v.ConversionRate = &rate
}

func (s *Store) MarkConverted(_ context.Context, assignmentID core.ID, at time.Time, detail json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[assignmentID]
	if !ok {
		return false, core.NewNotFoundError(core.ErrAssignmentNotFound, assignmentID.String())
	}
	if a.ConvertedAt != nil {
		return false, nil
	}
	v, ok := s.variants[a.VariantID]
	if !ok {
		return false, core.NewNotFoundError(core.ErrVariantNotFound, a.VariantID.String())
	}
	a.ConvertedAt = core.TimePtr(at)
	if len(detail) > 0 {
		a.ConversionDetail = append(json.RawMessage(nil), detail...)
	}
	v.TotalConversions++
	refreshRate(v)
	return true, nil
}

func (s *Store) MarkExposed(_ context.Context, assignmentID core.ID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[assignmentID]
	if !ok {
		return false, core.NewNotFoundError(core.ErrAssignmentNotFound, assignmentID.String())
	}
	if a.FirstExposureAt != nil {
		return false, nil
	}
	a.FirstExposureAt = core.TimePtr(at)
	return true, nil
}

func (s *Store) CountOutcomes(_ context.Context, experimentID core.ID) (map[core.ID]stats.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[core.ID]stats.Counts)
	for _, v := range s.variantsOf(experimentID) {
		out[v.ID] = stats.Counts{}
	}
	for _, a := range s.byID {
		if a.ExperimentID != experimentID {
			continue
		}
		c := out[a.VariantID]
		c.SampleSize++
		if a.ConvertedAt != nil {
			c.Conversions++
		}
		out[a.VariantID] = c
	}
	return out, nil
}

func (s *Store) ListConversionDetails(_ context.Context, experimentID core.ID) (map[core.ID][]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[core.ID][]json.RawMessage)
	for _, a := range s.byID {
		if a.ExperimentID == experimentID && a.ConvertedAt != nil {
			out[a.VariantID] = append(out[a.VariantID], append(json.RawMessage(nil), a.ConversionDetail...))
		}
	}
	return out, nil
}

func (s *Store) LoadArms(_ context.Context, experimentID core.ID) ([]bandit.Arm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	variants := s.variantsOf(experimentID)
	arms := make([]bandit.Arm, len(variants))
	for i, v := range variants {
		arms[i] = bandit.Arm{VariantID: v.ID, Successes: v.Successes, Failures: v.Failures, Pulls: v.Pulls}
	}
	return arms, nil
}

func (s *Store) IncrementPull(_ context.Context, variantID core.ID) error {
	return s.mutateVariant(variantID, func(v *experiment.Variant) { v.Pulls++ })
}

func (s *Store) RecordReward(_ context.Context, variantID core.ID, success bool) (*bandit.Arm, error) {
	var arm bandit.Arm
	err := s.mutateVariant(variantID, func(v *experiment.Variant) {
		if success {
			v.Successes++
		} else {
			v.Failures++
		}
		arm = bandit.Arm{VariantID: v.ID, Successes: v.Successes, Failures: v.Failures, Pulls: v.Pulls}
	})
	if err != nil {
		return nil, err
	}
	return &arm, nil
}

func (s *Store) SaveResults(_ context.Context, results []*experiment.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		c := *r
		s.results[r.ExperimentID] = append(s.results[r.ExperimentID], &c)
	}
	return nil
}

func (s *Store) LatestResults(ctx context.Context, experimentID core.ID, metric string) ([]*experiment.Result, error) {
	history, err := s.ResultHistory(ctx, experimentID, metric)
	if err != nil || len(history) == 0 {
		return nil, err
	}
	// history is stable-sorted, so the last row per variant at the newest
	// timestamp is the one written last
	latest := history[len(history)-1].ComputedAt
	var out []*experiment.Result
	index := make(map[core.ID]int)
	for _, r := range history {
		if !r.ComputedAt.Equal(latest) {
			continue
		}
		if i, ok := index[r.VariantID]; ok {
			out[i] = r
			continue
		}
		index[r.VariantID] = len(out)
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) ResultHistory(_ context.Context, experimentID core.ID, metric string) ([]*experiment.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	position := make(map[core.ID]int)
	for _, v := range s.variantsOf(experimentID) {
		position[v.ID] = v.Position
	}
	var out []*experiment.Result
	for _, r := range s.results[experimentID] {
		if r.MetricName == metric {
			c := *r
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ComputedAt.Equal(out[j].ComputedAt) {
			return out[i].ComputedAt.Before(out[j].ComputedAt)
		}
		return position[out[i].VariantID] < position[out[j].VariantID]
	})
	return out, nil
}
