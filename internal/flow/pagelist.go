package flow

import (
	"errors"
	"fmt"
	"strings"
)

// Condition values carried by participants: arms are numbered 1..N, a
// released assignment is stored as the negated arm number.
const (
	// AllConditions selects every branch of every conditional routing
	// block. It exists for enumerating the universe of pages (e.g. to
	// discover questionnaire paths) and is never valid for navigation.
	AllConditions = 0

	// NoCondition matches no branch. Participants without an assigned
	// arm navigate with this value and only see unconditional pages.
	NoCondition = -1
)

// EndPath is the terminal page of every experiment. It is expected to be
// the last entry of the page list.
const EndPath = "end"

// QuestionnairePrefix marks page paths that collect questionnaire data.
// A path may carry a tag suffix ("questionnaire/<name>/<tag>") when the
// same instrument is administered more than once.
const QuestionnairePrefix = "questionnaire/"

// ErrPathNotFound reports that a path does not exist in the flattened
// sequence for the condition in question. Callers must treat it as a
// recoverable navigation error, not as index zero.
var ErrPathNotFound = errors.New("path not in page list")

// PageSpec describes one step of the experiment. A spec is either a
// concrete page (name + path) or a conditional routing block, never both.
type PageSpec struct {
	Name               string            `json:"name,omitempty"`
	Path               string            `json:"path,omitempty"`
	ConditionalRouting []ConditionBranch `json:"conditional_routing,omitempty"`
}

// ConditionBranch holds the pages shown to one experimental arm. Branch
// pages are plain entries; nesting conditional routing is not allowed.
type ConditionBranch struct {
	Condition int        `json:"condition"`
	PageList  []PageSpec `json:"page_list"`
}

// PageList resolves the declarative page configuration into linear,
// condition-specific sequences and answers positional queries about
// them. It is read-only after construction and safe to share across
// requests.
type PageList struct {
	pages          []PageSpec
	conditionCount int
}

// NewPageList validates the configuration and returns the resolver.
// conditionCount is the number of configured arms; zero means the study
// does not use conditions. Validation failures are fatal: a malformed
// page list must stop the application before any participant is routed.
func NewPageList(pages []PageSpec, conditionCount int) (*PageList, error) {
	l := &PageList{pages: pages, conditionCount: conditionCount}
	if err := l.validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// ConditionCount reports the number of configured arms.
func (l *PageList) ConditionCount() int { return l.conditionCount }

func (l *PageList) validate() error {
	if len(l.pages) == 0 {
		return errors.New("page list is empty")
	}
	if l.pages[0].Path == "" {
		return errors.New("page list must begin with an unconditional page")
	}
	for i, entry := range l.pages {
		hasPath := entry.Path != ""
		hasRouting := len(entry.ConditionalRouting) > 0
		switch {
		case hasPath && hasRouting:
			return fmt.Errorf("page list entry %d: %q has both a path and conditional routing", i, entry.Path)
		case !hasPath && !hasRouting:
			return fmt.Errorf("page list entry %d: needs either a path or conditional routing", i)
		}
		if !hasRouting {
			continue
		}
		if l.conditionCount == 0 {
			return fmt.Errorf("page list entry %d: conditional routing requires configured conditions", i)
		}
		seen := map[int]bool{}
		for j, branch := range entry.ConditionalRouting {
			if branch.Condition < 1 {
				return fmt.Errorf("page list entry %d branch %d: condition must be >= 1", i, j)
			}
			if branch.Condition > l.conditionCount {
				return fmt.Errorf("page list entry %d branch %d: condition %d exceeds the %d configured conditions", i, j, branch.Condition, l.conditionCount)
			}
			if seen[branch.Condition] {
				return fmt.Errorf("page list entry %d: duplicate branch for condition %d", i, branch.Condition)
			}
			seen[branch.Condition] = true
			if len(branch.PageList) == 0 {
				return fmt.Errorf("page list entry %d branch %d: empty page list", i, j)
			}
			for k, page := range branch.PageList {
				if len(page.ConditionalRouting) > 0 {
					return fmt.Errorf("page list entry %d branch %d page %d: nested conditional routing is not supported", i, j, k)
				}
				if page.Path == "" {
					return fmt.Errorf("page list entry %d branch %d page %d: missing path", i, j, k)
				}
			}
		}
	}
	if dup := l.firstDuplicateQuestionnaire(); dup != "" {
		return fmt.Errorf("questionnaire %q appears more than once in a single condition's sequence; give repeated administrations distinct tags", dup)
	}
	return nil
}

// Flatten resolves the page list for one condition into a linear
// sequence. It is pure and deterministic. A positive condition selects
// the first matching branch of each routing block; blocks without a
// matching branch contribute nothing, so arms may differ in length.
// AllConditions appends every branch of every block.
func (l *PageList) Flatten(condition int) []PageSpec {
	flat := make([]PageSpec, 0, len(l.pages))
	for _, entry := range l.pages {
		if len(entry.ConditionalRouting) == 0 {
			flat = append(flat, entry)
			continue
		}
		for _, branch := range entry.ConditionalRouting {
			if condition == AllConditions {
				flat = append(flat, branch.PageList...)
				continue
			}
			if branch.Condition == condition {
				flat = append(flat, branch.PageList...)
				break
			}
		}
	}
	return flat
}

// IndexOf locates a path within the flattened sequence for the given
// condition. A single leading slash is stripped before comparison. The
// second return value distinguishes a miss from index zero.
func (l *PageList) IndexOf(path string, condition int) (int, bool) {
	path = strings.TrimPrefix(path, "/")
	for i, page := range l.Flatten(condition) {
		if page.Path == path {
			return i, true
		}
	}
	return 0, false
}

// FirstPath returns the first page of the sequence for a condition.
func (l *PageList) FirstPath(condition int) string {
	flat := l.Flatten(condition)
	if len(flat) == 0 {
		return ""
	}
	return flat[0].Path
}

// NextPath returns the path after currentPath in the flattened sequence,
// clamping at the final entry: there is no page after the end, so the
// last path maps to itself.
func (l *PageList) NextPath(currentPath string, condition int) (string, error) {
	flat := l.Flatten(condition)
	i, ok := l.IndexOf(currentPath, condition)
	if !ok {
		return "", fmt.Errorf("next of %q: %w", currentPath, ErrPathNotFound)
	}
	if i+1 >= len(flat) {
		return flat[i].Path, nil
	}
	return flat[i+1].Path, nil
}

// PreviousPath returns the path before currentPath, clamping at index
// zero.
func (l *PageList) PreviousPath(currentPath string, condition int) (string, error) {
	flat := l.Flatten(condition)
	i, ok := l.IndexOf(currentPath, condition)
	if !ok {
		return "", fmt.Errorf("previous of %q: %w", currentPath, ErrPathNotFound)
	}
	if i == 0 {
		return flat[0].Path, nil
	}
	return flat[i-1].Path, nil
}

// QuestionnairePaths returns every questionnaire reachable in any
// condition, with the "questionnaire/" prefix stripped. Unconditional
// pages are reported first, then each arm in ascending order, with the
// first occurrence winning on duplicates. When includeTags is false the
// tag suffix is stripped as well, so repeated administrations of the
// same instrument collapse to one entry.
func (l *PageList) QuestionnairePaths(includeTags bool) []string {
	var names []string
	seen := map[string]bool{}
	collect := func(pages []PageSpec) {
		for _, page := range pages {
			name, ok := questionnaireName(page.Path, includeTags)
			if !ok || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	collect(l.Flatten(NoCondition))
	for c := 1; c <= l.conditionCount; c++ {
		collect(l.Flatten(c))
	}
	return names
}

// HasDuplicateQuestionnaires reports whether any single condition's
// flattened sequence repeats a tagged questionnaire path. Two steps with
// the same tagged path in one sequence would write to the same response
// row, corrupting the participant's data; the same tagged path in two
// different arms is fine, since no participant sees both.
func (l *PageList) HasDuplicateQuestionnaires() bool {
	return l.firstDuplicateQuestionnaire() != ""
}

func (l *PageList) firstDuplicateQuestionnaire() string {
	conditions := []int{NoCondition}
	for c := 1; c <= l.conditionCount; c++ {
		conditions = append(conditions, c)
	}
	for _, c := range conditions {
		seen := map[string]bool{}
		for _, page := range l.Flatten(c) {
			name, ok := questionnaireName(page.Path, true)
			if !ok {
				continue
			}
			if seen[name] {
				return name
			}
			seen[name] = true
		}
	}
	return ""
}

func questionnaireName(path string, includeTags bool) (string, bool) {
	if !strings.HasPrefix(path, QuestionnairePrefix) {
		return "", false
	}
	name := strings.TrimPrefix(path, QuestionnairePrefix)
	if !includeTags {
		name, _, _ = strings.Cut(name, "/")
	}
	return name, true
}
