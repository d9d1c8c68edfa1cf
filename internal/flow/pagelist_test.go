package flow

import (
	"reflect"
	"testing"
)

func branchingPages() []PageSpec {
	return []PageSpec{
		{Name: "Consent", Path: "consent"},
		{Name: "Demographics", Path: "questionnaire/demographics"},
		{ConditionalRouting: []ConditionBranch{
			{Condition: 1, PageList: []PageSpec{
				{Name: "Task", Path: "task/easy"},
				{Name: "Survey", Path: "questionnaire/effort/post"},
			}},
			{Condition: 2, PageList: []PageSpec{
				{Name: "Task", Path: "task/hard"},
				{Name: "Break", Path: "break"},
				{Name: "Survey", Path: "questionnaire/effort/post"},
			}},
		}},
		{Name: "End", Path: "end"},
	}
}

func mustPageList(t *testing.T, pages []PageSpec, conditions int) *PageList {
	t.Helper()
	l, err := NewPageList(pages, conditions)
	if err != nil {
		t.Fatalf("NewPageList: %v", err)
	}
	return l
}

func paths(flat []PageSpec) []string {
	out := make([]string, 0, len(flat))
	for _, p := range flat {
		out = append(out, p.Path)
	}
	return out
}

func TestFlattenSelectsMatchingBranch(t *testing.T) {
	l := mustPageList(t, branchingPages(), 2)

	got := paths(l.Flatten(1))
	want := []string{"consent", "questionnaire/demographics", "task/easy", "questionnaire/effort/post", "end"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("condition 1: got %v, want %v", got, want)
	}

	got = paths(l.Flatten(2))
	want = []string{"consent", "questionnaire/demographics", "task/hard", "break", "questionnaire/effort/post", "end"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("condition 2: got %v, want %v", got, want)
	}
}

func TestFlattenIsDeterministic(t *testing.T) {
	l := mustPageList(t, branchingPages(), 2)
	for _, cond := range []int{NoCondition, AllConditions, 1, 2} {
		first := paths(l.Flatten(cond))
		second := paths(l.Flatten(cond))
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("condition %d: %v != %v", cond, first, second)
		}
	}
}

func TestFlattenAllConditionsYieldsUnion(t *testing.T) {
	l := mustPageList(t, branchingPages(), 2)
	got := paths(l.Flatten(AllConditions))
	want := []string{
		"consent", "questionnaire/demographics",
		"task/easy", "questionnaire/effort/post",
		"task/hard", "break", "questionnaire/effort/post",
		"end",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestFlattenNoConditionSkipsBranches(t *testing.T) {
	l := mustPageList(t, branchingPages(), 2)
	got := paths(l.Flatten(NoCondition))
	want := []string{"consent", "questionnaire/demographics", "end"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestFlattenUnmatchedConditionContributesNothing(t *testing.T) {
	l := mustPageList(t, []PageSpec{
		{Name: "Consent", Path: "consent"},
		{ConditionalRouting: []ConditionBranch{
			{Condition: 1, PageList: []PageSpec{{Name: "Extra", Path: "extra"}}},
		}},
		{Name: "End", Path: "end"},
	}, 2)
	got := paths(l.Flatten(2))
	want := []string{"consent", "end"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestIndexOf(t *testing.T) {
	l := mustPageList(t, branchingPages(), 2)

	if i, ok := l.IndexOf("consent", 1); !ok || i != 0 {
		t.Fatalf("consent: got (%d, %v)", i, ok)
	}
	if i, ok := l.IndexOf("/task/easy", 1); !ok || i != 2 {
		t.Fatalf("leading slash should be stripped: got (%d, %v)", i, ok)
	}
	if _, ok := l.IndexOf("task/easy", 2); ok {
		t.Fatalf("task/easy should not resolve for condition 2")
	}
	if _, ok := l.IndexOf("nope", 1); ok {
		t.Fatalf("unknown path should not resolve")
	}
}

func TestNextPathClampsAtEnd(t *testing.T) {
	l := mustPageList(t, branchingPages(), 2)

	next, err := l.NextPath("consent", 1)
	if err != nil || next != "questionnaire/demographics" {
		t.Fatalf("got (%q, %v)", next, err)
	}
	next, err = l.NextPath("end", 1)
	if err != nil || next != "end" {
		t.Fatalf("end should clamp to itself: got (%q, %v)", next, err)
	}
	if _, err := l.NextPath("missing", 1); err == nil {
		t.Fatalf("expected ErrPathNotFound")
	}
}

func TestPreviousPathClampsAtStart(t *testing.T) {
	l := mustPageList(t, branchingPages(), 2)

	prev, err := l.PreviousPath("consent", 1)
	if err != nil || prev != "consent" {
		t.Fatalf("first page should clamp to itself: got (%q, %v)", prev, err)
	}
	prev, err = l.PreviousPath("task/easy", 1)
	if err != nil || prev != "questionnaire/demographics" {
		t.Fatalf("got (%q, %v)", prev, err)
	}
}

func TestQuestionnairePaths(t *testing.T) {
	l := mustPageList(t, branchingPages(), 2)

	tagged := l.QuestionnairePaths(true)
	wantTagged := []string{"demographics", "effort/post"}
	if !reflect.DeepEqual(tagged, wantTagged) {
		t.Fatalf("tagged: got %v, want %v", tagged, wantTagged)
	}

	untagged := l.QuestionnairePaths(false)
	wantUntagged := []string{"demographics", "effort"}
	if !reflect.DeepEqual(untagged, wantUntagged) {
		t.Fatalf("untagged: got %v, want %v", untagged, wantUntagged)
	}
}

func TestSharedTaggedQuestionnaireAcrossArmsIsNotDuplicate(t *testing.T) {
	// questionnaire/effort/post appears in both arms but never twice in
	// one arm's sequence.
	l := mustPageList(t, branchingPages(), 2)
	if l.HasDuplicateQuestionnaires() {
		t.Fatalf("cross-arm reuse of a tagged questionnaire should be allowed")
	}
}

func TestDuplicateQuestionnaireWithinOneConditionRejected(t *testing.T) {
	pages := []PageSpec{
		{Name: "Consent", Path: "consent"},
		{Name: "Survey", Path: "questionnaire/demo"},
		{ConditionalRouting: []ConditionBranch{
			{Condition: 1, PageList: []PageSpec{{Name: "Survey", Path: "questionnaire/demo"}}},
		}},
		{Name: "End", Path: "end"},
	}
	if _, err := NewPageList(pages, 1); err == nil {
		t.Fatalf("expected duplicate tagged questionnaire to fail validation")
	}

	// A distinct tag disambiguates the second administration.
	pages[2].ConditionalRouting[0].PageList[0].Path = "questionnaire/demo/post"
	l := mustPageList(t, pages, 1)
	if l.HasDuplicateQuestionnaires() {
		t.Fatalf("distinct tags should not count as duplicates")
	}
}

func TestValidateRejectsMalformedEntries(t *testing.T) {
	cases := []struct {
		name  string
		pages []PageSpec
		conds int
	}{
		{"empty list", nil, 0},
		{"first entry conditional", []PageSpec{
			{ConditionalRouting: []ConditionBranch{{Condition: 1, PageList: []PageSpec{{Name: "A", Path: "a"}}}}},
		}, 1},
		{"path and routing", []PageSpec{
			{Name: "Consent", Path: "consent", ConditionalRouting: []ConditionBranch{{Condition: 1, PageList: []PageSpec{{Name: "A", Path: "a"}}}}},
		}, 1},
		{"neither path nor routing", []PageSpec{{Name: "Consent", Path: "consent"}, {Name: "Blank"}}, 0},
		{"branch without pages", []PageSpec{
			{Name: "Consent", Path: "consent"},
			{ConditionalRouting: []ConditionBranch{{Condition: 1}}},
		}, 1},
		{"branch condition zero", []PageSpec{
			{Name: "Consent", Path: "consent"},
			{ConditionalRouting: []ConditionBranch{{Condition: 0, PageList: []PageSpec{{Name: "A", Path: "a"}}}}},
		}, 1},
		{"branch beyond configured arms", []PageSpec{
			{Name: "Consent", Path: "consent"},
			{ConditionalRouting: []ConditionBranch{{Condition: 3, PageList: []PageSpec{{Name: "A", Path: "a"}}}}},
		}, 2},
		{"colliding branch conditions", []PageSpec{
			{Name: "Consent", Path: "consent"},
			{ConditionalRouting: []ConditionBranch{
				{Condition: 1, PageList: []PageSpec{{Name: "A", Path: "a"}}},
				{Condition: 1, PageList: []PageSpec{{Name: "B", Path: "b"}}},
			}},
		}, 1},
		{"routing without conditions configured", []PageSpec{
			{Name: "Consent", Path: "consent"},
			{ConditionalRouting: []ConditionBranch{{Condition: 1, PageList: []PageSpec{{Name: "A", Path: "a"}}}}},
		}, 0},
		{"nested routing", []PageSpec{
			{Name: "Consent", Path: "consent"},
			{ConditionalRouting: []ConditionBranch{{Condition: 1, PageList: []PageSpec{
				{ConditionalRouting: []ConditionBranch{{Condition: 1, PageList: []PageSpec{{Name: "A", Path: "a"}}}}},
			}}}},
		}, 1},
	}
	for _, tc := range cases {
		if _, err := NewPageList(tc.pages, tc.conds); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
