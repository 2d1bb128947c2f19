package queryengine

import (
	"context"
	"testing"

	"factum/pkg/fact"
	"factum/pkg/query"
)

// fakeReader is a hand-rolled in-memory GraphReader used to unit test the
// executor in isolation from any real storage backend.
type fakeReader struct {
	types     map[fact.Reference]string
	fields    map[fact.Reference]map[string]fact.Value
	preds     map[fact.Reference]map[string][]fact.Reference
	succs     map[fact.Reference]map[string][]fact.Reference
	sequences map[fact.Reference]int64
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		types:     map[fact.Reference]string{},
		fields:    map[fact.Reference]map[string]fact.Value{},
		preds:     map[fact.Reference]map[string][]fact.Reference{},
		succs:     map[fact.Reference]map[string][]fact.Reference{},
		sequences: map[fact.Reference]int64{},
	}
}

func (r *fakeReader) add(seq int64, f fact.Fact) fact.Reference {
	ref := fact.MustRefOf(f)
	r.types[ref] = f.Type
	r.fields[ref] = f.Fields
	r.preds[ref] = f.Predecessors
	r.sequences[ref] = seq
	for role, refs := range f.Predecessors {
		for _, p := range refs {
			if r.succs[p] == nil {
				r.succs[p] = map[string][]fact.Reference{}
			}
			r.succs[p][role] = append(r.succs[p][role], ref)
		}
	}
	return ref
}

func (r *fakeReader) Predecessors(ctx context.Context, ref fact.Reference, role string) ([]fact.Reference, error) {
	return r.preds[ref][role], nil
}
func (r *fakeReader) Successors(ctx context.Context, ref fact.Reference, role string) ([]fact.Reference, error) {
	return r.succs[ref][role], nil
}
func (r *fakeReader) TypeOf(ctx context.Context, ref fact.Reference) (string, error) {
	return r.types[ref], nil
}
func (r *fakeReader) FieldOf(ctx context.Context, ref fact.Reference, field string) (fact.Value, bool, error) {
	v, ok := r.fields[ref][field]
	return v, ok, nil
}
func (r *fakeReader) SequenceOf(ctx context.Context, ref fact.Reference) (int64, error) {
	return r.sequences[ref], nil
}

func TestRunStepsPredecessorWalk(t *testing.T) {
	reader := newFakeReader()
	list := fact.New("List", map[string]fact.Value{"name": fact.StringValue("Chores")}, nil)
	listRef := reader.add(1, list)
	task := fact.New("Task", map[string]fact.Value{"description": fact.StringValue("trash")},
		map[string][]fact.Reference{"list": {listRef}})
	taskRef := reader.add(2, task)

	q := query.StepQuery{Steps: []query.Step{
		query.Join{Direction: query.Predecessor, Role: "list"},
		query.PropertyCondition{Name: "type", Value: fact.StringValue("List")},
	}}
	got, err := RunSteps(context.Background(), reader, []fact.Reference{taskRef}, q)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != listRef {
		t.Fatalf("expected [%v], got %v", listRef, got)
	}
}

func TestRunStepsSuccessorWalk(t *testing.T) {
	reader := newFakeReader()
	list := fact.New("List", map[string]fact.Value{"name": fact.StringValue("Chores")}, nil)
	listRef := reader.add(1, list)
	task := fact.New("Task", map[string]fact.Value{"description": fact.StringValue("trash")},
		map[string][]fact.Reference{"list": {listRef}})
	taskRef := reader.add(2, task)

	q := query.StepQuery{Steps: []query.Step{
		query.Join{Direction: query.Successor, Role: "list"},
		query.PropertyCondition{Name: "type", Value: fact.StringValue("Task")},
	}}
	got, err := RunSteps(context.Background(), reader, []fact.Reference{listRef}, q)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != taskRef {
		t.Fatalf("expected [%v], got %v", taskRef, got)
	}
}

func buildTasksWithCompletions() (*fakeReader, fact.Reference, fact.Reference, fact.Reference) {
	reader := newFakeReader()
	list := fact.New("List", map[string]fact.Value{"name": fact.StringValue("Chores")}, nil)
	listRef := reader.add(1, list)
	task1 := fact.New("Task", map[string]fact.Value{"description": fact.StringValue("trash")},
		map[string][]fact.Reference{"list": {listRef}})
	task1Ref := reader.add(2, task1)
	task2 := fact.New("Task", map[string]fact.Value{"description": fact.StringValue("dishes")},
		map[string][]fact.Reference{"list": {listRef}})
	task2Ref := reader.add(3, task2)
	return reader, listRef, task1Ref, task2Ref
}

func tasksInListSpec() *query.Specification {
	return &query.Specification{
		Given: []query.Label{"list"},
		Matches: []query.Match{
			{
				Unknown: "task",
				Conditions: []query.Condition{
					query.PathCondition{
						RolesRight: nil,
						LabelRight: "list",
						RolesLeft:  []query.Role{{Name: "list", Type: "Task"}},
					},
					query.ExistentialCondition{
						Exists: false,
						Matches: []query.Match{
							{
								Unknown: "complete",
								Conditions: []query.Condition{
									query.PathCondition{
										RolesRight: nil,
										LabelRight: "task",
										RolesLeft:  []query.Role{{Name: "task", Type: "TaskComplete"}},
									},
								},
							},
						},
					},
				},
			},
		},
		Projection: query.LabelProjection{Label: "task"},
	}
}

func TestRunSpecificationExistentialNotExists(t *testing.T) {
	reader, listRef, task1Ref, task2Ref := buildTasksWithCompletions()
	spec := tasksInListSpec()
	res, err := Run(context.Background(), reader, spec, Row{"list": listRef})
	if err != nil {
		t.Fatal(err)
	}
	got := res.References("task")
	if len(got) != 2 || got[0] != task1Ref || got[1] != task2Ref {
		t.Fatalf("expected both tasks before completion, got %v", got)
	}

	complete := fact.New("TaskComplete", map[string]fact.Value{"completed": fact.BoolValue(true)},
		map[string][]fact.Reference{"task": {task2Ref}})
	reader.add(4, complete)

	res, err = Run(context.Background(), reader, spec, Row{"list": listRef})
	if err != nil {
		t.Fatal(err)
	}
	got = res.References("task")
	if len(got) != 1 || got[0] != task1Ref {
		t.Fatalf("expected only task1 after completion, got %v", got)
	}
}

func TestRunNestedProjectionYieldsPerRowSubCollection(t *testing.T) {
	reader, listRef, task1Ref, task2Ref := buildTasksWithCompletions()
	confirmed := fact.New("Confirmation", map[string]fact.Value{"by": fact.StringValue("alice")},
		map[string][]fact.Reference{"confirms": {task1Ref}})
	confirmedRef := reader.add(4, confirmed)

	confirmationsSpec := &query.Specification{
		Given: []query.Label{"task"},
		Matches: []query.Match{
			{
				Unknown: "confirmation",
				Conditions: []query.Condition{
					query.PathCondition{
						LabelRight: "task",
						RolesLeft:  []query.Role{{Name: "confirms", Type: "Confirmation"}},
					},
				},
			},
		},
		Projection: query.LabelProjection{Label: "confirmation"},
	}
	outer := tasksInListSpec()
	outer.Projection = query.NestedProjection{Name: "confirmations", Spec: confirmationsSpec}

	res, err := Run(context.Background(), reader, outer, Row{"list": listRef})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 2 || len(res.Nested) != 2 {
		t.Fatalf("expected 2 rows and 2 nested sub-collections, got %d/%d", len(res.Rows), len(res.Nested))
	}
	for i, row := range res.Rows {
		sub := res.Nested[i]
		switch row["task"] {
		case task1Ref:
			got := sub.References("confirmation")
			if len(got) != 1 || got[0] != confirmedRef {
				t.Fatalf("expected task1's nested collection to contain the confirmation, got %v", got)
			}
		case task2Ref:
			if len(sub.Rows) != 0 {
				t.Fatalf("expected task2's nested collection to be empty, got %v", sub.Rows)
			}
		default:
			t.Fatalf("unexpected task in outer rows: %v", row["task"])
		}
	}
}

func TestValidateRejectsUnboundLabel(t *testing.T) {
	spec := &query.Specification{
		Given: []query.Label{"list"},
		Matches: []query.Match{
			{Unknown: "task", Conditions: []query.Condition{
				query.PathCondition{LabelRight: "nonexistent"},
			}},
		},
		Projection: query.LabelProjection{Label: "task"},
	}
	if err := query.Validate(spec, nil); err == nil {
		t.Fatalf("expected malformed error for unbound label")
	}
}

func TestValidateRejectsSelfAnchor(t *testing.T) {
	spec := &query.Specification{
		Given: []query.Label{"list"},
		Matches: []query.Match{
			{Unknown: "task", Conditions: []query.Condition{
				query.PathCondition{LabelRight: "task"},
			}},
		},
		Projection: query.LabelProjection{Label: "task"},
	}
	if err := query.Validate(spec, nil); err == nil {
		t.Fatalf("expected malformed error for self-anchoring path condition")
	}
}
