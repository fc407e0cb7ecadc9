package plan

import (
	"reflect"
	"strings"
	"testing"

	"github.com/wjlgatech/epiloop/internal/model"
)

func story(id string, deps ...string) model.Story {
	return model.Story{ID: id, Description: "test story " + id, Dependencies: deps}
}

func TestBatches_DiamondGraph(t *testing.T) {
	stories := []model.Story{
		story("A"),
		story("B"),
		story("C", "A", "B"),
	}

	batches, err := Batches(stories)
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}

	want := [][]string{{"A", "B"}, {"C"}}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("Batches = %v, want %v", batches, want)
	}
}

func TestBatches_Deterministic(t *testing.T) {
	stories := []model.Story{
		story("z"),
		story("m", "z"),
		story("a", "z"),
		story("q", "m", "a"),
	}

	first, err := Batches(stories)
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Batches(stories)
		if err != nil {
			t.Fatalf("Batches failed on re-plan: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("re-plan diverged: %v vs %v", first, again)
		}
	}
}

func TestBatches_CompletedDependenciesSatisfy(t *testing.T) {
	stories := []model.Story{
		{ID: "done", Complete: true},
		story("next", "done"),
	}

	batches, err := Batches(stories)
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	want := [][]string{{"next"}}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("Batches = %v, want %v", batches, want)
	}
}

func TestBatches_CompletedStoriesNotScheduled(t *testing.T) {
	stories := []model.Story{
		{ID: "A", Complete: true},
		{ID: "B", Complete: true},
	}

	batches, err := Batches(stories)
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("Batches = %v, want empty", batches)
	}
}

func TestBatches_DependencyOrdering(t *testing.T) {
	stories := []model.Story{
		story("a"),
		story("b", "a"),
		story("c", "b"),
		story("d", "a"),
		story("e", "c", "d"),
	}

	batches, err := Batches(stories)
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}

	batchOf := make(map[string]int)
	for i, batch := range batches {
		for _, id := range batch {
			batchOf[id] = i
		}
	}
	for _, s := range stories {
		for _, dep := range s.Dependencies {
			if batchOf[dep] >= batchOf[s.ID] {
				t.Errorf("story %s in batch %d not after dependency %s in batch %d",
					s.ID, batchOf[s.ID], dep, batchOf[dep])
			}
		}
	}
}

func TestBatches_CycleDetected(t *testing.T) {
	stories := []model.Story{
		story("A", "C"),
		story("B", "A"),
		story("C", "B"),
	}

	_, err := Batches(stories)
	if err == nil {
		t.Fatalf("Batches accepted cyclic graph")
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("error %q does not mention circular dependency", err)
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("error %q does not carry a cycle path", err)
	}
}

func TestBatches_PartialCycleAfterValidLayer(t *testing.T) {
	stories := []model.Story{
		story("root"),
		story("x", "root", "y"),
		story("y", "x"),
	}

	_, err := Batches(stories)
	if err == nil {
		t.Fatalf("Batches accepted graph with embedded cycle")
	}
}

func TestValidate(t *testing.T) {
	t.Run("self_reference", func(t *testing.T) {
		err := Validate([]model.Story{story("A", "A")})
		if err == nil {
			t.Errorf("self-reference accepted")
		}
	})

	t.Run("unknown_dependency", func(t *testing.T) {
		err := Validate([]model.Story{story("A", "ghost")})
		if err == nil || !strings.Contains(err.Error(), "unknown story") {
			t.Errorf("unknown dependency accepted: %v", err)
		}
	})

	t.Run("duplicate_id", func(t *testing.T) {
		err := Validate([]model.Story{story("A"), story("A")})
		if err == nil || !strings.Contains(err.Error(), "duplicate") {
			t.Errorf("duplicate id accepted: %v", err)
		}
	})

	t.Run("valid", func(t *testing.T) {
		if err := Validate([]model.Story{story("A"), story("B", "A")}); err != nil {
			t.Errorf("valid graph rejected: %v", err)
		}
	})
}
