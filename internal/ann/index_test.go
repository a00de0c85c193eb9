package ann_test

import (
	"testing"

	"github.com/shubhambiswas2196/engram-db/internal/ann"
)

func Test_Search_Returns_Exact_Match_First(t *testing.T) {
	t.Parallel()

	ix := ann.New(3)

	vectors := map[uint64][]float32{
		1: {1, 0, 0},
		2: {0, 1, 0},
		3: {0, 0, 1},
		4: {0.9, 0.1, 0},
	}

	for id, vec := range vectors {
		err := ix.Insert(vec, id)
		if err != nil {
			t.Fatalf("insert %d: %v", id, err)
		}
	}

	results, err := ix.Search([]float32{1, 0, 0}, 2, 100)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}

	if results[0].ID != 1 {
		t.Fatalf("top hit = %d, want 1", results[0].ID)
	}

	if results[0].Distance > 1e-6 {
		t.Fatalf("exact match distance = %v, want ~0", results[0].Distance)
	}
}

func Test_Search_Orders_Results_By_Ascending_Distance(t *testing.T) {
	t.Parallel()

	ix := ann.New(2)

	for id, vec := range map[uint64][]float32{
		1: {1, 0},
		2: {0.7, 0.7},
		3: {0, 1},
		4: {-1, 0},
	} {
		err := ix.Insert(vec, id)
		if err != nil {
			t.Fatalf("insert %d: %v", id, err)
		}
	}

	results, err := ix.Search([]float32{1, 0.01}, 4, 100)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Fatalf("results out of order at %d: %v then %v", i, results[i-1].Distance, results[i].Distance)
		}
	}
}

func Test_Search_Caps_Results_At_K(t *testing.T) {
	t.Parallel()

	ix := ann.New(4)

	for id := uint64(1); id <= 10; id++ {
		vec := []float32{float32(id), 1, 0.5, -0.25}

		err := ix.Insert(vec, id)
		if err != nil {
			t.Fatalf("insert %d: %v", id, err)
		}
	}

	results, err := ix.Search([]float32{1, 1, 1, 1}, 5, 100)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if len(results) != 5 {
		t.Fatalf("len(results) = %d, want 5", len(results))
	}
}

func Test_Search_Returns_Nothing_On_Empty_Index(t *testing.T) {
	t.Parallel()

	ix := ann.New(3)

	results, err := ix.Search([]float32{1, 0, 0}, 5, 100)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if len(results) != 0 {
		t.Fatalf("len(results) = %d, want 0", len(results))
	}
}

func Test_Insert_Rejects_Wrong_Dimension(t *testing.T) {
	t.Parallel()

	ix := ann.New(3)

	err := ix.Insert([]float32{1, 2}, 1)
	if err == nil {
		t.Fatal("insert of 2-dim vector into 3-dim index succeeded")
	}

	if ix.Len() != 0 {
		t.Fatalf("len = %d after rejected insert, want 0", ix.Len())
	}
}

func Test_Search_Rejects_Wrong_Dimension(t *testing.T) {
	t.Parallel()

	ix := ann.New(3)

	err := ix.Insert([]float32{1, 2, 3}, 1)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err = ix.Search([]float32{1, 2}, 1, 100)
	if err == nil {
		t.Fatal("search with 2-dim vector on 3-dim index succeeded")
	}
}
