package imapexec

import (
	"reflect"
	"testing"
)

func TestBatchUIDsCollapsesContiguousRuns(t *testing.T) {
	got := BatchUIDs([]uint32{1, 2, 3, 5, 6, 10}, 50)
	want := [][]UIDRange{{
		{Start: 1, End: 3},
		{Start: 5, End: 6},
		{Start: 10, End: 10},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BatchUIDs() = %+v, want %+v", got, want)
	}
}

func TestBatchUIDsSortsUnorderedInput(t *testing.T) {
	got := BatchUIDs([]uint32{5, 1, 3, 2, 4}, 50)
	want := [][]UIDRange{{{Start: 1, End: 5}}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BatchUIDs() = %+v, want %+v", got, want)
	}
}

func TestBatchUIDsSplitsRunAcrossBatchCap(t *testing.T) {
	got := BatchUIDs([]uint32{1, 2, 3, 4, 5}, 2)
	want := [][]UIDRange{
		{{Start: 1, End: 2}},
		{{Start: 3, End: 4}},
		{{Start: 5, End: 5}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BatchUIDs() = %+v, want %+v", got, want)
	}
}

func TestBatchUIDsPacksMultipleRunsIntoOneBatch(t *testing.T) {
	got := BatchUIDs([]uint32{1, 2, 10, 11}, 4)
	want := [][]UIDRange{{
		{Start: 1, End: 2},
		{Start: 10, End: 11},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BatchUIDs() = %+v, want %+v", got, want)
	}
}

func TestBatchUIDsEmptyInputReturnsNil(t *testing.T) {
	if got := BatchUIDs(nil, 50); got != nil {
		t.Errorf("BatchUIDs(nil) = %+v, want nil", got)
	}
}

func TestBatchUIDsNonPositiveBatchSizeDefaultsTo50(t *testing.T) {
	uids := make([]uint32, 60)
	for i := range uids {
		uids[i] = uint32(i + 1)
	}
	got := BatchUIDs(uids, 0)
	if len(got) != 2 {
		t.Fatalf("len(batches) = %d, want 2 (default cap 50 over 60 uids)", len(got))
	}
	if len(got[0]) != 1 || got[0][0].Start != 1 || got[0][0].End != 50 {
		t.Errorf("first batch = %+v", got[0])
	}
	if len(got[1]) != 1 || got[1][0].Start != 51 || got[1][0].End != 60 {
		t.Errorf("second batch = %+v", got[1])
	}
}

func TestBatchUIDsSingleUID(t *testing.T) {
	got := BatchUIDs([]uint32{42}, 50)
	want := [][]UIDRange{{{Start: 42, End: 42}}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BatchUIDs() = %+v, want %+v", got, want)
	}
}

func TestBatchUIDsDuplicateUIDsTreatedAsSingleRun(t *testing.T) {
	got := BatchUIDs([]uint32{1, 1, 2}, 50)
	if len(got) != 1 {
		t.Fatalf("len(batches) = %d, want 1", len(got))
	}
}
