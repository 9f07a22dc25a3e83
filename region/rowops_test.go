package region

import (
	"testing"

	"github.com/keyspace/keyspace/internal/wal"
)

func TestIncrementAccumulatesAcrossCalls(t *testing.T) {
	r := openTestRegion(t)

	res, err := r.Increment([]byte("row1"), "cf", map[string]int64{"hits": 1}, wal.AsyncWAL)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if res["hits"] != 1 {
		t.Fatalf("Increment = %v, want hits=1", res)
	}

	res, err = r.Increment([]byte("row1"), "cf", map[string]int64{"hits": 4}, wal.AsyncWAL)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if res["hits"] != 5 {
		t.Fatalf("Increment = %v, want hits=5", res)
	}

	cells, err := r.Get([]byte("row1"), "cf", 0)
	if err != nil || len(cells) != 1 {
		t.Fatalf("Get after increment = %+v, %v", cells, err)
	}
}

func TestIncrementNegativeDelta(t *testing.T) {
	r := openTestRegion(t)
	if _, err := r.Increment([]byte("row1"), "cf", map[string]int64{"balance": 10}, wal.AsyncWAL); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	res, err := r.Increment([]byte("row1"), "cf", map[string]int64{"balance": -3}, wal.AsyncWAL)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if res["balance"] != 7 {
		t.Fatalf("Increment = %v, want balance=7", res)
	}
}

func TestAppendConcatenatesAcrossCalls(t *testing.T) {
	r := openTestRegion(t)

	res, err := r.Append([]byte("row1"), "cf", map[string][]byte{"log": []byte("a")}, wal.AsyncWAL)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if string(res["log"]) != "a" {
		t.Fatalf("Append = %q, want \"a\"", res["log"])
	}

	res, err = r.Append([]byte("row1"), "cf", map[string][]byte{"log": []byte("b")}, wal.AsyncWAL)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if string(res["log"]) != "ab" {
		t.Fatalf("Append = %q, want \"ab\"", res["log"])
	}
}

func TestAppendOnAbsentQualifierStartsFromEmpty(t *testing.T) {
	r := openTestRegion(t)
	res, err := r.Append([]byte("row1"), "cf", map[string][]byte{"newcol": []byte("x")}, wal.AsyncWAL)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if string(res["newcol"]) != "x" {
		t.Fatalf("Append = %q, want \"x\"", res["newcol"])
	}
}
