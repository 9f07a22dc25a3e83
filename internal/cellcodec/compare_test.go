package cellcodec

import "testing"

func mustKey(t *testing.T, c Cell) []byte {
	t.Helper()
	k, err := Key(&c)
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	return k
}

func TestCompareRowOrder(t *testing.T) {
	a := mustKey(t, Cell{Row: []byte("aa"), Family: []byte("f"), Timestamp: 1, Type: TypePut})
	b := mustKey(t, Cell{Row: []byte("b"), Family: []byte("f"), Timestamp: 1, Type: TypePut})
	if Compare(a, b) >= 0 {
		t.Errorf("Compare(aa, b) >= 0, want < 0 (row varint length must not corrupt ordering)")
	}
	if Compare(b, a) <= 0 {
		t.Errorf("Compare(b, aa) <= 0, want > 0")
	}
}

func TestCompareFamilyOrder(t *testing.T) {
	a := mustKey(t, Cell{Row: []byte("r"), Family: []byte("cf1"), Timestamp: 1, Type: TypePut})
	b := mustKey(t, Cell{Row: []byte("r"), Family: []byte("cf2"), Timestamp: 1, Type: TypePut})
	if Compare(a, b) >= 0 {
		t.Errorf("Compare(cf1, cf2) >= 0, want < 0")
	}
}

func TestCompareQualifierOrder(t *testing.T) {
	a := mustKey(t, Cell{Row: []byte("r"), Family: []byte("f"), Qualifier: []byte("a"), Timestamp: 1, Type: TypePut})
	b := mustKey(t, Cell{Row: []byte("r"), Family: []byte("f"), Qualifier: []byte("b"), Timestamp: 1, Type: TypePut})
	if Compare(a, b) >= 0 {
		t.Errorf("Compare(q=a, q=b) >= 0, want < 0")
	}
}

func TestCompareTimestampDescending(t *testing.T) {
	newer := mustKey(t, Cell{Row: []byte("r"), Family: []byte("f"), Qualifier: []byte("q"), Timestamp: 100, Type: TypePut})
	older := mustKey(t, Cell{Row: []byte("r"), Family: []byte("f"), Qualifier: []byte("q"), Timestamp: 50, Type: TypePut})
	if Compare(newer, older) >= 0 {
		t.Errorf("Compare(newer, older) >= 0, want < 0 (newer must sort first)")
	}
	if Compare(older, newer) <= 0 {
		t.Errorf("Compare(older, newer) <= 0, want > 0")
	}
}

func TestCompareTypeOrderAtEqualTimestamp(t *testing.T) {
	del := mustKey(t, Cell{Row: []byte("r"), Family: []byte("f"), Qualifier: []byte("q"), Timestamp: 10, Type: TypeDeleteCell})
	put := mustKey(t, Cell{Row: []byte("r"), Family: []byte("f"), Qualifier: []byte("q"), Timestamp: 10, Type: TypePut})
	if Compare(del, put) >= 0 {
		t.Errorf("Compare(delete, put) >= 0 at equal timestamp, want < 0")
	}
}

func TestCompareEqual(t *testing.T) {
	a := mustKey(t, Cell{Row: []byte("r"), Family: []byte("f"), Qualifier: []byte("q"), Timestamp: 10, Type: TypePut})
	b := mustKey(t, Cell{Row: []byte("r"), Family: []byte("f"), Qualifier: []byte("q"), Timestamp: 10, Type: TypePut})
	if Compare(a, b) != 0 {
		t.Errorf("Compare(a, a) = %d, want 0", Compare(a, b))
	}
}

func TestUserKeyPrefix(t *testing.T) {
	k1 := mustKey(t, Cell{Row: []byte("r"), Family: []byte("f"), Qualifier: []byte("q"), Timestamp: 10, Type: TypePut})
	k2 := mustKey(t, Cell{Row: []byte("r"), Family: []byte("f"), Qualifier: []byte("q"), Timestamp: 5, Type: TypePut})
	p1, ok := UserKeyPrefix(k1)
	if !ok {
		t.Fatalf("UserKeyPrefix failed")
	}
	p2, ok := UserKeyPrefix(k2)
	if !ok {
		t.Fatalf("UserKeyPrefix failed")
	}
	if string(p1) != string(p2) {
		t.Errorf("prefixes differ across timestamps: %q vs %q", p1, p2)
	}

	k3 := mustKey(t, Cell{Row: []byte("r"), Family: []byte("f"), Qualifier: []byte("q2"), Timestamp: 10, Type: TypePut})
	p3, _ := UserKeyPrefix(k3)
	if string(p1) == string(p3) {
		t.Errorf("prefixes equal across different qualifiers")
	}
}
