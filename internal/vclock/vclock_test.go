package vclock

import "testing"

func TestCompare(t *testing.T) {
	testCases := []struct {
		Name     string
		A, B     Clock
		Expected Ordering
	}{
		{
			Name:     "equal empty clocks",
			A:        Clock{},
			B:        Clock{},
			Expected: Equal,
		},
		{
			Name:     "equal non-empty clocks",
			A:        Clock{"n1": 1, "n2": 2},
			B:        Clock{"n1": 1, "n2": 2},
			Expected: Equal,
		},
		{
			Name:     "a strictly behind b",
			A:        Clock{"n1": 1},
			B:        Clock{"n1": 2},
			Expected: Less,
		},
		{
			Name:     "a strictly ahead of b",
			A:        Clock{"n1": 2, "n2": 1},
			B:        Clock{"n1": 1, "n2": 1},
			Expected: Greater,
		},
		{
			Name:     "concurrent divergent histories",
			A:        Clock{"n1": 2, "n2": 0},
			B:        Clock{"n1": 0, "n2": 2},
			Expected: Concurrent,
		},
		{
			Name:     "missing keys treated as zero",
			A:        Clock{"n1": 1},
			B:        Clock{"n1": 1, "n2": 1},
			Expected: Less,
		},
	}

	for _, tc := range testCases {
		result := Compare(tc.A, tc.B)
		if result != tc.Expected {
			t.Fatalf("%s: expected %s, got %s", tc.Name, tc.Expected, result)
		}

		if result == Equal && !Equals(tc.A, tc.B) {
			t.Fatalf("%s: compare reported Equal but Equals() disagreed", tc.Name)
		}
		if result != Equal && Equals(tc.A, tc.B) {
			t.Fatalf("%s: compare reported %s but Equals() disagreed", tc.Name, result)
		}
	}
}

func TestMergeIsCommutativeAndIdempotent(t *testing.T) {
	a := Clock{"n1": 3, "n2": 1}
	b := Clock{"n1": 1, "n2": 4, "n3": 2}

	ab := Merge(a, b)
	ba := Merge(b, a)
	if !Equals(ab, ba) {
		t.Fatalf("merge should be commutative: %v vs %v", ab, ba)
	}

	aa := Merge(a, a)
	if !Equals(aa, a) {
		t.Fatalf("merge(a, a) should equal a: %v vs %v", aa, a)
	}

	expected := Clock{"n1": 3, "n2": 4, "n3": 2}
	if !Equals(ab, expected) {
		t.Fatalf("expected pointwise max %v, got %v", expected, ab)
	}
}

func TestIncrement(t *testing.T) {
	c := New()
	c.Increment("self")
	c.Increment("self")

	if c["self"] != 2 {
		t.Fatalf("expected counter 2, got %d", c["self"])
	}
}

func TestCloneIsIndependent(t *testing.T) {
	c := Clock{"n1": 1}
	clone := c.Clone()
	clone["n1"] = 99

	if c["n1"] != 1 {
		t.Fatalf("mutating clone leaked into original: %v", c)
	}
}
