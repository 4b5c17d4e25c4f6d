package common

import "testing"

func TestLRUEviction(t *testing.T) {
	var evicted []interface{}
	c := NewLRU(2, func(k, v interface{}) {
		evicted = append(evicted, k)
	})

	c.Add("a", 1)
	c.Add("b", 2)
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("a should be cached")
	}
	c.Add("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatalf("b should have been evicted")
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted %v, expected [b]", evicted)
	}
	if c.Len() != 2 {
		t.Fatalf("Len() => %d", c.Len())
	}

	vals := c.Values()
	if len(vals) != 2 || vals[0] != 3 || vals[1] != 1 {
		t.Fatalf("Values() => %v", vals)
	}

	c.Remove("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("a should have been removed")
	}
}
