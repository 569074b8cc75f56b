package pricing

import "testing"

func TestPrice_Known(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	got := tbl.Price("haiku", 1_000_000, 0)
	if got != 0.80 {
		t.Fatalf("Price(haiku, 1e6, 0) = %v, want 0.80", got)
	}
}

func TestPrice_UnknownDefaultsToSonnet(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	got := tbl.Price("mystery-model", 1_000_000, 0)
	want := tbl.Price("sonnet", 1_000_000, 0)
	if got != want {
		t.Fatalf("Price(unknown) = %v, want sonnet rate %v", got, want)
	}
}

func TestPrice_MonotonicAndNonNegative(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	base := tbl.Price("sonnet", 100, 100)
	if base < 0 {
		t.Fatal("price must be non-negative")
	}
	moreIn := tbl.Price("sonnet", 200, 100)
	moreOut := tbl.Price("sonnet", 100, 200)
	if moreIn <= base {
		t.Fatal("price must increase monotonically in input tokens")
	}
	if moreOut <= base {
		t.Fatal("price must increase monotonically in output tokens")
	}
}

func TestPrice_Zero(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	if got := tbl.Price("opus", 0, 0); got != 0 {
		t.Fatalf("Price(0,0) = %v, want 0", got)
	}
}
