package artifact

import (
	"io"
	"log/slog"
	"testing"
)

func newCache() *Cache {
	return NewCache(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSetBumpsVersionAtomically(t *testing.T) {
	c := newCache()
	if c.Version() != 0 {
		t.Fatalf("fresh cache version should be 0, got %d", c.Version())
	}

	v1 := c.Set("enc-1", Entry{ReportRef: "reports/a.pdf"})
	v2 := c.Set("enc-2", Entry{ReportRef: "reports/b.pdf"})
	if v1 != 1 || v2 != 2 {
		t.Fatalf("versions not monotone: %d, %d", v1, v2)
	}
	if c.Version() != 2 || c.Len() != 2 {
		t.Fatalf("unexpected cache state: version=%d len=%d", c.Version(), c.Len())
	}
}

func TestOverwriteReleasesPriorEntry(t *testing.T) {
	c := newCache()

	released := 0
	c.Set("enc-1", Entry{ReportRef: "blob:local-1", Release: func() { released++ }})
	c.Set("enc-1", Entry{ReportRef: "reports/final.pdf"})

	if released != 1 {
		t.Fatalf("prior entry released %d times, want 1", released)
	}
	got, ok := c.Get("enc-1")
	if !ok || got.ReportRef != "reports/final.pdf" {
		t.Fatalf("overwrite not applied: %+v ok=%v", got, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("overwrite grew the cache: len=%d", c.Len())
	}
}

func TestRepeatedCyclesDoNotAccumulateResources(t *testing.T) {
	c := newCache()

	live := 0
	for i := 0; i < 50; i++ {
		live++
		c.Set("enc-1", Entry{ReportRef: "blob:tmp", Release: func() { live-- }})
	}
	if live != 1 {
		t.Fatalf("expected exactly one live resource, got %d", live)
	}
}

func TestDeleteReleasesAndBumps(t *testing.T) {
	c := newCache()

	released := false
	c.Set("enc-1", Entry{ReportRef: "blob:tmp", Release: func() { released = true }})

	before := c.Version()
	after := c.Delete("enc-1")
	if !released {
		t.Fatal("delete did not release the entry")
	}
	if after != before+1 {
		t.Fatalf("delete did not bump version: %d -> %d", before, after)
	}
	if _, ok := c.Get("enc-1"); ok {
		t.Fatal("entry still present after delete")
	}

	if got := c.Delete("enc-1"); got != after {
		t.Fatalf("deleting a missing entry bumped the version: %d -> %d", after, got)
	}
}
