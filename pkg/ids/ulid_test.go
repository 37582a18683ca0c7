package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewEventIDIsULID(t *testing.T) {
	t.Parallel()

	id := NewEventID()
	if len(id) != 26 {
		t.Fatalf("len(id) = %d, want 26", len(id))
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		t.Fatalf("ParseStrict(%q) error: %v", id, err)
	}
}

func TestEventIDsSortByTime(t *testing.T) {
	t.Parallel()

	at := time.Now()
	first := newAt(at)
	second := newAt(at)
	later := newAt(at.Add(time.Second))

	if !(first < second && second < later) {
		t.Fatalf("ids not monotonic: %s %s %s", first, second, later)
	}
}
