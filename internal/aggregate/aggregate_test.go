package aggregate

import (
	"fmt"
	"testing"
	"time"

	"sentiflow/internal/domain"
)

func ev(id string, score float64, label domain.Label, source string, ts int64) domain.Event {
	return domain.Event{
		ID:     id,
		Ticker: "AAPL",
		Score:  score,
		Label:  label,
		Source: source,
		Time:   ts,
	}
}

func TestApply_FirstEventSeedsBucket(t *testing.T) {
	// Scenario: {AAPL, score=0.8, time=10:03:17} at 5m → bucket_start 10:00:00.
	ts := time.Date(2024, 3, 15, 10, 3, 17, 0, time.UTC).Unix()
	b, applied := Apply(nil, ev("e1", 0.8, domain.LabelPositive, "reuters", ts), domain.Resolution5m, 0)

	if !applied {
		t.Fatal("first event must apply")
	}
	wantStart := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC).Unix()
	if b.BucketStart != wantStart {
		t.Errorf("BucketStart = %d, want %d", b.BucketStart, wantStart)
	}
	if b.Open != 0.8 || b.High != 0.8 || b.Low != 0.8 || b.Close != 0.8 {
		t.Errorf("OHLC = %v/%v/%v/%v, want all 0.8", b.Open, b.High, b.Low, b.Close)
	}
	if b.Count != 1 || b.Sum != 0.8 {
		t.Errorf("Count=%d Sum=%v, want 1/0.8", b.Count, b.Sum)
	}
	if !b.IsPartial {
		t.Error("fresh bucket should be partial")
	}
	if !b.Sources["reuters"] {
		t.Error("source not recorded")
	}
}

func TestApply_SecondEventUpdatesOHLC(t *testing.T) {
	// Scenario: 0.8 at 10:03:17 then -0.2 at 10:04:50 → one 5m bucket with
	// high=0.8 low=-0.2 close=-0.2 count=2.
	t1 := time.Date(2024, 3, 15, 10, 3, 17, 0, time.UTC).Unix()
	t2 := time.Date(2024, 3, 15, 10, 4, 50, 0, time.UTC).Unix()

	b, _ := Apply(nil, ev("e1", 0.8, domain.LabelPositive, "reuters", t1), domain.Resolution5m, 0)
	b, applied := Apply(b, ev("e2", -0.2, domain.LabelNegative, "bloomberg", t2), domain.Resolution5m, 0)

	if !applied {
		t.Fatal("second event must apply")
	}
	if b.Open != 0.8 || b.High != 0.8 || b.Low != -0.2 || b.Close != -0.2 {
		t.Errorf("OHLC = %v/%v/%v/%v, want 0.8/0.8/-0.2/-0.2", b.Open, b.High, b.Low, b.Close)
	}
	if b.Count != 2 {
		t.Errorf("Count = %d, want 2", b.Count)
	}
	if b.LabelCounts[domain.LabelPositive] != 1 || b.LabelCounts[domain.LabelNegative] != 1 {
		t.Errorf("LabelCounts = %v", b.LabelCounts)
	}
	if len(b.Sources) != 2 {
		t.Errorf("Sources = %v, want 2 distinct", b.Sources)
	}
}

func TestApply_InvariantsHold(t *testing.T) {
	scores := []float64{0.3, -0.9, 1.0, 0.0, -0.4, 0.7}
	var b *domain.Bucket
	for i, s := range scores {
		label := domain.LabelNeutral
		if s > 0.2 {
			label = domain.LabelPositive
		} else if s < -0.2 {
			label = domain.LabelNegative
		}
		b, _ = Apply(b, ev(fmt.Sprintf("e%d", i), s, label, "src", 1000+int64(i)), domain.Resolution1m, 0)

		if b.Low > b.Open || b.Open > b.High {
			t.Fatalf("after %d events: low<=open<=high violated: %v/%v/%v", i+1, b.Low, b.Open, b.High)
		}
		if b.Low > b.Close || b.Close > b.High {
			t.Fatalf("after %d events: low<=close<=high violated: %v/%v/%v", i+1, b.Low, b.Close, b.High)
		}
		total := 0
		for _, c := range b.LabelCounts {
			total += c
		}
		if total != b.Count {
			t.Fatalf("after %d events: count %d != sum(label_counts) %d", i+1, b.Count, total)
		}
		if b.BucketStart != b.Resolution.Align(b.BucketStart) {
			t.Fatalf("bucket_start %d not aligned", b.BucketStart)
		}
	}
}

func TestApply_DuplicateEventIsNoOp(t *testing.T) {
	e := ev("e1", 0.5, domain.LabelPositive, "reuters", 1000)
	b, _ := Apply(nil, e, domain.Resolution1m, 0)
	b2, applied := Apply(b, e, domain.Resolution1m, 0)

	if applied {
		t.Error("duplicate event id must not apply")
	}
	if b2.Count != 1 || b2.Sum != 0.5 {
		t.Errorf("duplicate changed bucket: count=%d sum=%v", b2.Count, b2.Sum)
	}
}

func TestApply_DuplicateSourceIsSetSemantics(t *testing.T) {
	b, _ := Apply(nil, ev("e1", 0.1, domain.LabelNeutral, "reuters", 1000), domain.Resolution1m, 0)
	b, _ = Apply(b, ev("e2", 0.2, domain.LabelNeutral, "reuters", 1001), domain.Resolution1m, 0)

	if len(b.Sources) != 1 {
		t.Errorf("Sources = %v, want one entry", b.Sources)
	}
	if b.Count != 2 {
		t.Errorf("Count = %d, want 2 (sources dedupe, events do not)", b.Count)
	}
}

func TestApply_Commutative(t *testing.T) {
	// Same event multiset, permuted order: identical high/low/count/sum/
	// label_counts/sources; close may differ.
	events := []domain.Event{
		ev("e1", 0.8, domain.LabelPositive, "reuters", 1000),
		ev("e2", -0.2, domain.LabelNegative, "bloomberg", 1010),
		ev("e3", 0.1, domain.LabelNeutral, "ap", 1020),
	}
	perm := []domain.Event{events[2], events[0], events[1]}

	var a, b *domain.Bucket
	for _, e := range events {
		a, _ = Apply(a, e, domain.Resolution5m, 0)
	}
	for _, e := range perm {
		b, _ = Apply(b, e, domain.Resolution5m, 0)
	}

	if a.High != b.High || a.Low != b.Low || a.Count != b.Count || a.Sum != b.Sum {
		t.Errorf("order-independent fields diverged: %+v vs %+v", a, b)
	}
	for label, n := range a.LabelCounts {
		if b.LabelCounts[label] != n {
			t.Errorf("label %s: %d vs %d", label, n, b.LabelCounts[label])
		}
	}
	for src := range a.Sources {
		if !b.Sources[src] {
			t.Errorf("source %s missing from permuted bucket", src)
		}
	}
}

func TestApply_DedupWindowBounded(t *testing.T) {
	var b *domain.Bucket
	window := 4
	for i := 0; i < 10; i++ {
		b, _ = Apply(b, ev(fmt.Sprintf("e%d", i), 0.0, domain.LabelNeutral, "src", 1000+int64(i)), domain.Resolution1m, window)
	}

	if len(b.RecentEventIDs) != window {
		t.Errorf("dedup window = %d ids, want %d", len(b.RecentEventIDs), window)
	}
	// An id that slid out of the window re-applies; the window trades
	// memory for a bounded dedup horizon.
	_, applied := Apply(b, ev("e0", 0.0, domain.LabelNeutral, "src", 1000), domain.Resolution1m, window)
	if !applied {
		t.Error("id outside window should apply again")
	}
	_, applied = Apply(b, ev("e9", 0.0, domain.LabelNeutral, "src", 1009), domain.Resolution1m, window)
	if applied {
		t.Error("id inside window must not apply")
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	b, _ := Apply(nil, ev("e1", 0.5, domain.LabelPositive, "reuters", 1000), domain.Resolution1m, 0)
	before := b.Clone()

	Apply(b, ev("e2", -0.5, domain.LabelNegative, "ap", 1001), domain.Resolution1m, 0)

	if b.Count != before.Count || b.Low != before.Low || len(b.RecentEventIDs) != len(before.RecentEventIDs) {
		t.Error("Apply mutated its input bucket")
	}
}
