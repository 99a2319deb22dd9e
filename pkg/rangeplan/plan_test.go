package rangeplan

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestPlan_Examples(t *testing.T) {
	tests := []struct {
		name      string
		r         Range
		batchSize uint64
		order     Order
		want      []Range
	}{
		{
			name:      "scan 0-250 by 100",
			r:         Range{0, 250},
			batchSize: 100,
			want:      []Range{{0, 100}, {100, 200}, {200, 250}},
		},
		{
			name:      "exact multiple",
			r:         Range{10, 30},
			batchSize: 10,
			want:      []Range{{10, 20}, {20, 30}},
		},
		{
			name:      "batch larger than range",
			r:         Range{5, 8},
			batchSize: 100,
			want:      []Range{{5, 8}},
		},
		{
			name:      "descending",
			r:         Range{0, 250},
			batchSize: 100,
			order:     Descending,
			want:      []Range{{200, 250}, {100, 200}, {0, 100}},
		},
		{
			name:      "empty range",
			r:         Range{42, 42},
			batchSize: 7,
			want:      []Range{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Plan(tt.r, tt.batchSize, tt.order)
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Plan() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPlan_Errors(t *testing.T) {
	if _, err := Plan(Range{0, 10}, 0, Ascending); !errors.Is(err, ErrZeroBatchSize) {
		t.Errorf("zero batch: got %v, want ErrZeroBatchSize", err)
	}
	if _, err := Plan(Range{10, 0}, 5, Ascending); !errors.Is(err, ErrInvertedRange) {
		t.Errorf("inverted range: got %v, want ErrInvertedRange", err)
	}
}

func TestPlan_CoversRandomRanges(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		start := uint64(rng.Intn(100000))
		end := start + uint64(rng.Intn(5000))
		batch := uint64(rng.Intn(700) + 1)
		r := Range{start, end}

		asc, err := Plan(r, batch, Ascending)
		if err != nil {
			t.Fatalf("Plan(%s, %d) error = %v", r, batch, err)
		}
		if err := Covers(r, asc); err != nil {
			t.Fatalf("Plan(%s, %d) does not cover: %v", r, batch, err)
		}
		for j, c := range asc {
			if c.Len() > batch {
				t.Fatalf("chunk %s exceeds batch %d", c, batch)
			}
			if c.Start != start+uint64(j)*batch {
				t.Fatalf("chunk %d starts at %d, want %d", j, c.Start, start+uint64(j)*batch)
			}
		}

		desc, err := Plan(r, batch, Descending)
		if err != nil {
			t.Fatalf("Plan descending error = %v", err)
		}
		if len(desc) != len(asc) {
			t.Fatalf("descending has %d chunks, ascending %d", len(desc), len(asc))
		}
		for j := range asc {
			if asc[j] != desc[len(desc)-1-j] {
				t.Fatalf("descending is not the inverse of ascending at %d", j)
			}
		}
	}
}

func TestPlan_NearMaxUint64(t *testing.T) {
	r := Range{math.MaxUint64 - 25, math.MaxUint64}
	chunks, err := Plan(r, 10, Ascending)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if err := Covers(r, chunks); err != nil {
		t.Fatalf("Covers() = %v", err)
	}
	if len(chunks) != 3 {
		t.Errorf("got %d chunks, want 3", len(chunks))
	}
}

func TestCovers_DetectsDefects(t *testing.T) {
	r := Range{0, 30}
	tests := []struct {
		name   string
		chunks []Range
	}{
		{"gap", []Range{{0, 10}, {11, 30}}},
		{"overlap", []Range{{0, 15}, {10, 30}}},
		{"short", []Range{{0, 10}, {10, 20}}},
		{"overshoot", []Range{{0, 10}, {10, 40}}},
		{"empty chunk", []Range{{0, 0}, {0, 30}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Covers(r, tt.chunks); err == nil {
				t.Errorf("Covers(%v) = nil, want error", tt.chunks)
			}
		})
	}
}

func TestParseOrder(t *testing.T) {
	for in, want := range map[string]Order{"": Ascending, "asc": Ascending, "descending": Descending, "desc": Descending} {
		got, err := ParseOrder(in)
		if err != nil || got != want {
			t.Errorf("ParseOrder(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseOrder("sideways"); err == nil {
		t.Error("ParseOrder(sideways) should fail")
	}
}
