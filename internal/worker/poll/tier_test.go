package poll

import (
	"math"
	"testing"
	"time"
)

func ptr(f float64) *float64 { return &f }

func TestTierFor_Boundaries(t *testing.T) {
	tests := []struct {
		name string
		freq *float64
		want Tier
	}{
		{"未設定はデフォルト", nil, Tier15},
		{"NaNはデフォルト", ptr(math.NaN()), Tier15},
		{"負の値", ptr(-3), Tier1},
		{"0", ptr(0), Tier1},
		{"1", ptr(1), Tier1},
		{"2.5未満", ptr(2.4999), Tier1},
		{"2.5は5分", ptr(2.5), Tier5},
		{"7.5未満", ptr(7.4999), Tier5},
		{"7.5は10分", ptr(7.5), Tier10},
		{"12.5未満", ptr(12.4999), Tier10},
		{"12.5は15分", ptr(12.5), Tier15},
		{"15", ptr(15), Tier15},
		{"22.5未満", ptr(22.4999), Tier15},
		{"22.5は30分", ptr(22.5), Tier30},
		{"大きな値", ptr(1440), Tier30},
		{"無限大", ptr(math.Inf(1)), Tier30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TierFor(tt.freq); got != tt.want {
				t.Errorf("TierFor(%v) = %v, want %v", tt.freq, got, tt.want)
			}
		})
	}
}

// すべてのfrequencyがちょうど1つのティアに属し、ティアは単調に増加することを検証する
func TestTierFor_ExhaustiveAndMonotonic(t *testing.T) {
	valid := map[Tier]bool{}
	for _, tier := range AllTiers() {
		valid[tier] = true
	}

	prev := Tier1
	for i := 0; i <= 10000; i++ {
		f := float64(i) / 100
		got := TierFor(&f)
		if !valid[got] {
			t.Fatalf("TierFor(%v) = %v is not a known tier", f, got)
		}
		if got < prev {
			t.Fatalf("TierFor(%v) = %v, smaller than previous %v", f, got, prev)
		}
		prev = got
	}
}

func TestTier_IntervalAndString(t *testing.T) {
	want := map[Tier]time.Duration{
		Tier1:  time.Minute,
		Tier5:  5 * time.Minute,
		Tier10: 10 * time.Minute,
		Tier15: 15 * time.Minute,
		Tier30: 30 * time.Minute,
	}
	for tier, d := range want {
		if got := tier.Interval(); got != d {
			t.Errorf("%v.Interval() = %v, want %v", tier, got, d)
		}
	}
	if Tier15.String() != "15m" {
		t.Errorf("Tier15.String() = %q, want 15m", Tier15.String())
	}
}

func TestNextTick(t *testing.T) {
	at := func(h, m, s int) time.Time { return time.Date(2024, 1, 1, h, m, s, 0, time.UTC) }

	tests := []struct {
		name     string
		now      time.Time
		interval time.Duration
		want     time.Time
	}{
		{"15分ティアの途中", at(10, 7, 30), 15 * time.Minute, at(10, 15, 0)},
		{"境界ちょうどは次の境界", at(10, 15, 0), 15 * time.Minute, at(10, 30, 0)},
		{"30分ティアは毎時0分", at(10, 45, 0), 30 * time.Minute, at(11, 0, 0)},
		{"5分ティア", at(23, 58, 1), 5 * time.Minute, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"1分ティア", at(10, 0, 59), time.Minute, at(10, 1, 0)},
		{"10分ティア", at(10, 10, 1), 10 * time.Minute, at(10, 20, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextTick(tt.now, tt.interval); !got.Equal(tt.want) {
				t.Errorf("NextTick(%v, %v) = %v, want %v", tt.now, tt.interval, got, tt.want)
			}
		})
	}
}

// タイムゾーン付きの時刻でもUTCの境界に揃うことを検証する
func TestNextTick_NonUTCInput(t *testing.T) {
	ist := time.FixedZone("IST", 5*60*60+30*60)
	now := time.Date(2024, 1, 1, 15, 50, 0, 0, ist) // 10:20 UTC

	got := NextTick(now, 15*time.Minute)
	want := time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextTick = %v, want %v", got, want)
	}
}
