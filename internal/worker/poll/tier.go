package poll

import (
	"fmt"
	"math"
	"time"
)

// Tier はポーリング間隔を共有する購読者のグループ。値は間隔（分）。
type Tier int

const (
	Tier1  Tier = 1
	Tier5  Tier = 5
	Tier10 Tier = 10
	Tier15 Tier = 15
	Tier30 Tier = 30
)

// DefaultTier はfrequency未設定の購読者が属するティア。
const DefaultTier = Tier15

// AllTiers は全ティアを間隔の短い順に返す。
func AllTiers() []Tier {
	return []Tier{Tier1, Tier5, Tier10, Tier15, Tier30}
}

// TierFor はfrequency（分）から所属ティアを決定する。
// 境界は下限を含む半開区間: [0,2.5)→1, [2.5,7.5)→5, [7.5,12.5)→10, [12.5,22.5)→15, [22.5,∞)→30。
// nilとNaNはDefaultTier、負の値は1分ティアに属する。
func TierFor(frequency *float64) Tier {
	if frequency == nil || math.IsNaN(*frequency) {
		return DefaultTier
	}
	f := *frequency
	switch {
	case f < 2.5:
		return Tier1
	case f < 7.5:
		return Tier5
	case f < 12.5:
		return Tier10
	case f < 22.5:
		return Tier15
	default:
		return Tier30
	}
}

// Interval はティアのポーリング間隔を返す。
func (t Tier) Interval() time.Duration {
	return time.Duration(t) * time.Minute
}

func (t Tier) String() string {
	return fmt.Sprintf("%dm", int(t))
}

// NextTick はnowより後の次の時計境界を返す。
// 例えば15分ティアは毎時0/15/30/45分に発火する。境界はUTCで計算する。
func NextTick(now time.Time, interval time.Duration) time.Time {
	return now.UTC().Truncate(interval).Add(interval)
}
