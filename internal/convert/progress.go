package convert

import (
	"math"
	"sync"
	"time"
)

// Reporter はパイプラインからの進捗報告コールバックです。
// 引数はステージ内またはジョブ全体の [0,1] の割合です。nilでも安全に使える
// ように report 経由で呼び出します。
type Reporter func(fraction float64)

func report(rep Reporter, fraction float64) {
	if rep == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	rep(fraction)
}

// StageReporter はステージ内の [0,1] の進捗をジョブ全体の [lo,hi]（パーセント）
// へ写像するReporterを返します。重み付けはパイプラインの方針であり、
// キューの関心事ではありません。
func StageReporter(rep Reporter, lo, hi float64) Reporter {
	if rep == nil {
		return nil
	}
	return func(fraction float64) {
		rep((lo + fraction*(hi-lo)) / 100)
	}
}

// NewThrottledReporter は進捗のバーストを最小間隔ごとに1回へ間引き、
// パーセント値に変換してforwardへ渡すReporterを返します。
//
// 値は単調非減少が保証されます（後退する報告は破棄）。完了を示す100は
// 間隔に関係なく即座に転送されます。間隔内に届いた報告は最新値だけを保持し、
// 間隔が明けた時点で転送します。長い段の途中で進捗が止まって見えることは
// ありません。forwardの失敗処理は呼び出し側の責務で、ここでは報告が
// パイプラインを中断させないことだけを保証します。
func NewThrottledReporter(interval time.Duration, forward func(percent int)) Reporter {
	var (
		mu       sync.Mutex
		lastSent time.Time
		lastPct  = -1
		pending  = -1
		armed    bool
	)
	flush := func() {
		mu.Lock()
		defer mu.Unlock()
		armed = false
		if pending <= lastPct {
			pending = -1
			return
		}
		lastSent = time.Now()
		lastPct = pending
		pending = -1
		forward(lastPct)
	}
	return func(fraction float64) {
		pct := int(math.Round(fraction * 100))
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}

		mu.Lock()
		defer mu.Unlock()

		if pct <= lastPct {
			return
		}
		now := time.Now()
		if pct < 100 && interval > 0 && now.Sub(lastSent) < interval {
			// 間隔内の報告は最新値を覚えておき、間隔が明けたら転送する
			if pct > pending {
				pending = pct
			}
			if !armed {
				armed = true
				time.AfterFunc(interval-now.Sub(lastSent), flush)
			}
			return
		}
		lastSent = now
		lastPct = pct
		pending = -1
		forward(pct)
	}
}
