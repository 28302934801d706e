package syncqueue

import "time"

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = time.Second
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 5 * time.Minute
)

// CalculateBackoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 1回目の失敗で1秒、以降2倍ずつ増加し、最大5分。
func CalculateBackoff(failures int) time.Duration {
	if failures <= 1 {
		return initialBackoff
	}
	delay := initialBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
