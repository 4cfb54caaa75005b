package refresh

import (
	"errors"
	"sync"
	"time"

	"github.com/hitoshi/clikpost/internal/social"
)

// FailureKind はトークン更新失敗の分類。
type FailureKind int

const (
	// FailureRevoked は資格情報の失効（429以外の4xx）。連携状態はerrorになり、再試行しない。
	FailureRevoked FailureKind = iota
	// FailureTransient は一時的な失敗（429/5xx/通信エラー）。バックオフ後に再試行する。
	FailureTransient
)

const (
	// initialBackoff は指数バックオフの初回遅延（15分）。
	initialBackoff = 15 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（12時間）。
	maxBackoff = 12 * time.Hour
)

// ClassifyFailure はRefreshが返したエラーを分類する。
func ClassifyFailure(err error) FailureKind {
	var exErr *social.TokenExchangeError
	if errors.As(err, &exErr) && exErr.IsRevocation() {
		return FailureRevoked
	}
	return FailureTransient
}

// CalculateBackoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回15分、2倍ずつ増加、最大12時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

type backoffEntry struct {
	failures int
	next     time.Time
}

// backoffTracker は一時的な失敗が続くアカウントの次回試行時刻を保持する。
// プロセス内のみで保持し、再起動時はリセットされる。
type backoffTracker struct {
	mu      sync.Mutex
	entries map[string]backoffEntry
}

func newBackoffTracker() *backoffTracker {
	return &backoffTracker{entries: make(map[string]backoffEntry)}
}

// ready はアカウントが再試行可能かを返す。
func (t *backoffTracker) ready(accountID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[accountID]
	return !ok || !now.Before(e.next)
}

// failure は失敗を記録し、次回試行時刻を返す。
func (t *backoffTracker) failure(accountID string, now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[accountID]
	e.next = now.Add(CalculateBackoff(e.failures))
	e.failures++
	t.entries[accountID] = e
	return e.next
}

// reset はアカウントの失敗記録を消去する。
func (t *backoffTracker) reset(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, accountID)
}
