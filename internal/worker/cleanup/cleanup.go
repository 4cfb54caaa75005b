// Package cleanup は期限切れの一時データを定期削除するジョブを提供する。
// 対象は認可リダイレクト中のstate、Facebookページ選択待ちデータ、ログインセッション。
// いずれも読み出し時に期限を判定するため、このジョブは容量回収のためだけに動く。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ExpiredDeleter は期限切れ行の削除を抽象化するインターフェース。
// repository.OAuthStateRepository などが満たす。
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Target は削除対象のテーブル名と削除処理の組。
type Target struct {
	Name    string
	Deleter ExpiredDeleter
}

// CleanupJob は期限切れデータの削除ジョブ。
// 冪等で、削除対象がない場合でもエラーにならない。
type CleanupJob struct {
	targets []Target
	logger  *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。Deleterがnilの対象は無視する。
func NewCleanupJob(logger *slog.Logger, targets ...Target) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	active := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Deleter != nil {
			active = append(active, t)
		}
	}
	return &CleanupJob{
		targets: active,
		logger:  logger,
	}
}

// Run は全対象の期限切れデータを1回削除する。
// 1つの対象が失敗しても残りの対象は処理し、失敗をまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	var errs []error
	var total int64
	for _, t := range j.targets {
		deleted, err := t.Deleter.DeleteExpired(ctx)
		if err != nil {
			j.logger.Error("期限切れデータの削除に失敗しました",
				slog.String("target", t.Name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s の削除に失敗: %w", t.Name, err))
			continue
		}
		total += deleted
		if deleted > 0 {
			j.logger.Info("期限切れデータを削除しました",
				slog.String("target", t.Name),
				slog.Int64("deleted_count", deleted),
			)
		}
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", total),
		slog.Int("target_count", len(j.targets)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return errors.Join(errs...)
}

// Start はinterval間隔でRunを繰り返す。起動直後に1回実行する。
// コンテキストがキャンセルされるまで戻らない。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	// 失敗はRun内でログ済み
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
