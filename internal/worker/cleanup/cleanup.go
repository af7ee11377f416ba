// Package cleanup は期限切れリフレッシュセッションの削除ジョブを提供する。
// 失効後も猶予期間（デフォルト24時間）はセッション行を残し、それを超えた行を
// オペレーター起動のバッチで一括削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultGrace は失効から削除までのデフォルト猶予期間。
const DefaultGrace = 24 * time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sqlx.DB、*sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PruneRecorder は削除件数を記録するメトリクスのインターフェース。
type PruneRecorder interface {
	RecordSessionsPruned(count int64)
}

// SessionPruneJob は猶予期間を超えて失効しているリフレッシュセッションの削除ジョブ。
// 冪等な削除処理を保証する。
type SessionPruneJob struct {
	db       Executor
	logger   *slog.Logger
	recorder PruneRecorder
	now      func() time.Time
	Grace    time.Duration
}

// NewSessionPruneJob は新しいSessionPruneJobを生成する。
// recorderはnilでもよい。
func NewSessionPruneJob(db Executor, logger *slog.Logger, recorder PruneRecorder) *SessionPruneJob {
	return &SessionPruneJob{
		db:       db,
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
		Grace:    DefaultGrace,
	}
}

// Run はexpires_atが「現在時刻 - Grace」より古いセッションを削除し、削除件数を返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *SessionPruneJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := j.now().Add(-j.Grace)

	query := `DELETE FROM refresh_sessions WHERE expires_at < $1`
	result, err := j.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		j.logger.Error("セッション削除ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("grace", j.Grace),
		)
		return 0, fmt.Errorf("セッション削除の実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordSessionsPruned(deletedCount)
	}

	duration := time.Since(start)
	j.logger.Info("セッション削除ジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return deletedCount, nil
}
