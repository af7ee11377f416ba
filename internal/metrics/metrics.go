// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、ミドルウェア、ジョブから利用する。
type MetricsCollector interface {
	RecordLogin(result string)
	RecordRefresh(result string)
	RecordRegistration()
	RecordTokenIssued(kind string)
	RecordHTTPStatus(statusCode int)
	RecordPasswordHash(duration time.Duration)
	RecordSessionsPruned(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins         *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	registrations  prometheus.Counter
	tokensIssued   *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	passwordHash   prometheus.Histogram
	sessionsPruned prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docdepot_auth_login_total",
			Help: "ログイン試行の結果別合計数",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docdepot_auth_refresh_total",
			Help: "トークン更新の結果別合計数",
		}, []string{"result"}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docdepot_auth_registrations_total",
			Help: "ユーザー登録の合計数",
		}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docdepot_auth_tokens_issued_total",
			Help: "用途別の発行トークン数",
		}, []string{"kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docdepot_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		passwordHash: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "docdepot_auth_password_hash_seconds",
			Help:    "パスワードハッシュ計算時間（秒）",
			Buckets: []float64{.01, .025, .05, .1, .2, .4, .8, 1.6},
		}),
		sessionsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docdepot_sessions_pruned_total",
			Help: "削除された期限切れリフレッシュセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.refreshes,
		c.registrations,
		c.tokensIssued,
		c.httpStatus,
		c.passwordHash,
		c.sessionsPruned,
	)

	return c
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordRefresh(result string) {
	c.refreshes.WithLabelValues(result).Inc()
}

// RecordRegistration はユーザー登録を記録する。
func (c *Collector) RecordRegistration() {
	c.registrations.Inc()
}

// RecordTokenIssued はトークン発行を記録する。
func (c *Collector) RecordTokenIssued(kind string) {
	c.tokensIssued.WithLabelValues(kind).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordPasswordHash はパスワードハッシュの計算時間を記録する。
func (c *Collector) RecordPasswordHash(duration time.Duration) {
	c.passwordHash.Observe(duration.Seconds())
}

// RecordSessionsPruned は削除したセッション数を記録する。
func (c *Collector) RecordSessionsPruned(count int64) {
	c.sessionsPruned.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
