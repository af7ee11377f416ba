package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// WebhookGuard は通知・イベント配信先Webhookへの送信を安全に行うための機能を定義する。
// 配信先URLは設定値だが、内部ネットワークへの送信経路にならないよう
// 起動時の静的検証と送信時のダイヤラー検証の両方を行う。
type WebhookGuard interface {
	// NewSafeClient はプライベートIP、ループバック、リンクローカル、
	// メタデータIPへの接続をダイヤラーレベルで拒否するHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateWebhookURL は配信先URLを起動時に静的検証する。
	ValidateWebhookURL(rawURL string) error
}

// blockedNetworks は配信先として許可しないネットワーク範囲。
// パッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// キャリアグレードNAT
		"100.64.0.0/10",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// ssrfGuard はWebhookGuardの実装。
type ssrfGuard struct {
	allowHTTP bool
}

// NewSSRFGuard はWebhookGuardの新しいインスタンスを生成する。
// allowHTTPがfalseの場合はhttpsの配信先のみを許可する（本番向け）。
func NewSSRFGuard(allowHTTP bool) *ssrfGuard {
	return &ssrfGuard{allowHTTP: allowHTTP}
}

func (g *ssrfGuard) schemes() []string {
	if g.allowHTTP {
		return []string{"https", "http"}
	}
	return []string{"https"}
}

func (g *ssrfGuard) ports() []int {
	if g.allowHTTP {
		return []int{443, 80}
	}
	return []int{443}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlはDNS解決後のIPアドレスを検証するため、DNS再バインディングにも対応する。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(g.schemes()...).
		SetAllowedPorts(g.ports()...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateWebhookURL は配信先URLを検証する。DNS解決は行わない。
func (g *ssrfGuard) ValidateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !containsFold(g.schemes(), scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, g.schemes())
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if port := parsed.Port(); port != "" {
		if !g.isAllowedPort(port) {
			return fmt.Errorf("disallowed port: %s (allowed: %v)", port, g.ports())
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

func (g *ssrfGuard) isAllowedPort(port string) bool {
	for _, p := range g.ports() {
		if fmt.Sprint(p) == port {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
