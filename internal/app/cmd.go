package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandPruneSessions は期限切れリフレッシュセッションを削除することを示す。
	CommandPruneSessions Command = "prune-sessions"
	// CommandPromoteAdmin は指定したメールアドレスのユーザーを管理者に昇格することを示す。
	CommandPromoteAdmin Command = "promote-admin"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "prune-sessions":
		return CommandPruneSessions
	case "promote-admin":
		return CommandPromoteAdmin
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
