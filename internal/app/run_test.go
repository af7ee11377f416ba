package app

import (
	"bytes"
	"strings"
	"testing"
)

// TestRun_ServeCommand_FailsWithoutDatabase はserveコマンドがDB接続を試み、
// 接続できない場合にエラーを返すことを検証する。
func TestRun_ServeCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run(serve) should fail when the database is unreachable")
	}
	if !strings.Contains(err.Error(), "database") {
		t.Errorf("error = %v, want database related error", err)
	}
}

// TestRun_DefaultCommand_FailsWithoutDatabase はデフォルトコマンド（serve）がDB接続を試みることを検証する。
func TestRun_DefaultCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{}); err == nil {
		t.Fatal("Run([]) should fail when the database is unreachable")
	}
}

func TestRun_PruneSessions_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"prune-sessions"}); err == nil {
		t.Fatal("Run(prune-sessions) should fail when the database is unreachable")
	}
}

func TestRun_PromoteAdmin_RequiresEmail(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"promote-admin"})
	if err == nil {
		t.Fatal("Run(promote-admin) without email should return error")
	}
	if !strings.Contains(err.Error(), "usage") {
		t.Errorf("error = %v, want usage error", err)
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("BASE_URL", "")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

func TestRun_Healthcheck_FailsWhenServerDown(t *testing.T) {
	t.Setenv("SERVER_PORT", "1")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"healthcheck"}); err == nil {
		t.Fatal("healthcheck should fail when nothing listens on the port")
	}
}
