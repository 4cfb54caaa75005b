package app

import (
	"fmt"
	"strconv"

	"github.com/hitoshi/clikpost/internal/database"
)

// Command はclikpostバイナリのサブコマンド。
type Command string

const (
	CommandServe  Command = "serve"
	CommandWorker Command = "worker"
	// CommandMigrate は埋め込みマイグレーションを操作する。up / down N / version を受け付ける。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistrolessイメージのHEALTHCHECKから呼ばれ、設定を読まずに/healthを叩く。
	CommandHealthcheck Command = "healthcheck"
	CommandHelp        Command = "help"
)

// Usage はhelpサブコマンドと引数エラー時に表示する。
const Usage = `usage: clikpost <command> [args]

commands:
  serve                 start the HTTP API (default)
  worker                run token refresh and expired-row cleanup
  migrate [up]          apply all pending migrations
  migrate down [N]      roll back N migrations (default 1)
  migrate version       print the current schema version
  healthcheck           GET /health on SERVER_PORT and exit non-zero on failure
  help                  show this message
`

// Invocation はコマンドライン引数の解析結果。MigrationはCommandMigrateのときだけ意味を持つ。
type Invocation struct {
	Command   Command
	Migration database.MigrationOp
}

// ParseArgs はos.Args[1:]を解析する。引数なしはserve。
// 未知のサブコマンドはserveに読み替えず、エラーにする。
func ParseArgs(args []string) (Invocation, error) {
	if len(args) == 0 {
		return Invocation{Command: CommandServe}, nil
	}

	switch args[0] {
	case "serve":
		return Invocation{Command: CommandServe}, nil
	case "worker":
		return Invocation{Command: CommandWorker}, nil
	case "healthcheck":
		return Invocation{Command: CommandHealthcheck}, nil
	case "help", "-h", "--help":
		return Invocation{Command: CommandHelp}, nil
	case "migrate":
		op, err := parseMigration(args[1:])
		if err != nil {
			return Invocation{}, err
		}
		return Invocation{Command: CommandMigrate, Migration: op}, nil
	default:
		return Invocation{}, fmt.Errorf("unknown command %q", args[0])
	}
}

func parseMigration(args []string) (database.MigrationOp, error) {
	if len(args) == 0 {
		return database.MigrationOp{Kind: database.MigrateUp}, nil
	}

	kind := database.MigrationKind(args[0])
	switch kind {
	case database.MigrateUp, database.MigrateVersion:
		if len(args) > 1 {
			return database.MigrationOp{}, fmt.Errorf("migrate %s takes no arguments", kind)
		}
		return database.MigrationOp{Kind: kind}, nil
	case database.MigrateDown:
		op := database.MigrationOp{Kind: kind, Steps: 1}
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return database.MigrationOp{}, fmt.Errorf("migrate down: invalid step count %q", args[1])
			}
			op.Steps = n
		}
		return op, nil
	default:
		return database.MigrationOp{}, fmt.Errorf("unknown migrate operation %q", args[0])
	}
}
