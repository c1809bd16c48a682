package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandRun はスケジューラとHTTPサーバーを起動する常駐モード。
	CommandRun Command = "run"
	// CommandOnce はサイクルを1回だけ実行して終了する。
	CommandOnce Command = "once"
	// CommandHealth は依存コンポーネントの死活を出力する。
	CommandHealth Command = "health"
	// CommandStats は保存済みニュースの集計を出力する。
	CommandStats Command = "stats"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はローカルの /health を確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandRunを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandRun
	}

	switch Command(args[0]) {
	case CommandOnce, CommandHealth, CommandStats, CommandMigrate, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandRun
	}
}
