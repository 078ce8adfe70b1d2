package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はSlackのコマンドを受け付けるHTTPサーバーとして起動する。
	CommandServe Command = "serve"
	// CommandWorker はティアごとのポーリングスケジューラとして起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はDATABASE_DRIVERに応じたマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はserveモードの /health を確認して終了する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandWorker, CommandServe, CommandMigrate, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandServe
	}
}
