package repos // 仓储包

import ( // 依赖导入
	"context" // 上下文处理

	"github.com/jackc/pgx/v5"         // pgx 接口
	"github.com/jackc/pgx/v5/pgconn"  // 连接命令结果
	"github.com/jackc/pgx/v5/pgxpool" // 连接池
)

type DBTX interface { // 数据库事务/连接抽象
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error) // 执行语句
	Query(context.Context, string, ...any) (pgx.Rows, error)         // 查询多行
	QueryRow(context.Context, string, ...any) pgx.Row                // 查询单行
}

// withTx runs fn in a transaction and commits when it returns nil.
func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) (err error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
