package evidence

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"

	"github.com/mattn/go-sqlite3"

	xerrors "VeriSwarm/internal/errors"
)

// SQLiteStore 把证据包写入本地 SQLite 文件，适合单机部署与命令行审计。
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS evidence_bundles (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        bundle_id TEXT NOT NULL UNIQUE,
        task_id TEXT NOT NULL,
        integrity_hash TEXT NOT NULL,
        payload TEXT NOT NULL,
        created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bundle_task ON evidence_bundles (task_id, seq);`

// NewSQLiteStore 打开（必要时创建）path 指向的数据库文件。
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 数据库失败")
	}
	// SQLite 同一时刻只允许一个写者。
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 evidence_bundles 表失败")
	}
	return &SQLiteStore{db: db}, nil
}

// Save 插入证据包，bundle_id 重复时返回 ErrBundleExists。
func (s *SQLiteStore) Save(ctx context.Context, bundle *Bundle) error {
	return insertBundle(ctx, s.db, bundle, isSQLiteDuplicate)
}

func isSQLiteDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	return stdErrors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Get 按 bundle_id 查询。
func (s *SQLiteStore) Get(ctx context.Context, bundleID string) (*Bundle, error) {
	return queryBundle(ctx, s.db, selectBundleByID, bundleID)
}

// LatestForTask 按 task_id 查询最近写入的证据包。
func (s *SQLiteStore) LatestForTask(ctx context.Context, taskID string) (*Bundle, error) {
	return queryBundle(ctx, s.db, selectLatestForTask, taskID)
}

// List 返回最近写入的证据包。
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Bundle, error) {
	return listBundles(ctx, s.db, limit)
}

// Close 关闭数据库连接。
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
