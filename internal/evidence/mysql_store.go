package evidence

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "VeriSwarm/internal/errors"
)

// MySQLStore 把证据包以 JSON 形式追加写入 MySQL。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQL 存储并确保表结构存在。
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

const createBundlesTable = `CREATE TABLE IF NOT EXISTS evidence_bundles (
        seq BIGINT AUTO_INCREMENT PRIMARY KEY,
        bundle_id VARCHAR(64) NOT NULL,
        task_id VARCHAR(64) NOT NULL,
        integrity_hash CHAR(64) NOT NULL,
        payload LONGTEXT NOT NULL,
        created_at BIGINT NOT NULL,
        UNIQUE KEY uk_bundle_id (bundle_id),
        INDEX idx_bundle_task (task_id, seq)
)`

func (s *MySQLStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createBundlesTable); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 evidence_bundles 表失败")
	}
	return nil
}

// Save 插入证据包；integrity_hash 列只用于外部核对，读取时总是重新计算。
func (s *MySQLStore) Save(ctx context.Context, bundle *Bundle) error {
	return insertBundle(ctx, s.db, bundle, isMySQLDuplicate)
}

func isMySQLDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// Get 按 bundle_id 查询。
func (s *MySQLStore) Get(ctx context.Context, bundleID string) (*Bundle, error) {
	return queryBundle(ctx, s.db, selectBundleByID, bundleID)
}

// LatestForTask 按 task_id 查询最近写入的证据包。
func (s *MySQLStore) LatestForTask(ctx context.Context, taskID string) (*Bundle, error) {
	return queryBundle(ctx, s.db, selectLatestForTask, taskID)
}

// List 返回最近写入的证据包。
func (s *MySQLStore) List(ctx context.Context, limit int) ([]*Bundle, error) {
	return listBundles(ctx, s.db, limit)
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
