package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	xerrors "VeriSwarm/internal/errors"
)

// MySQL 与 SQLite 共用的语句，两者的占位符与 LIMIT 语法一致。
const (
	insertBundleStmt = `INSERT INTO evidence_bundles (bundle_id, task_id, integrity_hash, payload, created_at)
        VALUES (?, ?, ?, ?, ?)`
	selectBundleByID    = `SELECT payload FROM evidence_bundles WHERE bundle_id = ?`
	selectLatestForTask = `SELECT payload FROM evidence_bundles WHERE task_id = ? ORDER BY seq DESC LIMIT 1`
	selectRecent        = `SELECT payload FROM evidence_bundles ORDER BY seq DESC LIMIT ?`
)

func insertBundle(ctx context.Context, db *sql.DB, bundle *Bundle, duplicate func(error) bool) error {
	if err := validateForSave(bundle); err != nil {
		return err
	}
	stored := bundle.Clone()
	stored.Normalize()

	payload, err := json.Marshal(stored)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码证据包失败")
	}

	_, err = db.ExecContext(ctx, insertBundleStmt,
		stored.BundleID,
		stored.TaskID,
		stored.IntegrityHash(),
		string(payload),
		stored.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if duplicate != nil && duplicate(err) {
			return ErrBundleExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入证据包失败")
	}
	return nil
}

func queryBundle(ctx context.Context, db *sql.DB, stmt string, arg string) (*Bundle, error) {
	var payload string
	if err := db.QueryRowContext(ctx, stmt, arg).Scan(&payload); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrBundleNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询证据包失败")
	}
	return decodeBundle(payload)
}

func listBundles(ctx context.Context, db *sql.DB, limit int) ([]*Bundle, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := db.QueryContext(ctx, selectRecent, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询证据包列表失败")
	}
	defer rows.Close()

	bundles := make([]*Bundle, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证据包记录失败")
		}
		bundle, err := decodeBundle(payload)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, bundle)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历证据包失败")
	}
	return bundles, nil
}

func decodeBundle(payload string) (*Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal([]byte(payload), &bundle); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码证据包失败")
	}
	bundle.Normalize()
	return &bundle, nil
}
