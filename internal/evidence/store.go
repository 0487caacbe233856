package evidence

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "VeriSwarm/internal/errors"
)

// Store 以 bundle_id 为主键、task_id 为二级索引保存证据包，只追加不修改。
type Store interface {
	Save(ctx context.Context, bundle *Bundle) error
	Get(ctx context.Context, bundleID string) (*Bundle, error)
	// LatestForTask 返回该任务最近一次写入的证据包。
	LatestForTask(ctx context.Context, taskID string) (*Bundle, error)
	List(ctx context.Context, limit int) ([]*Bundle, error)
	Close() error
}

var (
	// ErrBundleNotFound 表示证据包不存在。
	ErrBundleNotFound = xerrors.New(xerrors.CodeNotFound, "evidence bundle not found")
	// ErrBundleExists 表示 bundle_id 已被占用。
	ErrBundleExists = xerrors.New(xerrors.CodeConflict, "evidence bundle already exists")
)

const defaultListLimit = 50

func validateForSave(bundle *Bundle) error {
	if bundle == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "bundle 不能为空")
	}
	if strings.TrimSpace(bundle.BundleID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "bundle_id 不能为空")
	}
	if strings.TrimSpace(bundle.TaskID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "task_id 不能为空")
	}
	return nil
}

// MemoryStore 是基于内存的 Store 实现，可被多个工作流并发使用。
type MemoryStore struct {
	mu      sync.RWMutex
	bundles map[string]*Bundle
	byTask  map[string]string
	order   []string
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bundles: make(map[string]*Bundle),
		byTask:  make(map[string]string),
	}
}

// Save 写入证据包。
func (s *MemoryStore) Save(_ context.Context, bundle *Bundle) error {
	if err := validateForSave(bundle); err != nil {
		return err
	}
	stored := bundle.Clone()
	stored.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bundles[stored.BundleID]; exists {
		return ErrBundleExists
	}
	s.bundles[stored.BundleID] = stored
	s.byTask[stored.TaskID] = stored.BundleID
	s.order = append(s.order, stored.BundleID)
	return nil
}

// Get 按 bundle_id 查询。
func (s *MemoryStore) Get(_ context.Context, bundleID string) (*Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bundle, ok := s.bundles[bundleID]
	if !ok {
		return nil, ErrBundleNotFound
	}
	return bundle.Clone(), nil
}

// LatestForTask 按 task_id 查询最近的证据包。
func (s *MemoryStore) LatestForTask(_ context.Context, taskID string) (*Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTask[taskID]
	if !ok {
		return nil, ErrBundleNotFound
	}
	return s.bundles[id].Clone(), nil
}

// List 按写入顺序倒序返回最多 limit 个证据包。
func (s *MemoryStore) List(_ context.Context, limit int) ([]*Bundle, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Bundle, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.bundles[s.order[i]].Clone())
	}
	return out, nil
}

// TaskIDs 返回存储中出现过的任务 ID。
func (s *MemoryStore) TaskIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.byTask))
	for id := range s.byTask {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }
