package inference

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// 会话日志中的操作类型。
const (
	OperationDelegate = "delegate"
	OperationValidate = "validate"
)

// SessionEntry 是会话日志中的一条只追加记录。
type SessionEntry struct {
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
	Request   any       `json:"request"`
	Response  any       `json:"response"`
	Success   bool      `json:"success"`
	LatencyMs float64   `json:"latency_ms"`
	TaskID    string    `json:"task_id,omitempty"`
}

// SessionSummary 汇总会话日志的计数信息。
type SessionSummary struct {
	TotalDelegates int `json:"total_delegates"`
	TotalValidates int `json:"total_validates"`
	TotalTasks     int `json:"total_tasks"`
	TotalEntries   int `json:"total_entries"`
}

// SessionExport 是会话日志对外导出的 JSON 文档结构。
type SessionExport struct {
	SessionID   int64          `json:"session_id"`
	SessionName string         `json:"session_name"`
	CreatedAt   time.Time      `json:"created_at"`
	Entries     []SessionEntry `json:"entries"`
	Summary     SessionSummary `json:"summary"`
}

// WorkerStat 是根据历史回答统计出的矿工画像。
type WorkerStat struct {
	WorkerID     string    `json:"worker_id"`
	ModelName    string    `json:"model_name"`
	Calls        int       `json:"calls"`
	Divergences  int       `json:"divergences"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	LastSeen     time.Time `json:"last_seen"`
}

// AgreementRate 返回该矿工与多数派一致的比例。
func (w WorkerStat) AgreementRate() float64 {
	if w.Calls == 0 {
		return 0
	}
	return float64(w.Calls-w.Divergences) / float64(w.Calls)
}

// SessionLog 是客户端级别的调用记录，与单个任务的证据包相互独立。
type SessionLog struct {
	mu        sync.RWMutex
	id        int64
	name      string
	createdAt time.Time
	entries   []SessionEntry
	workers   map[string]*WorkerStat
}

// NewSessionLog 创建一个空的会话日志。
func NewSessionLog(id int64, name string) *SessionLog {
	return &SessionLog{
		id:        id,
		name:      name,
		createdAt: time.Now().UTC(),
		workers:   make(map[string]*WorkerStat),
	}
}

// ID 返回会话编号，随请求体发送给推理网络。
func (l *SessionLog) ID() int64 {
	if l == nil {
		return 0
	}
	return l.id
}

// Record 追加一条记录。
func (l *SessionLog) Record(entry SessionEntry) {
	if l == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Observe 用一轮推理结果更新矿工画像。
func (l *SessionLog) Observe(resp *Response) {
	if l == nil || resp == nil {
		return
	}
	divergent := make(map[string]struct{}, len(resp.Consensus.DivergentWorkerIDs))
	for _, id := range resp.Consensus.DivergentWorkerIDs {
		divergent[id] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, wr := range resp.WorkerResponses {
		stat, ok := l.workers[wr.WorkerID]
		if !ok {
			stat = &WorkerStat{WorkerID: wr.WorkerID}
			l.workers[wr.WorkerID] = stat
		}
		stat.AvgLatencyMs = (stat.AvgLatencyMs*float64(stat.Calls) + wr.LatencyMs) / float64(stat.Calls+1)
		stat.Calls++
		if _, ok := divergent[wr.WorkerID]; ok {
			stat.Divergences++
		}
		if wr.ModelName != "" {
			stat.ModelName = wr.ModelName
		}
		if wr.Timestamp.After(stat.LastSeen) {
			stat.LastSeen = wr.Timestamp
		}
	}
}

// Entries 返回全部记录的副本。
func (l *SessionLog) Entries() []SessionEntry {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SessionEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Workers 按矿工 ID 排序返回画像列表。
func (l *SessionLog) Workers() []WorkerStat {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	out := make([]WorkerStat, 0, len(l.workers))
	for _, stat := range l.workers {
		out = append(out, *stat)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Summary 统计当前日志。
func (l *SessionLog) Summary() SessionSummary {
	entries := l.Entries()
	summary := SessionSummary{TotalEntries: len(entries)}
	tasks := make(map[string]struct{})
	for _, entry := range entries {
		switch entry.Operation {
		case OperationDelegate:
			summary.TotalDelegates++
		case OperationValidate:
			summary.TotalValidates++
		}
		if entry.TaskID != "" {
			tasks[entry.TaskID] = struct{}{}
		}
	}
	summary.TotalTasks = len(tasks)
	return summary
}

// Snapshot 构造导出文档。
func (l *SessionLog) Snapshot() SessionExport {
	if l == nil {
		return SessionExport{Entries: []SessionEntry{}}
	}
	entries := l.Entries()
	if entries == nil {
		entries = []SessionEntry{}
	}
	return SessionExport{
		SessionID:   l.id,
		SessionName: l.name,
		CreatedAt:   l.createdAt,
		Entries:     entries,
		Summary:     l.Summary(),
	}
}

// Export 以缩进 JSON 导出会话日志，供外部审计。
func (l *SessionLog) Export() ([]byte, error) {
	return json.MarshalIndent(l.Snapshot(), "", "  ")
}

type delegateRequest struct {
	Prompt     string `json:"prompt"`
	MaxTokens  int    `json:"max_tokens,omitempty"`
	PromptType int    `json:"prompt_type"`
	Redundancy int    `json:"redundancy,omitempty"`
}

type delegateResponse struct {
	Content        string          `json:"content"`
	WorkerCount    int             `json:"worker_count"`
	Consensus      ConsensusResult `json:"consensus"`
	TotalLatencyMs float64         `json:"total_latency_ms"`
}

type loggedClient struct {
	next Client
	log  *SessionLog
}

// WithSessionLog 包装客户端，使每次 Infer 调用都在会话日志中留下一条记录。
func WithSessionLog(client Client, log *SessionLog) Client {
	if log == nil {
		return client
	}
	return &loggedClient{next: client, log: log}
}

func (c *loggedClient) Infer(ctx context.Context, prompt string, opts Options) (*Response, error) {
	start := time.Now()
	resp, err := c.next.Infer(ctx, prompt, opts)

	entry := SessionEntry{
		Operation: OperationDelegate,
		Timestamp: start.UTC(),
		Request: delegateRequest{
			Prompt:     prompt,
			MaxTokens:  opts.MaxTokens,
			PromptType: opts.PromptType,
			Redundancy: opts.Redundancy,
		},
		Success:   err == nil,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		entry.Response = map[string]string{"error": err.Error()}
	} else if resp != nil {
		entry.TaskID = resp.TaskID
		entry.Response = delegateResponse{
			Content:        resp.Content,
			WorkerCount:    len(resp.WorkerResponses),
			Consensus:      resp.Consensus,
			TotalLatencyMs: resp.TotalLatencyMs,
		}
	}
	c.log.Record(entry)
	c.log.Observe(resp)
	return resp, err
}
