// Package consensus 对同一提示词的冗余回答进行分组并计算一致比例。
package consensus

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"VeriSwarm/internal/inference"
)

// Normalizer 把回答内容映射为分组用的规范形式。
type Normalizer func(content string) string

// DefaultNormalizer 去除首尾空白并转为小写，属于精确匹配分组：语义相同但措辞不同的回答会被视为分歧。
func DefaultNormalizer(content string) string {
	return strings.ToLower(strings.TrimSpace(content))
}

// Engine 计算共识结果。零值可直接使用。
type Engine struct {
	Normalizer Normalizer
}

// New 创建使用默认规范化规则的引擎。
func New() *Engine {
	return &Engine{Normalizer: DefaultNormalizer}
}

type group struct {
	firstWorker  string
	firstContent string
	size         int
}

// Compute 对回答分组并返回共识结果，输出只取决于输入。
//
// 多个最大组规模相同时，首个成员 worker_id 字典序最小的组胜出，
// 与分组遍历顺序无关。
func (e *Engine) Compute(responses []inference.WorkerResponse) inference.ConsensusResult {
	if len(responses) == 0 {
		return inference.ConsensusResult{DivergentWorkerIDs: []string{}}
	}
	normalize := DefaultNormalizer
	if e != nil && e.Normalizer != nil {
		normalize = e.Normalizer
	}

	groups := make(map[string]*group)
	order := make([]string, 0, len(responses))
	keys := make([]string, len(responses))
	for i := range responses {
		resp := &responses[i]
		key := fingerprint(normalize(resp.Content))
		keys[i] = key
		g, ok := groups[key]
		if !ok {
			g = &group{
				firstWorker:  resp.WorkerID,
				firstContent: strings.TrimSpace(resp.Content),
			}
			groups[key] = g
			order = append(order, key)
		}
		g.size++
	}

	var majority *group
	var majorityKey string
	for _, key := range order {
		g := groups[key]
		switch {
		case majority == nil, g.size > majority.size:
			majority, majorityKey = g, key
		case g.size == majority.size && g.firstWorker < majority.firstWorker:
			majority, majorityKey = g, key
		}
	}

	divergent := make([]string, 0, len(responses)-majority.size)
	for i := range responses {
		if keys[i] == majorityKey {
			continue
		}
		divergent = append(divergent, responses[i].WorkerID)
	}

	total := len(responses)
	return inference.ConsensusResult{
		Score:              float64(majority.size) / float64(total),
		AgreementCount:     majority.size,
		TotalWorkers:       total,
		MajorityContent:    majority.firstContent,
		DivergentWorkerIDs: divergent,
	}
}

func fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
