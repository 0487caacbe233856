package agent

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

// parseStructuredOrDefault 从模型输出中提取 JSON 对象：先找代码块，再找第一个配平的 {…}，
// 都失败时返回 fallback() 且第二个返回值为 false。
func parseStructuredOrDefault[T any](raw string, fallback func() T) (T, bool) {
	for _, candidate := range jsonCandidates(raw) {
		var out T
		if err := json.Unmarshal([]byte(candidate), &out); err == nil {
			return out, true
		}
	}
	return fallback(), false
}

func jsonCandidates(raw string) []string {
	var candidates []string
	for _, match := range fencedBlock.FindAllStringSubmatch(raw, -1) {
		if body := strings.TrimSpace(match[1]); body != "" {
			candidates = append(candidates, body)
		}
	}
	if span, ok := firstObject(raw); ok {
		candidates = append(candidates, span)
	}
	return candidates
}

// firstObject 返回第一个 '{' 开始的配平对象；括号不配平时退回到最后一个 '}'。
func firstObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	if end := strings.LastIndexByte(raw, '}'); end > start {
		return raw[start : end+1], true
	}
	return "", false
}

// flexString 兼容模型把 ID 写成数字的情况。
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexInt 兼容模型把数字写成字符串的情况。
type flexInt struct {
	value int
	set   bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		f.value, f.set = int(n), true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	f.value, f.set = v, true
	return nil
}
