package provider

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

var (
	ErrProviderError   = errors.New("生成服务调用失败")
	ErrProviderTimeout = errors.New("生成服务调用超时")
)

// GenerateParams 提交生成任务的参数
type GenerateParams struct {
	Prompt       string
	Style        string
	Title        string
	Instrumental bool
	ModelVersion string
}

// Artifact 一条生成结果
type Artifact struct {
	URL             string
	ImageURL        string
	DurationSeconds *float64
	Tags            string
	Title           string
}

// TaskStatus 一次状态查询的结果
type TaskStatus struct {
	RawStatus  string
	Artifacts  []Artifact
	Progress   string
	FailReason string
}

// UsableArtifacts 过滤掉还没有音频地址的结果
func (s *TaskStatus) UsableArtifacts() []Artifact {
	usable := make([]Artifact, 0, len(s.Artifacts))
	for _, a := range s.Artifacts {
		if strings.TrimSpace(a.URL) != "" {
			usable = append(usable, a)
		}
	}
	return usable
}

// flexFloat 兼容数字和字符串两种格式的时长
type flexFloat struct {
	value *float64
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		f.value = nil
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// 时长解析不了不影响结果可用
		f.value = nil
		return nil
	}
	f.value = &v
	return nil
}

// flexString 兼容数字和字符串两种格式的进度
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
	*f = flexString(strings.TrimSpace(string(data)))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
