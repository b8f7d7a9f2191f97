package provider

import (
	"strings"

	"gensystem/internal/model"
)

// statusTable 外部原始状态到内部分类的映射，匹配时忽略大小写
var statusTable = map[string]string{
	"PENDING":   model.StatusClassPending,
	"QUEUED":    model.StatusClassPending,
	"SUBMITTED": model.StatusClassPending,
	"NOT_START": model.StatusClassPending,
	"WAITING":   model.StatusClassPending,

	"PROCESSING":   model.StatusClassProcessing,
	"RUNNING":      model.StatusClassProcessing,
	"IN_PROGRESS":  model.StatusClassProcessing,
	"STREAMING":    model.StatusClassProcessing,
	"TEXT_SUCCESS": model.StatusClassProcessing, // 歌词完成，音频未出

	"SUCCESS":       model.StatusClassSuccess,
	"FIRST_SUCCESS": model.StatusClassSuccess, // 第一首已可播放，没有音频时仍停在 PROCESSING
	"SUCCEEDED":     model.StatusClassSuccess,
	"COMPLETE":      model.StatusClassSuccess,
	"COMPLETED":     model.StatusClassSuccess,
	"DONE":          model.StatusClassSuccess,

	"FAILED":                model.StatusClassFailed,
	"FAILURE":               model.StatusClassFailed,
	"FAIL":                  model.StatusClassFailed,
	"ERROR":                 model.StatusClassFailed,
	"CREATE_TASK_FAILED":    model.StatusClassFailed,
	"GENERATE_AUDIO_FAILED": model.StatusClassFailed,
	"CALLBACK_EXCEPTION":    model.StatusClassFailed,
	"SENSITIVE_WORD_ERROR":  model.StatusClassFailed,
}

// NormalizeStatus 未识别的状态一律视为 PROCESSING，让任务继续被轮询
func NormalizeStatus(raw string) string {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if class, ok := statusTable[key]; ok {
		return class
	}
	return model.StatusClassProcessing
}
