package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Capability 某个外部服务的协议描述，启动时按配置选定，运行期间不再探测
type Capability struct {
	Name             string
	SubmitPath       string
	StatusPath       string // 含 %s 时外部ID拼在路径里
	StatusQueryParam string // 非空时外部ID放在该 query 参数里
	SuccessCodes     []int
	ModelNames       map[string]string // 内部模型名到外部模型名，缺失时原样透传

	encodeSubmit func(p GenerateParams, callbackURL string) interface{}
	decodeSubmit func(data json.RawMessage) (string, error)
	decodeStatus func(data json.RawMessage) (*TaskStatus, error)
}

func (c Capability) isSuccess(code int) bool {
	for _, s := range c.SuccessCodes {
		if s == code {
			return true
		}
	}
	return false
}

func (c Capability) mapModel(model string) string {
	if mapped, ok := c.ModelNames[model]; ok {
		return mapped
	}
	return model
}

var capabilities = map[string]Capability{
	"kie":   kieCapability,
	"302ai": api302Capability,
}

// LookupCapability 按名称取协议描述
func LookupCapability(name string) (Capability, bool) {
	c, ok := capabilities[name]
	return c, ok
}

// envelope 两家服务共用的外层响应结构
type envelope struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *envelope) message() string {
	return firstNonEmpty(e.Msg, e.Message)
}

// ============================================================================
// kie.ai
// ============================================================================

var kieCapability = Capability{
	Name:             "kie",
	SubmitPath:       "/api/v1/generate",
	StatusPath:       "/api/v1/generate/record-info",
	StatusQueryParam: "taskId",
	SuccessCodes:     []int{200},
	encodeSubmit: func(p GenerateParams, callbackURL string) interface{} {
		body := map[string]interface{}{
			"prompt":       p.Prompt,
			"customMode":   p.Style != "" || p.Title != "",
			"instrumental": p.Instrumental,
			"model":        p.ModelVersion,
			"callBackUrl":  callbackURL,
		}
		if p.Style != "" {
			body["style"] = p.Style
		}
		if p.Title != "" {
			body["title"] = p.Title
		}
		return body
	},
	decodeSubmit: func(data json.RawMessage) (string, error) {
		var out struct {
			TaskID string `json:"taskId"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return "", err
		}
		return out.TaskID, nil
	},
	decodeStatus: func(data json.RawMessage) (*TaskStatus, error) {
		var out struct {
			Status   string     `json:"status"`
			Progress flexString `json:"progress"`
			Response *struct {
				SunoData []struct {
					AudioURL       string    `json:"audioUrl"`
					StreamAudioURL string    `json:"streamAudioUrl"`
					ImageURL       string    `json:"imageUrl"`
					Title          string    `json:"title"`
					Tags           string    `json:"tags"`
					Duration       flexFloat `json:"duration"`
				} `json:"sunoData"`
			} `json:"response"`
			ErrorMessage string `json:"errorMessage"`
			FailReason   string `json:"failReason"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}

		status := &TaskStatus{
			RawStatus:  out.Status,
			Progress:   string(out.Progress),
			FailReason: firstNonEmpty(out.FailReason, out.ErrorMessage),
		}
		if out.Response != nil {
			for _, d := range out.Response.SunoData {
				status.Artifacts = append(status.Artifacts, Artifact{
					URL:             firstNonEmpty(d.StreamAudioURL, d.AudioURL), // 流式地址先于成品出现
					ImageURL:        d.ImageURL,
					DurationSeconds: d.Duration.value,
					Tags:            d.Tags,
					Title:           d.Title,
				})
			}
		}
		return status, nil
	},
}

// ============================================================================
// 302.ai
// ============================================================================

type api302Music struct {
	ID            string     `json:"id"`
	ClipID        string     `json:"clip_id"`
	AudioURL      string     `json:"audio_url"`
	ImageURL      string     `json:"image_url"`
	ImageLargeURL string     `json:"image_large_url"`
	Title         string     `json:"title"`
	Tags          string     `json:"tags"`
	Duration      flexFloat  `json:"duration"`
	Status        string     `json:"status"`
	State         string     `json:"state"`
	Progress      flexString `json:"progress"`
	Msg           string     `json:"msg"`
	Error         string     `json:"error"`
}

var api302Capability = Capability{
	Name:         "302ai",
	SubmitPath:   "/suno/submit/music",
	StatusPath:   "/suno/fetch/%s",
	SuccessCodes: []int{200, 0},
	ModelNames: map[string]string{
		"V3_5": "chirp-v3-5",
		"V4":   "chirp-v4",
		"V4_5": "chirp-auk",
		"V4_6": "chirp-bluejay",
		"V5":   "chirp-crow",
	},
	encodeSubmit: func(p GenerateParams, _ string) interface{} {
		body := map[string]interface{}{
			"gpt_description_prompt": p.Prompt,
			"mv":                     p.ModelVersion,
			"make_instrumental":      p.Instrumental,
		}
		if p.Style != "" {
			body["tags"] = p.Style
		}
		if p.Title != "" {
			body["title"] = p.Title
		}
		return body
	},
	decodeSubmit: func(data json.RawMessage) (string, error) {
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			return "", nil
		}
		switch data[0] {
		case '"':
			var id string
			err := json.Unmarshal(data, &id)
			return id, err
		case '[':
			var items []api302Music
			if err := json.Unmarshal(data, &items); err != nil {
				return "", err
			}
			if len(items) == 0 {
				return "", nil
			}
			return firstNonEmpty(items[0].ID, items[0].ClipID), nil
		default:
			var item api302Music
			if err := json.Unmarshal(data, &item); err != nil {
				return "", err
			}
			return firstNonEmpty(item.ID, item.ClipID), nil
		}
	},
	decodeStatus: func(data json.RawMessage) (*TaskStatus, error) {
		data = bytes.TrimSpace(data)
		if len(data) > 0 && data[0] == '[' {
			var wrapped []json.RawMessage
			if err := json.Unmarshal(data, &wrapped); err != nil {
				return nil, err
			}
			if len(wrapped) == 0 {
				return nil, fmt.Errorf("状态响应为空")
			}
			data = wrapped[0]
		}

		var out struct {
			Status   string        `json:"status"`
			Progress flexString    `json:"progress"`
			Message  string        `json:"message"`
			Data     []api302Music `json:"data"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}

		var first api302Music
		if len(out.Data) > 0 {
			first = out.Data[0]
		}

		status := &TaskStatus{
			RawStatus:  firstNonEmpty(out.Status, first.State, first.Status, "PENDING"),
			Progress:   firstNonEmpty(string(out.Progress), string(first.Progress)),
			FailReason: firstNonEmpty(out.Message, first.Msg, first.Error),
		}
		for _, m := range out.Data {
			status.Artifacts = append(status.Artifacts, Artifact{
				URL:             m.AudioURL,
				ImageURL:        firstNonEmpty(m.ImageURL, m.ImageLargeURL),
				DurationSeconds: m.Duration.value,
				Tags:            m.Tags,
				Title:           m.Title,
			})
		}
		return status, nil
	},
}
