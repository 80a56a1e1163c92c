package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"text/template"
)

const reviewTemplate = `
你是一名谨慎的股票交易复核员。量化信号给出了下面的建议，请判断是否存在明显的反向证据。

代码: {{ .Snapshot.Symbol }}
K线周期: {{ .Snapshot.Resolution }}
信号方向: {{ .Snapshot.Direction }}
信号得分: {{ printf "%.2f" .Snapshot.Score }}

指标与近期收盘价：
{{ .SnapshotJSON }}

复核原则：
1. 只在指标之间存在明显矛盾或趋势明显相反时否决；
2. 不确定时确认原信号；
3. 不提供新的交易方向。

请严格输出唯一的 JSON 对象，格式如下：
{
  "symbol": "{{ .Snapshot.Symbol }}",
  "verdict": "CONFIRM|VETO",
  "confidence": 0.0-1.0,
  "reasoning": "..."
}
`

var tmpl = template.Must(template.New("review").Parse(reviewTemplate))

// PromptContext 用于渲染提示词。
type PromptContext struct {
	Snapshot     Snapshot
	SnapshotJSON string
}

// BuildPrompt 将信号快照渲染成提示词字符串。
func BuildPrompt(snapshot Snapshot) (string, error) {
	// NaN 无法序列化为 JSON，未计算的指标不提交。
	clean := snapshot
	clean.Indicators = make(map[string]float64, len(snapshot.Indicators))
	for name, value := range snapshot.Indicators {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		clean.Indicators[name] = value
	}

	payload, err := json.MarshalIndent(struct {
		Indicators map[string]float64 `json:"indicators"`
		Labels     []string           `json:"labels"`
		Closes     []float64          `json:"recent_closes"`
	}{clean.Indicators, clean.Labels, clean.Closes}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ai: 序列化信号快照失败: %w", err)
	}

	var buf bytes.Buffer
	if err = tmpl.Execute(&buf, PromptContext{Snapshot: clean, SnapshotJSON: string(payload)}); err != nil {
		return "", fmt.Errorf("ai: 渲染提示词失败: %w", err)
	}
	return buf.String(), nil
}
