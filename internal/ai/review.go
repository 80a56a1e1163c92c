package ai

import (
	"errors"
	"fmt"
	"strings"
)

// Verdict 为模型对信号的复核结论。
type Verdict string

const (
	VerdictConfirm Verdict = "CONFIRM"
	VerdictVeto    Verdict = "VETO"
)

// Review 表示大模型返回的复核结果。
type Review struct {
	Symbol     string  `json:"symbol"`
	Verdict    Verdict `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Validate 校验复核字段合法性。
func (r Review) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return errors.New("ai: symbol 不能为空")
	}
	switch Verdict(strings.ToUpper(strings.TrimSpace(string(r.Verdict)))) {
	case VerdictConfirm, VerdictVeto:
	default:
		return fmt.Errorf("ai: verdict 字段取值非法: %s", r.Verdict)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("ai: confidence 必须在 [0,1] 区间，目前为 %f", r.Confidence)
	}
	if strings.TrimSpace(r.Reasoning) == "" {
		return errors.New("ai: reasoning 不能为空")
	}
	return nil
}

// Vetoed 判断模型是否否决了信号。
func (r Review) Vetoed() bool {
	return Verdict(strings.ToUpper(strings.TrimSpace(string(r.Verdict)))) == VerdictVeto
}

// Snapshot 为提交复核的信号快照。
type Snapshot struct {
	Symbol     string             `json:"symbol"`
	Resolution string             `json:"resolution"`
	Score      float64            `json:"score"`
	Labels     []string           `json:"labels"`
	Indicators map[string]float64 `json:"indicators"`
	Closes     []float64          `json:"recent_closes"`
}

// Direction 返回信号方向。
func (s Snapshot) Direction() string {
	switch {
	case s.Score > 0:
		return "BUY"
	case s.Score < 0:
		return "SELL"
	default:
		return "HOLD"
	}
}
