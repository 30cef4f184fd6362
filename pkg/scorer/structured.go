package scorer

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"go-menshen/pkg/models"
)

// structuredModelFile 结构化模型的落盘格式：每个标签一张
// 特征token权重表加偏置
type structuredModelFile struct {
	Labels map[string]struct {
		Weights map[string]float64 `json:"weights"`
		Bias    float64            `json:"bias"`
	} `json:"labels"`
}

// StructuredScorer 无状态的结构化打分器，每个请求独立打分
type StructuredScorer struct {
	labels map[string]labelModel
}

type labelModel struct {
	weights map[string]float64
	bias    float64
}

// NewStructuredScorer 从模型文件加载结构化打分器
func NewStructuredScorer(path string) (*StructuredScorer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取结构化模型失败: %w", err)
	}
	var f structuredModelFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("结构化模型不是合法JSON: %w", err)
	}
	if len(f.Labels) == 0 {
		return nil, fmt.Errorf("结构化模型没有标签")
	}

	labels := make(map[string]labelModel, len(f.Labels))
	for name, lm := range f.Labels {
		labels[name] = labelModel{weights: lm.Weights, bias: lm.Bias}
	}
	return &StructuredScorer{labels: labels}, nil
}

// Score 实现Scorer接口：各标签的激活值经sigmoid翻转成距离，
// 激活越高距离越小
func (s *StructuredScorer) Score(doc FeatureDocument) ([]models.Prediction, error) {
	tokens := doc.Tokens()

	preds := make([]models.Prediction, 0, len(s.labels))
	for name, lm := range s.labels {
		act := lm.bias
		for _, tok := range tokens {
			act += lm.weights[tok]
		}
		preds = append(preds, models.Prediction{
			Label:    name,
			Distance: 1 / (1 + math.Exp(act)),
		})
	}
	sort.Slice(preds, func(i, j int) bool {
		if preds[i].Distance != preds[j].Distance {
			return preds[i].Distance < preds[j].Distance
		}
		return preds[i].Label < preds[j].Label
	})
	return preds, nil
}
