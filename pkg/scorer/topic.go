package scorer

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"go-menshen/pkg/models"
)

// topicModelFile 训练产物的落盘格式：每个词在各主题上的权重，
// 以及每个标签的参考主题分布
type topicModelFile struct {
	Topics int                  `json:"topics"`
	Words  map[string][]float64 `json:"words"`
	Labels map[string][]float64 `json:"labels"`
}

// TopicScorer 有状态的主题打分器：把窗口文本推断成主题分布，
// 再与各标签的参考分布比Hellinger距离。learn模式下把新文档
// 并入在线词权重，默认打分后即丢弃。
type TopicScorer struct {
	mu     sync.Mutex
	topics int
	words  map[string][]float64
	labels map[string][]float64
}

// NewTopicScorer 从模型文件加载主题打分器
func NewTopicScorer(path string) (*TopicScorer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取主题模型失败: %w", err)
	}
	var f topicModelFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("主题模型不是合法JSON: %w", err)
	}
	if f.Topics <= 0 || len(f.Labels) == 0 {
		return nil, fmt.Errorf("主题模型缺少topics或labels")
	}
	return &TopicScorer{
		topics: f.Topics,
		words:  f.Words,
		labels: f.Labels,
	}, nil
}

// Score 实现Scorer接口，瞬态打分（不更新在线状态）
func (t *TopicScorer) Score(doc FeatureDocument) ([]models.Prediction, error) {
	return t.score(doc.Tokens(), false)
}

// ScoreWindow 对窗口文本打分。learn为真时把文档并入在线词权重
// （增量模式），为假时打分后丢弃（默认）。
func (t *TopicScorer) ScoreWindow(text FeatureDocument, learn bool) ([]models.Prediction, error) {
	return t.score(text.Tokens(), learn)
}

func (t *TopicScorer) score(tokens []string, learn bool) ([]models.Prediction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dist := t.inferTopics(tokens)

	if learn {
		t.update(tokens, dist)
	}

	preds := make([]models.Prediction, 0, len(t.labels))
	for label, ref := range t.labels {
		preds = append(preds, models.Prediction{
			Label:    label,
			Distance: hellinger(dist, ref),
		})
	}
	// 距离升序，最相似在前；同距离按标签名保证确定性
	sort.Slice(preds, func(i, j int) bool {
		if preds[i].Distance != preds[j].Distance {
			return preds[i].Distance < preds[j].Distance
		}
		return preds[i].Label < preds[j].Label
	})
	return preds, nil
}

// inferTopics 词袋投影到主题空间并归一化
func (t *TopicScorer) inferTopics(tokens []string) []float64 {
	dist := make([]float64, t.topics)
	var total float64
	for _, tok := range tokens {
		weights, ok := t.words[tok]
		if !ok {
			continue
		}
		for i := 0; i < t.topics && i < len(weights); i++ {
			dist[i] += weights[i]
			total += weights[i]
		}
	}
	if total == 0 {
		// 全是未知词，退化为均匀分布
		for i := range dist {
			dist[i] = 1 / float64(t.topics)
		}
		return dist
	}
	for i := range dist {
		dist[i] /= total
	}
	return dist
}

// update 增量模式：把本文档的主题分布按词频回灌进词权重
func (t *TopicScorer) update(tokens []string, dist []float64) {
	counts := make(map[string]int)
	for _, tok := range tokens {
		counts[tok]++
	}
	for tok, n := range counts {
		weights, ok := t.words[tok]
		if !ok {
			weights = make([]float64, t.topics)
			t.words[tok] = weights
		}
		for i := 0; i < t.topics && i < len(dist); i++ {
			weights[i] += float64(n) * dist[i]
		}
	}
}

// hellinger 两个离散分布之间的Hellinger距离
func hellinger(p, q []float64) float64 {
	n := len(p)
	if len(q) < n {
		n = len(q)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := math.Sqrt(p[i]) - math.Sqrt(q[i])
		sum += d * d
	}
	for i := n; i < len(p); i++ {
		sum += p[i]
	}
	for i := n; i < len(q); i++ {
		sum += q[i]
	}
	return math.Sqrt(sum) / math.Sqrt2
}
