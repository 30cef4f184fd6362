// Package scorer 定义分类器的打分边界并实现两类打分器：
// 基于主题分布的窗口打分器和基于结构化特征的打分器。
// 模型产物在启动时从索引清单一次性加载。
package scorer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go-menshen/pkg/models"
)

// FeatureDocument 可被打分的特征文档
type FeatureDocument interface {
	Tokens() []string
}

// Scorer 打分边界：返回按距离升序的(label, distance)列表，
// 模型有标签时至少一条
type Scorer interface {
	Score(doc FeatureDocument) ([]models.Prediction, error)
}

// 非攻击哨兵标签
const (
	LabelBenign = "benign"
	LabelNone   = "none"
	LabelNoID   = "-1" // 无分类id
)

// IsAttack 从打分结果推导"是否攻击"。
// skipAttackLabel为真且榜首是attack标签时跳过榜首（容忍爬虫类标签，
// 避免自动信任），再用哨兵标签集判定。
func IsAttack(preds []models.Prediction, skipAttackLabel bool) bool {
	if len(preds) == 0 {
		// 无预测按攻击处理（fail-closed）
		return true
	}
	top := preds[0].Label
	if skipAttackLabel && top == "attack" && len(preds) > 1 {
		top = preds[1].Label
	}
	return top != LabelBenign && top != LabelNone && top != LabelNoID
}

// Manifest 模型目录的索引清单，缺任何必需角色视为致命配置错误
type Manifest struct {
	Name                  string `json:"name"`
	TopicModel            string `json:"topic-model"`
	StructuredAttackModel string `json:"structured-attack-model"`
	StructuredCrawlModel  string `json:"structured-crawl-model"`
	StructuredTypeModel   string `json:"structured-type-model"`
}

// LoadManifest 读取并校验model目录下的index.json
func LoadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		return nil, fmt.Errorf("缺少模型索引: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("模型索引不是合法JSON: %w", err)
	}

	missing := []string{}
	if m.Name == "" {
		missing = append(missing, "name")
	}
	if m.TopicModel == "" {
		missing = append(missing, "topic-model")
	}
	if m.StructuredAttackModel == "" {
		missing = append(missing, "structured-attack-model")
	}
	if m.StructuredCrawlModel == "" {
		missing = append(missing, "structured-crawl-model")
	}
	if m.StructuredTypeModel == "" {
		missing = append(missing, "structured-type-model")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("模型索引缺少必需角色: %v", missing)
	}
	return &m, nil
}
