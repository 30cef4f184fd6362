// Package engine 融合两个打分器（和可选的类别覆写策略）
// 得出单个请求的最终判定。
package engine

import (
	"errors"
	"fmt"
	"time"

	"go-menshen/pkg/canonical"
	"go-menshen/pkg/logger"
	"go-menshen/pkg/metrics"
	"go-menshen/pkg/models"
	"go-menshen/pkg/policy"
	"go-menshen/pkg/scorer"
	"go-menshen/pkg/window"
)

const (
	ConnectorAnd = "and"
	ConnectorOr  = "or"

	ModeLDA  = "lda"
	ModeNN   = "nn"
	ModeBoth = "both"
)

// ErrScorerTimeout 打分超出时限，调用边界按拦截处理
var ErrScorerTimeout = errors.New("打分超时")

// Config 决策引擎配置
type Config struct {
	Connector       string // and / or，默认or
	Mode            string // lda / nn / both，默认both
	SkipAttackLabel bool   // 容忍爬虫时跳过主题榜首的attack标签
	OnlineLearning  bool   // 主题打分器增量学习，默认关
	ScorerTimeout   time.Duration
}

// Engine 决策引擎，只依赖打分边界接口
type Engine struct {
	topic      *scorer.TopicScorer
	structured scorer.Scorer
	typeScorer scorer.Scorer
	policy     *policy.Policy
	windows    *window.Store
	cfg        Config
}

// Result 一次判定的结果，两个打分器的完整判定都会保留，
// 供类别策略和告警使用
type Result struct {
	IsSafe     bool
	Topic      models.Verdict
	Structured models.Verdict
}

func New(topic *scorer.TopicScorer, structured, typeScorer scorer.Scorer,
	pol *policy.Policy, windows *window.Store, cfg Config) *Engine {

	if cfg.Connector == "" {
		cfg.Connector = ConnectorOr
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBoth
	}
	if cfg.ScorerTimeout <= 0 {
		cfg.ScorerTimeout = 2 * time.Second
	}
	return &Engine{
		topic:      topic,
		structured: structured,
		typeScorer: typeScorer,
		policy:     pol,
		windows:    windows,
		cfg:        cfg,
	}
}

// connect 按模式与连接子合并两个布尔判定
func (e *Engine) connect(a, b bool) bool {
	switch e.cfg.Mode {
	case ModeLDA:
		return a
	case ModeNN:
		return b
	}
	if e.cfg.Connector == ConnectorAnd {
		return a && b
	}
	return a || b
}

// Decide 判定一个请求。两个打分器总是都会执行——即使or语义下
// 单个结果已能定案，类别策略和告警也需要完整榜单。
// 任何错误（含超时）都原样上抛，由网关按fail-closed转为拦截。
func (e *Engine) Decide(rec *models.RequestRecord) (Result, error) {
	doc := canonical.Canonicalize(rec)
	e.windows.Append(rec.ConnectionID, doc)
	text := canonical.Document(e.windows.WindowText(rec.ConnectionID))
	row := canonical.ExtractFeatures(rec)

	start := time.Now()
	topicPreds, err := e.scoreWithBudget(func() ([]models.Prediction, error) {
		return e.topic.ScoreWindow(text, e.cfg.OnlineLearning)
	})
	if err != nil {
		return Result{}, fmt.Errorf("主题打分失败: %w", err)
	}
	structPreds, err := e.scoreWithBudget(func() ([]models.Prediction, error) {
		return e.structured.Score(row)
	})
	if err != nil {
		return Result{}, fmt.Errorf("结构化打分失败: %w", err)
	}
	metrics.ScorerDuration.Observe(time.Since(start).Seconds())

	res := Result{
		Topic: models.Verdict{
			IsAttack:    scorer.IsAttack(topicPreds, e.cfg.SkipAttackLabel),
			Predictions: topicPreds,
		},
		Structured: models.Verdict{
			IsAttack:    scorer.IsAttack(structPreds, false),
			Predictions: structPreds,
		},
	}

	// 类别覆写策略生效时优先，无结论再落回默认融合
	if e.policy != nil && e.policy.Active() {
		typePreds, err := e.scoreWithBudget(func() ([]models.Prediction, error) {
			return e.typeScorer.Score(row)
		})
		if err != nil {
			return Result{}, fmt.Errorf("类别打分失败: %w", err)
		}
		if v := e.policy.Decide(topicPreds, typePreds, e.connect); v != nil {
			res.IsSafe = *v
			logger.Log.Debugf("类别策略定案: id=%d, is_safe=%v", rec.ID, res.IsSafe)
			return res, nil
		}
	}

	res.IsSafe = e.connect(!res.Topic.IsAttack, !res.Structured.IsAttack)
	return res, nil
}

// scoreWithBudget 同步调用打分器，超出时限视为失败
func (e *Engine) scoreWithBudget(f func() ([]models.Prediction, error)) ([]models.Prediction, error) {
	type result struct {
		preds []models.Prediction
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		preds, err := f()
		ch <- result{preds, err}
	}()

	select {
	case r := <-ch:
		return r.preds, r.err
	case <-time.After(e.cfg.ScorerTimeout):
		return nil, ErrScorerTimeout
	}
}
