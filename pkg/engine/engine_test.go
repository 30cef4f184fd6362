package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-menshen/pkg/models"
	"go-menshen/pkg/policy"
	"go-menshen/pkg/scorer"
	"go-menshen/pkg/window"
)

// 主题模型：GET偏benign，POST和X-Evil头偏sqli
const topicModelJSON = `{
	"topics": 2,
	"words": {
		"request_method_get": [1, 0],
		"request_method_post": [0, 1],
		"request_header_x-evil": [0, 5]
	},
	"labels": {"benign": [1, 0], "sqli": [0, 1]}
}`

const structuredModelJSON = `{
	"labels": {
		"benign": {"weights": {"method=GET": 10}, "bias": 0},
		"sqli": {"weights": {"method=POST": 10}, "bias": 0}
	}
}`

type stubScorer struct {
	preds []models.Prediction
	err   error
	delay time.Duration
}

func (s stubScorer) Score(scorer.FeatureDocument) ([]models.Prediction, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.preds, s.err
}

func newTestEngine(t *testing.T, cfg Config, pol *policy.Policy, typeScorer scorer.Scorer) *Engine {
	t.Helper()
	dir := t.TempDir()

	topicPath := filepath.Join(dir, "topic.json")
	require.NoError(t, os.WriteFile(topicPath, []byte(topicModelJSON), 0o644))
	topic, err := scorer.NewTopicScorer(topicPath)
	require.NoError(t, err)

	nnPath := filepath.Join(dir, "nn.json")
	require.NoError(t, os.WriteFile(nnPath, []byte(structuredModelJSON), 0o644))
	structured, err := scorer.NewStructuredScorer(nnPath)
	require.NoError(t, err)

	if pol == nil {
		pol, err = policy.New(nil, nil)
		require.NoError(t, err)
	}

	return New(topic, structured, typeScorer, pol, window.NewStore(5, 0, 0), cfg)
}

func getRequest(connID int64) *models.RequestRecord {
	return models.NewRequestRecord(1, connID, "GET", "/", "HTTP/1.1", nil, nil, "", 0)
}

func postRequest(connID int64) *models.RequestRecord {
	return models.NewRequestRecord(2, connID, "POST", "/", "HTTP/1.1", nil, nil, "", 0)
}

func TestDecideBenignRequest(t *testing.T) {
	e := newTestEngine(t, Config{}, nil, nil)

	res, err := e.Decide(getRequest(1))
	require.NoError(t, err)
	assert.True(t, res.IsSafe)
	assert.False(t, res.Topic.IsAttack)
	assert.False(t, res.Structured.IsAttack)
}

func TestDecideAttackRequest(t *testing.T) {
	e := newTestEngine(t, Config{}, nil, nil)

	// 两个打分器都判攻击，or语义下拦截
	res, err := e.Decide(postRequest(2))
	require.NoError(t, err)
	assert.False(t, res.IsSafe)
	assert.True(t, res.Topic.IsAttack)
	assert.True(t, res.Structured.IsAttack)
}

func TestDecideConnectorSemantics(t *testing.T) {
	// 主题判攻击（X-Evil头）而结构化判正常（GET）
	rec := models.NewRequestRecord(3, 3, "GET", "/", "HTTP/1.1",
		map[string]string{"X-Evil": "zzz"}, nil, "", 0)

	eOr := newTestEngine(t, Config{Connector: ConnectorOr}, nil, nil)
	res, err := eOr.Decide(rec)
	require.NoError(t, err)
	assert.True(t, res.Topic.IsAttack)
	assert.False(t, res.Structured.IsAttack)
	// or：一边说安全就放行
	assert.True(t, res.IsSafe)

	eAnd := newTestEngine(t, Config{Connector: ConnectorAnd}, nil, nil)
	res, err = eAnd.Decide(rec)
	require.NoError(t, err)
	// and：两边都说安全才放行
	assert.False(t, res.IsSafe)
}

func TestDecideModeSingleScorer(t *testing.T) {
	rec := models.NewRequestRecord(4, 4, "GET", "/", "HTTP/1.1",
		map[string]string{"X-Evil": "zzz"}, nil, "", 0)

	// lda模式只看主题打分器
	eLDA := newTestEngine(t, Config{Mode: ModeLDA}, nil, nil)
	res, err := eLDA.Decide(rec)
	require.NoError(t, err)
	assert.False(t, res.IsSafe)

	// nn模式只看结构化打分器
	eNN := newTestEngine(t, Config{Mode: ModeNN}, nil, nil)
	res, err = eNN.Decide(rec)
	require.NoError(t, err)
	assert.True(t, res.IsSafe)
}

func TestDecideScorerTimeout(t *testing.T) {
	e := newTestEngine(t, Config{ScorerTimeout: time.Millisecond}, nil, nil)
	e.structured = stubScorer{delay: 100 * time.Millisecond}

	_, err := e.Decide(getRequest(5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScorerTimeout))
}

func TestDecidePolicyBlockOverridesConnector(t *testing.T) {
	pol, err := policy.New([]string{"sql"}, nil)
	require.NoError(t, err)
	typeScorer := stubScorer{preds: []models.Prediction{{Label: "SQL Injection", Distance: 0.1}}}

	// or语义本不会因单边而拦，但类别策略两边都命中block集合
	e := newTestEngine(t, Config{Connector: ConnectorOr}, pol, typeScorer)
	res, err := e.Decide(postRequest(6))
	require.NoError(t, err)
	assert.False(t, res.IsSafe)
}

func TestDecidePolicyNoConclusionFallsBack(t *testing.T) {
	pol, err := policy.New([]string{"sql"}, nil)
	require.NoError(t, err)
	typeScorer := stubScorer{preds: []models.Prediction{{Label: "SQL Injection", Distance: 0.1}}}

	// benign请求：榜首一边benign一边blocked，or语义下无结论，
	// 回落默认融合后放行
	e := newTestEngine(t, Config{Connector: ConnectorOr}, pol, typeScorer)
	res, err := e.Decide(getRequest(7))
	require.NoError(t, err)
	assert.True(t, res.IsSafe)
}

func TestDecideWindowAccumulates(t *testing.T) {
	e := newTestEngine(t, Config{}, nil, nil)

	// 同一连接先POST后GET：窗口里残留的POST词让主题打分器仍偏攻击
	_, err := e.Decide(postRequest(8))
	require.NoError(t, err)

	res, err := e.Decide(getRequest(8))
	require.NoError(t, err)
	assert.False(t, res.Structured.IsAttack)
	// 窗口文本 = post文档 + get文档，主题分布仍受post影响
	assert.NotNil(t, res.Topic.Predictions)
}
