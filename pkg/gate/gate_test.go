package gate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-menshen/pkg/alerter"
	"go-menshen/pkg/auditlog"
	"go-menshen/pkg/captcha"
	"go-menshen/pkg/engine"
	"go-menshen/pkg/metrics"
	"go-menshen/pkg/models"
	"go-menshen/pkg/policy"
	"go-menshen/pkg/scorer"
	"go-menshen/pkg/window"
)

const topicModelJSON = `{
	"topics": 2,
	"words": {
		"request_method_get": [1, 0],
		"request_method_post": [0, 1]
	},
	"labels": {"benign": [1, 0], "sqli": [0, 1]}
}`

const structuredModelJSON = `{
	"labels": {
		"benign": {"weights": {"method=GET": 10}, "bias": 0},
		"sqli": {"weights": {"method=POST": 10}, "bias": 0}
	}
}`

// fakeRenderer 记下最近渲染的答案，解题类测试用
type fakeRenderer struct {
	last string
}

func (f *fakeRenderer) Render(value string) ([]byte, error) {
	f.last = value
	return []byte("img"), nil
}

func (f *fakeRenderer) ContentType() string { return "image/svg+xml" }

type errScorer struct{}

func (errScorer) Score(scorer.FeatureDocument) ([]models.Prediction, error) {
	return nil, errors.New("model unavailable")
}

func newTestEngine(t *testing.T, pol *policy.Policy, typeScorer scorer.Scorer) *engine.Engine {
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
	return engine.New(topic, structured, typeScorer, pol, window.NewStore(5, 0, 0), engine.Config{})
}

func newTestGate(t *testing.T, challengeEnabled bool, pol *policy.Policy, typeScorer scorer.Scorer) *Gate {
	g, _ := newTestGateWithRenderer(t, challengeEnabled, pol, typeScorer)
	return g
}

func newTestGateWithRenderer(t *testing.T, challengeEnabled bool, pol *policy.Policy, typeScorer scorer.Scorer) (*Gate, *fakeRenderer) {
	t.Helper()
	audit, err := auditlog.New("", auditlog.ModeOff)
	require.NoError(t, err)
	al := alerter.New(nil, nil, nil, true, true)
	renderer := &fakeRenderer{}
	machine := captcha.NewMachine(renderer)
	return New(NewContext(), newTestEngine(t, pol, typeScorer), machine, al, audit, nil, challengeEnabled), renderer
}

func record(id, connID int64, method, uri string) *models.RequestRecord {
	return models.NewRequestRecord(id, connID, method, uri, "HTTP/1.1", nil, nil, "8.8.8.8", 0)
}

func TestContextRequestIDsMonotonic(t *testing.T) {
	c := NewContext()
	assert.Equal(t, int64(0), c.NextRequestID())
	assert.Equal(t, int64(1), c.NextRequestID())
	assert.Equal(t, int64(2), c.NextRequestID())
}

func TestContextConnectionIDStablePerSession(t *testing.T) {
	c := NewContext()
	a := c.ConnectionID("session-a")
	b := c.ConnectionID("session-b")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c.ConnectionID("session-a"))
}

func TestHandleApprovesSafeRequest(t *testing.T) {
	g := newTestGate(t, false, nil, nil)

	out := g.Handle(record(1, 1, "GET", "/shop/item.php?id=5"), "sid")
	assert.Equal(t, models.Approve, out.Directive)
	require.NotNil(t, out.IsSafe)
	assert.True(t, *out.IsSafe)
	assert.Nil(t, out.CaptchaSolved)
}

func TestHandleBlocksAttackWithoutCaptcha(t *testing.T) {
	g := newTestGate(t, false, nil, nil)

	out := g.Handle(record(1, 1, "POST", "/admin"), "sid")
	assert.Equal(t, models.Block, out.Directive)
	require.NotNil(t, out.IsSafe)
	assert.False(t, *out.IsSafe)
}

func TestHandleChallengesAttackWithCaptcha(t *testing.T) {
	g := newTestGate(t, true, nil, nil)

	out := g.Handle(record(1, 1, "POST", "/admin"), "sid")
	assert.Equal(t, models.Challenge, out.Directive)
	require.NotNil(t, out.CaptchaSolved)
	assert.False(t, *out.CaptchaSolved)
	assert.NotEmpty(t, out.Image)
	assert.NotEmpty(t, out.Nonce)
}

func TestHandleSolvedCounterOnlyOnTransition(t *testing.T) {
	g, renderer := newTestGateWithRenderer(t, true, nil, nil)

	out := g.Handle(record(1, 1, "POST", "/admin"), "sid")
	require.Equal(t, models.Challenge, out.Directive)

	before := testutil.ToFloat64(metrics.ChallengesSolved)

	// 提交正确答案：解出计数加一
	solve := models.NewRequestRecord(2, 1, "POST", "/admin", "HTTP/1.1", nil,
		map[string]string{"captcha": renderer.last, "nonce": out.Nonce}, "8.8.8.8", 0)
	out = g.Handle(solve, "sid")
	require.Equal(t, models.Approve, out.Directive)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ChallengesSolved))

	// 已解会话的旁路放行不再累加
	out = g.Handle(record(3, 1, "POST", "/admin"), "sid")
	require.Equal(t, models.Approve, out.Directive)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ChallengesSolved))
}

func TestHandleFaviconBlockedNotChallenged(t *testing.T) {
	g := newTestGate(t, true, nil, nil)

	out := g.Handle(record(1, 1, "POST", "/favicon.ico"), "sid")
	assert.Equal(t, models.Block, out.Directive)
	assert.Empty(t, out.Image)
}

func TestHandleEngineErrorFailsClosed(t *testing.T) {
	// 类别策略生效但类别打分器不可用，判定出错
	pol, err := policy.New([]string{"sql"}, nil)
	require.NoError(t, err)
	g := newTestGate(t, false, pol, errScorer{})

	out := g.Handle(record(1, 1, "GET", "/"), "sid")
	assert.Equal(t, models.Block, out.Directive)
	// 出错时安全性未知，不是false
	assert.Nil(t, out.IsSafe)
}
