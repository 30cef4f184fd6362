// Package gate 是面向外层Web服务器的请求边界：把抽象的请求
// 描述走完 规范化→打分→融合→验证码→告警→审计 的流水线，
// 给出approve/block/challenge三种指令之一。
// 任何内部错误都落到block，绝不落到approve（fail-closed）。
package gate

import (
	"sort"
	"sync"
	"time"

	"go-menshen/pkg/alerter"
	"go-menshen/pkg/auditlog"
	"go-menshen/pkg/captcha"
	"go-menshen/pkg/engine"
	"go-menshen/pkg/logger"
	"go-menshen/pkg/metrics"
	"go-menshen/pkg/models"
	"go-menshen/pkg/storage"
)

// Context 进程级的服务上下文：请求id与连接id计数器，
// 以及会话标识到连接id的映射。没有全局可变量。
type Context struct {
	mu            sync.Mutex
	nextRequestID int64
	connections   map[string]*connEntry
	nextConnID    int64
}

type connEntry struct {
	id      int64
	touched time.Time
}

const (
	maxTrackedSessions  = 10000
	keepTrackedSessions = 5000
)

func NewContext() *Context {
	return &Context{connections: make(map[string]*connEntry)}
}

// NextRequestID 单调递增的请求id
func (c *Context) NextRequestID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextRequestID
	c.nextRequestID++
	return id
}

// ConnectionID 会话标识对应的连接id，首见时分配
func (c *Context) ConnectionID(sessionID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.connections[sessionID]
	if !ok {
		e = &connEntry{id: c.nextConnID}
		c.nextConnID++
		c.connections[sessionID] = e
	}
	e.touched = time.Now()

	if len(c.connections) > maxTrackedSessions {
		c.cleanupLocked()
	}
	return e.id
}

// cleanupLocked 保留最近活跃的会话映射。调用方必须持有c.mu。
func (c *Context) cleanupLocked() {
	type entry struct {
		sid     string
		touched time.Time
	}
	entries := make([]entry, 0, len(c.connections))
	for sid, e := range c.connections {
		entries = append(entries, entry{sid, e.touched})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].touched.After(entries[j].touched)
	})
	for _, e := range entries[keepTrackedSessions:] {
		delete(c.connections, e.sid)
	}
}

// Outcome 网关对一个请求的最终处置
type Outcome struct {
	Directive     models.Directive
	IsSafe        *bool // nil表示判定过程出错（unknown）
	CaptchaSolved *bool
	Image         []byte
	ImageMIME     string
	Nonce         string
}

// Gate 请求处理边界
type Gate struct {
	ctx              *Context
	engine           *engine.Engine
	captcha          *captcha.Machine
	alerter          *alerter.Alerter
	audit            *auditlog.Logger
	storage          *storage.Storage
	challengeEnabled bool
}

func New(ctx *Context, eng *engine.Engine, machine *captcha.Machine,
	al *alerter.Alerter, audit *auditlog.Logger, st *storage.Storage,
	challengeEnabled bool) *Gate {

	return &Gate{
		ctx:              ctx,
		engine:           eng,
		captcha:          machine,
		alerter:          al,
		audit:            audit,
		storage:          st,
		challengeEnabled: challengeEnabled,
	}
}

// Machine 暴露验证码状态机（外层需要它分配会话id）
func (g *Gate) Machine() *captcha.Machine {
	return g.captcha
}

// Context 暴露服务上下文
func (g *Gate) Context() *Context {
	return g.ctx
}

// Handle 处理一个请求快照。sessionID是稳定的浏览器会话标识。
func (g *Gate) Handle(rec *models.RequestRecord, sessionID string) (out Outcome) {
	// 流水线里任何panic都转成拦截
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Errorf("判定流水线panic，按拦截处理: id=%d, panic=%v", rec.ID, r)
			out = Outcome{Directive: models.Block}
			g.finish(rec, out)
		}
	}()

	metrics.RequestsProcessed.Inc()

	res, err := g.engine.Decide(rec)
	if err != nil {
		// 错误绝不解释为安全
		logger.Log.Errorf("判定失败，按拦截处理: id=%d, error=%v", rec.ID, err)
		out = Outcome{Directive: models.Block}
		g.finish(rec, out)
		return out
	}

	safe := res.IsSafe
	out.IsSafe = &safe

	if safe {
		out.Directive = models.Approve
		g.finish(rec, out)
		return out
	}

	metrics.RequestsBlocked.Inc()
	g.alerter.LogAttack(rec.ConnectionID, rec.RemoteIP, res.Topic, res.Structured)
	g.alerter.MaybeSendDailyReport()
	if g.storage != nil {
		g.storage.SaveAlertEvent(rec.ConnectionID, rec.RemoteIP, res.Topic, res.Structured)
	}

	if !g.challengeEnabled {
		out.Directive = models.Block
		g.finish(rec, out)
		return out
	}

	co := g.captcha.HandleBlocked(sessionID, rec.URI, rec.Body)
	out.Directive = co.Directive
	out.CaptchaSolved = &co.Solved
	out.Image = co.Image
	out.ImageMIME = co.ImageMIME
	out.Nonce = co.Nonce
	switch {
	case co.Directive == models.Challenge:
		metrics.ChallengesIssued.Inc()
	case co.JustSolved:
		// 只数解出的那一次，已解会话的旁路放行不重复计
		metrics.ChallengesSolved.Inc()
	}

	g.finish(rec, out)
	return out
}

// finish 审计与旁路持久化，全部尽力而为
func (g *Gate) finish(rec *models.RequestRecord, out Outcome) {
	g.audit.Log(rec, out.IsSafe, out.CaptchaSolved)
	if g.storage != nil {
		g.storage.SaveDecision(rec, out.Directive, out.IsSafe)
	}
}
