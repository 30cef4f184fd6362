// Package captcha 实现拦截后的人机验证状态机。
// 图片渲染是外部协作方，这里只管会话状态与核验。
package captcha

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-menshen/pkg/logger"
	"go-menshen/pkg/models"
)

const (
	// 去掉易混淆字符的字母表
	secretChars = "abcdefghjkmnpqrstuvwxyz23456789"
	secretLen   = 5

	nonceChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	nonceLen   = 50

	maxSessions  = 10000
	keepSessions = 5000
)

// Renderer 验证码图片的渲染边界（外部协作方）
type Renderer interface {
	Render(value string) ([]byte, error)
	ContentType() string
}

// Session 单个浏览器会话的验证状态。Solved一旦置位在会话
// 生命周期内保持
type Session struct {
	Secret  string
	Nonce   string
	Solved  bool
	touched time.Time
}

// Outcome 状态机对一次被拦截请求的处置
type Outcome struct {
	Directive  models.Directive
	Solved     bool
	JustSolved bool   // 本次请求完成的解出，旁路放行时为假
	Image      []byte // Directive为Challenge时的图片载荷
	ImageMIME  string
	Nonce      string // 随图片一起下发的一次性nonce
}

// Machine 验证码状态机，按会话id存状态
type Machine struct {
	mu       sync.Mutex
	sessions map[string]*Session
	renderer Renderer
	now      func() time.Time
}

func NewMachine(renderer Renderer) *Machine {
	return &Machine{
		sessions: make(map[string]*Session),
		renderer: renderer,
		now:      time.Now,
	}
}

// NewSessionID 给新客户端分配会话标识
func (m *Machine) NewSessionID() string {
	return uuid.New().String()
}

// HandleBlocked 处理一次被拦截的请求。
//   - favicon之类的子资源探测不给验证码，直接拦截；
//   - 会话已解出验证码则放行（旁路）；
//   - 提交的nonce和答案与挂起的挑战都吻合则置位Solved并放行；
//   - 其余情况（包括首次接触）生成新挑战下发，不发生状态迁移。
func (m *Machine) HandleBlocked(sessionID, fullPath string, form map[string]string) Outcome {
	if strings.Contains(fullPath, "favicon.ico") {
		return Outcome{Directive: models.Block}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &Session{}
		m.sessions[sessionID] = sess
	}
	sess.touched = m.now()

	if sess.Solved {
		return Outcome{Directive: models.Approve, Solved: true}
	}

	if sess.Secret != "" && sess.Nonce != "" {
		answer, hasAnswer := form["captcha"]
		nonce, hasNonce := form["nonce"]
		if hasAnswer && hasNonce &&
			subtle.ConstantTimeCompare([]byte(nonce), []byte(sess.Nonce)) == 1 &&
			subtle.ConstantTimeCompare([]byte(answer), []byte(sess.Secret)) == 1 {
			sess.Solved = true
			return Outcome{Directive: models.Approve, Solved: true, JustSolved: true}
		}
	}

	// 下发新挑战，旧nonce随之作废
	sess.Secret = randomString(secretChars, secretLen)
	sess.Nonce = randomString(nonceChars, nonceLen)

	image, err := m.renderer.Render(sess.Secret)
	if err != nil {
		// 渲染不了就退回普通拦截，不能把无解的挑战发给用户
		logger.Log.Errorf("验证码渲染失败: %v", err)
		return Outcome{Directive: models.Block}
	}

	m.cleanup()
	return Outcome{
		Directive: models.Challenge,
		Image:     image,
		ImageMIME: m.renderer.ContentType(),
		Nonce:     sess.Nonce,
	}
}

// Solved 会话是否已解出验证码
func (m *Machine) Solved(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return ok && sess.Solved
}

// cleanup 会话数超限时保留最近touched的一半，其余丢弃。
// 调用方必须持有m.mu。
func (m *Machine) cleanup() {
	if len(m.sessions) <= maxSessions {
		return
	}
	type entry struct {
		id      string
		touched time.Time
	}
	entries := make([]entry, 0, len(m.sessions))
	for id, s := range m.sessions {
		entries = append(entries, entry{id, s.touched})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].touched.After(entries[j].touched)
	})
	for _, e := range entries[keepSessions:] {
		delete(m.sessions, e.id)
	}
}


func randomString(alphabet string, n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand不可用属于环境性故障
			logger.Log.Errorf("随机数生成失败: %v", err)
			idx = big.NewInt(int64(i % len(alphabet)))
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b)
}
