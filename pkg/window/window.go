// Package window 维护每个连接最近K条规范文档的滑动窗口，
// 主题分类器用拼接后的窗口文本打分。
package window

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go-menshen/pkg/canonical"
	"go-menshen/pkg/logger"
)

const (
	DefaultWindowSize = 5
	DefaultMaxConns   = 2000
)

type connWindow struct {
	docs    []canonical.Document // FIFO，最旧在前
	touched time.Time
}

// Store 按连接标识存窗口，内存有界：超过maxConns时同步清理，
// 只保留最近touched的keepConns个连接
type Store struct {
	mu        sync.Mutex
	windows   map[int64]*connWindow
	size      int
	maxConns  int
	keepConns int
	now       func() time.Time
}

func NewStore(size, maxConns, keepConns int) *Store {
	if size <= 0 {
		size = DefaultWindowSize
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	// keepConns必须低于maxConns，否则清理时切片越界
	if keepConns <= 0 || keepConns > maxConns {
		keepConns = maxConns / 2
	}
	return &Store{
		windows:   make(map[int64]*connWindow),
		size:      size,
		maxConns:  maxConns,
		keepConns: keepConns,
		now:       time.Now,
	}
}

// Append 把文档追加进连接的窗口，超长时丢最旧的一条。
// 追加导致连接数超限时在同一把锁下同步清理。
func (s *Store) Append(connectionID int64, doc canonical.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[connectionID]
	if !ok {
		w = &connWindow{}
		s.windows[connectionID] = w
	}
	w.docs = append(w.docs, doc)
	if len(w.docs) > s.size {
		w.docs = w.docs[len(w.docs)-s.size:]
	}
	w.touched = s.now()

	if len(s.windows) > s.maxConns {
		s.cleanup()
	}
}

// cleanup 按touched降序排序，保留最新的keepConns个，其余整体丢弃。
// 调用方必须持有s.mu。
func (s *Store) cleanup() {
	type entry struct {
		id      int64
		touched time.Time
	}
	entries := make([]entry, 0, len(s.windows))
	for id, w := range s.windows {
		entries = append(entries, entry{id, w.touched})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].touched.After(entries[j].touched)
	})

	for _, e := range entries[s.keepConns:] {
		delete(s.windows, e.id)
	}
	logger.Log.Debugf("连接窗口清理完成，保留 %d 个连接", len(s.windows))
}

// WindowText 返回窗口内文档按时间顺序拼接的文本
func (s *Store) WindowText(connectionID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[connectionID]
	if !ok {
		return ""
	}
	parts := make([]string, len(w.docs))
	for i, d := range w.docs {
		parts[i] = string(d)
	}
	return strings.Join(parts, " ")
}

// TouchTime 返回连接最后一次追加的时间
func (s *Store) TouchTime(connectionID int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[connectionID]
	if !ok {
		return time.Time{}, false
	}
	return w.touched, true
}

// Len 当前跟踪的连接数
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
