// Package auditlog 把判定结果写成离线分析用的结构化日志。
// 文件是一个增量构建的JSON数组：条目随请求追加，收尾的"]"
// 在进程退出时写一次。进程崩溃会留下残缺文件，这是已接受的
// 限制而不是违约。
package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-menshen/pkg/logger"
	"go-menshen/pkg/models"
)

const (
	ModeOff     = "off"
	ModeBlocked = "blocked"
	ModeAll     = "all"
)

// Logger 审计日志，按进程启动时刻命名，一个进程一个文件
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	first  bool
	closed bool
	mode   string
}

// New 打开审计日志。mode为off时不落盘，所有操作都是空转。
func New(dir, mode string) (*Logger, error) {
	l := &Logger{first: true, mode: mode}
	if mode == ModeOff {
		return l, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join(dir, "requests_"+time.Now().Format("2006-01-02_15-04-05")+".json")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = f
	return l, nil
}

// entryJSON 落盘格式，与离线训练工具消费的格式一致
type entryJSON struct {
	ID           int64             `json:"id"`
	Timestamp    int64             `json:"timestamp"`
	ConnectionID int64             `json:"connection-id"`
	Request      requestJSON       `json:"request"`
	Header       map[string]string `json:"header"`
	Sender       senderJSON        `json:"sender"`
	PRP          prpJSON           `json:"prp"`
}

type requestJSON struct {
	Method   string            `json:"method"`
	URI      string            `json:"uri"`
	Protocol string            `json:"protocol"`
	Body     map[string]string `json:"body"`
}

type senderJSON struct {
	IP string `json:"ip"`
}

type prpJSON struct {
	AssumedSafe   interface{} `json:"assumed_safe"`   // bool或"unknown"
	CaptchaSolved interface{} `json:"captcha_solved"` // bool或"unknown"
}

// Log 记录一次判定。模式为blocked时只记被拦截的请求。
// 写失败只记日志，绝不影响当前请求的处置。
func (l *Logger) Log(rec *models.RequestRecord, isSafe, captchaSolved *bool) {
	if l.mode == ModeOff {
		return
	}
	if l.mode == ModeBlocked && isSafe != nil && *isSafe {
		return
	}

	e := entryJSON{
		ID:           rec.ID,
		Timestamp:    rec.Timestamp,
		ConnectionID: rec.ConnectionID,
		Request: requestJSON{
			Method:   rec.Method,
			URI:      rec.URI,
			Protocol: rec.Protocol,
			Body:     rec.Body,
		},
		Header: rec.Headers,
		Sender: senderJSON{IP: rec.RemoteIP},
		PRP: prpJSON{
			AssumedSafe:   triState(isSafe),
			CaptchaSolved: triState(captchaSolved),
		},
	}

	raw, err := json.MarshalIndent(e, "    ", "    ")
	if err != nil {
		logger.Log.Errorf("审计日志序列化失败: %v", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.file == nil {
		return
	}

	prefix := ",\n    "
	if l.first {
		prefix = "[\n    "
		l.first = false
	}
	if _, err := fmt.Fprintf(l.file, "%s%s", prefix, raw); err != nil {
		logger.Log.Errorf("审计日志写入失败: %v", err)
	}
}

// Close 写一次收尾的"]"并关闭文件，注册在进程退出路径上
func (l *Logger) Close() error {
	if l.mode == ModeOff {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.file == nil {
		return nil
	}
	l.closed = true

	if l.first {
		// 一条都没写过，补个空数组
		if _, err := l.file.WriteString("[\n]"); err != nil {
			return err
		}
	} else if _, err := l.file.WriteString("\n]"); err != nil {
		return err
	}
	return l.file.Close()
}

func triState(v *bool) interface{} {
	if v == nil {
		return "unknown"
	}
	return *v
}
