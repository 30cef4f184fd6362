package models

import (
	"regexp"
	"strings"
)

// Directive 网关对单个请求的最终处理指令
type Directive int

const (
	Approve Directive = iota // 转发给受保护的后端
	Block                    // 返回固定的拦截页面
	Challenge                // 返回验证码页面
)

func (d Directive) String() string {
	switch d {
	case Approve:
		return "approve"
	case Block:
		return "block"
	case Challenge:
		return "challenge"
	}
	return "unknown"
}

// Prediction 分类器对单个标签的打分，距离越小越相似
type Prediction struct {
	Label    string
	Distance float64
}

// Verdict 单个分类器对一条请求的完整判定
type Verdict struct {
	IsAttack    bool
	Predictions []Prediction // 按距离升序
}

// 会话Cookie在入库前必须抹除，避免把网关自身的会话标识喂给分类器
var sessionCookiePattern = regexp.MustCompile(`menshen_session=[0-9A-Za-z_.\-]+(; )?`)

// RequestRecord 一条入站请求的不可变快照
type RequestRecord struct {
	ID           int64
	ConnectionID int64
	Method       string
	URI          string // 完整路径+查询串
	Protocol     string
	Headers      map[string]string
	Body         map[string]string // 仅POST类请求
	RemoteIP     string
	Timestamp    int64 // unix秒
}

// NewRequestRecord 创建请求快照并抹除会话Cookie
func NewRequestRecord(id, connectionID int64, method, uri, protocol string,
	headers map[string]string, body map[string]string, remoteIP string, timestamp int64) *RequestRecord {

	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}

	r := &RequestRecord{
		ID:           id,
		ConnectionID: connectionID,
		Method:       method,
		URI:          uri,
		Protocol:     protocol,
		Headers:      h,
		Body:         body,
		RemoteIP:     remoteIP,
		Timestamp:    timestamp,
	}
	r.scrubSessionCookie()
	return r
}

// Header 大小写不敏感的头部查询
func (r *RequestRecord) Header(name string) (string, bool) {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// scrubSessionCookie 从Cookie/Set-Cookie中删除网关自己的会话Cookie，
// 删空后整个头部一并移除
func (r *RequestRecord) scrubSessionCookie() {
	field := ""
	if _, ok := r.Header("Set-Cookie"); ok {
		field = "Set-Cookie"
	} else if _, ok := r.Header("Cookie"); ok {
		field = "Cookie"
	}
	if field == "" {
		return
	}

	for k, v := range r.Headers {
		if !strings.EqualFold(k, field) {
			continue
		}
		cleaned := sessionCookiePattern.ReplaceAllString(v, "")
		if cleaned == "" {
			delete(r.Headers, k)
		} else {
			r.Headers[k] = cleaned
		}
		return
	}
}
