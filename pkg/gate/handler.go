package gate

import (
	"encoding/base64"
	"fmt"
	"html"
	"net"
	"net/http"
	"strings"
	"time"

	"go-menshen/pkg/logger"
	"go-menshen/pkg/models"
)

// 放行时给外层Nginx的内部跳转位置
const accelRedirectLocation = "@protected"

const blockPage = `<!DOCTYPE html>
<html>
<head><title>Access Denied</title></head>
<body>
<h1>Access Denied</h1>
<p>Your request has been identified as potentially harmful and was blocked.</p>
<p>If you believe this is a mistake, please contact the site administrator.</p>
</body>
</html>
`

// Handler 把HTTP边界接到网关上：管理会话Cookie、
// 构造请求快照、按处置指令渲染响应
type Handler struct {
	gate       *Gate
	cookieName string
}

func NewHandler(g *Gate, cookieName string) *Handler {
	return &Handler{gate: g, cookieName: cookieName}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, fresh := h.sessionID(r)
	if fresh {
		http.SetCookie(w, &http.Cookie{
			Name:     h.cookieName,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
		})
	}

	rec := h.buildRecord(r, sessionID)
	out := h.gate.Handle(rec, sessionID)

	switch out.Directive {
	case models.Approve:
		w.Header().Set("X-Accel-Redirect", accelRedirectLocation)
		fmt.Fprintln(w, "Request approved!")
	case models.Challenge:
		h.writeChallenge(w, r, out)
	default:
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, blockPage)
	}
}

// sessionID 取浏览器会话标识，没有就分配一个新的
func (h *Handler) sessionID(r *http.Request) (string, bool) {
	if c, err := r.Cookie(h.cookieName); err == nil && c.Value != "" {
		return c.Value, false
	}
	return h.gate.Machine().NewSessionID(), true
}

// buildRecord 把*http.Request固化成判定流水线用的不可变快照
func (h *Handler) buildRecord(r *http.Request, sessionID string) *models.RequestRecord {
	headers := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		headers[k] = strings.Join(vs, ", ")
	}

	var body map[string]string
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if err := r.ParseForm(); err != nil {
			logger.Log.Warnf("请求体解析失败: %v", err)
		}
		body = make(map[string]string, len(r.PostForm))
		for k, vs := range r.PostForm {
			if len(vs) > 0 {
				body[k] = vs[0]
			}
		}
	}

	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}

	return models.NewRequestRecord(
		h.gate.Context().NextRequestID(),
		h.gate.Context().ConnectionID(sessionID),
		r.Method,
		r.URL.RequestURI(),
		r.Proto,
		headers,
		body,
		remoteIP,
		time.Now().Unix(),
	)
}

// writeChallenge 渲染验证码页面：内嵌图片、一次性nonce、
// 表单提交回原始地址（解出后原请求重新过闸）
func (h *Handler) writeChallenge(w http.ResponseWriter, r *http.Request, out Outcome) {
	img := base64.StdEncoding.EncodeToString(out.Image)
	action := html.EscapeString(r.URL.RequestURI())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Verification Required</title></head>
<body>
<h1>Verification Required</h1>
<p>Please enter the characters shown in the image to continue.</p>
<img src="data:%s;base64,%s" alt="captcha"/>
<form method="POST" action="%s">
<input type="text" name="captcha" autocomplete="off" autofocus/>
<input type="hidden" name="nonce" value="%s"/>
<input type="submit" value="Submit"/>
</form>
</body>
</html>
`, out.ImageMIME, img, action, html.EscapeString(out.Nonce))
}
