// Package mailer 邮件发送边界。配置不全只记错误日志，
// 不终止进程——告警是尽力而为的旁路。
package mailer

import (
	"fmt"
	"net/smtp"
	"strings"

	"go-menshen/pkg/config"
	"go-menshen/pkg/logger"
)

// Mailer 邮件发送能力
type Mailer interface {
	Send(htmlBody, subject string) error
}

// SMTPMailer 经STARTTLS+PLAIN认证发HTML邮件
type SMTPMailer struct {
	host     string
	port     int
	user     string
	password string
	from     string
	to       string
}

func New(cfg *config.Config) *SMTPMailer {
	m := &SMTPMailer{
		host:     cfg.Mail.Host,
		port:     cfg.Mail.Port,
		user:     cfg.Mail.User,
		password: cfg.Mail.Password,
		from:     cfg.Mail.From,
		to:       cfg.Mail.To,
	}

	var missing []string
	if m.host == "" {
		missing = append(missing, "host")
	}
	if m.port == 0 {
		missing = append(missing, "port")
	}
	if m.user == "" {
		missing = append(missing, "user")
	}
	if m.password == "" {
		missing = append(missing, "password")
	}
	if m.from == "" {
		missing = append(missing, "from")
	}
	if m.to == "" {
		missing = append(missing, "to")
	}
	if len(missing) > 0 {
		logger.Log.Errorf("邮件配置不完整，缺少: %s", strings.Join(missing, ", "))
	}
	return m
}

// Send 发送一封HTML邮件，主题统一加[menshen]前缀
func (m *SMTPMailer) Send(htmlBody, subject string) error {
	if subject == "" {
		subject = "Notification"
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.from)
	fmt.Fprintf(&msg, "To: %s\r\n", m.to)
	fmt.Fprintf(&msg, "Subject: [menshen] %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)

	addr := fmt.Sprintf("%s:%d", m.host, m.port)
	auth := smtp.PlainAuth("", m.user, m.password, m.host)

	if err := smtp.SendMail(addr, auth, m.from, []string{m.to}, []byte(msg.String())); err != nil {
		logger.Log.Warnf("邮件发送失败: %v", err)
		return err
	}
	return nil
}
