package notifier

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"price-radar/internal/model"
)

// EmailConfig 邮件配置，Host/Port/From/To 任一缺失时不启用邮件通知。
type EmailConfig struct {
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	Username string   `yaml:"username" json:"username"`
	Password string   `yaml:"password" json:"password"`
	From     string   `yaml:"from" json:"from"`
	To       []string `yaml:"to" json:"to"`
	Subject  string   `yaml:"subject" json:"subject"`
}

// EmailMessage 表示一封邮件。
type EmailMessage struct {
	From    string
	To      []string
	Subject string
	Date    time.Time
	Body    string
}

// EmailSender 抽象发送接口，便于测试替换。
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// SMTPClient 封装 SMTP 发送。
type SMTPClient struct {
	addr string
	auth smtp.Auth
}

// NewSMTPClient 创建 SMTP 客户端，提供用户名与密码时使用 PLAIN 认证。
func NewSMTPClient(cfg EmailConfig) *SMTPClient {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPClient{addr: addr, auth: auth}
}

// Send 发送邮件。net/smtp 不支持 context，只在发送前检查取消。
func (c *SMTPClient) Send(ctx context.Context, msg EmailMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := buildEmailData(msg)
	return smtp.SendMail(c.addr, c.auth, msg.From, msg.To, []byte(data))
}

// Enabled 判断配置是否完整。
func (c EmailConfig) Enabled() bool {
	return c.Host != "" && c.Port != 0 && c.From != "" && len(c.To) > 0
}

// EmailNotifier 把运行汇总发送邮件。
type EmailNotifier struct {
	cfg    EmailConfig
	sender EmailSender
}

// NewEmailNotifier 创建 EmailNotifier。
func NewEmailNotifier(cfg EmailConfig, sender EmailSender) *EmailNotifier {
	if sender == nil {
		sender = NewSMTPClient(cfg)
	}
	if cfg.Subject == "" {
		cfg.Subject = "Price radar scrape report"
	}
	return &EmailNotifier{cfg: cfg, sender: sender}
}

// Notify 发送运行汇总，没有任何任务时跳过。
func (n EmailNotifier) Notify(ctx context.Context, report model.RunReport) error {
	if len(report.Jobs) == 0 {
		return nil
	}
	subject := n.cfg.Subject
	if failed := failedJobs(report); failed > 0 {
		subject = fmt.Sprintf("%s (%d of %d shops failed)", subject, failed, len(report.Jobs))
	}
	msg := EmailMessage{
		From:    n.cfg.From,
		To:      n.cfg.To,
		Subject: subject,
		Date:    report.CompletedAt,
		Body:    strings.Join(summaryLines(report), "\n") + "\n",
	}
	if err := n.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send report email: %w", err)
	}
	return nil
}

func buildEmailData(msg EmailMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	if !msg.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\r\n", msg.Date.Format(time.RFC1123Z))
	}
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return b.String()
}
