package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// SMTPEmailSender 通过标准 SMTP 协议发送告警邮件。
type SMTPEmailSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Send 实现 EmailSender。
func (s *SMTPEmailSender) Send(_ context.Context, subject, content string, to []string) error {
	if s.Host == "" || s.From == "" {
		return fmt.Errorf("SMTP 发送器未配置完整")
	}
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	msg := strings.Builder{}
	msg.WriteString("From: " + s.From + "\r\n")
	msg.WriteString("To: " + strings.Join(to, ",") + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(content)

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	if err := smtp.SendMail(addr, auth, s.From, to, []byte(msg.String())); err != nil {
		return fmt.Errorf("发送告警邮件失败: %w", err)
	}
	return nil
}

// webhookClient 统一 Webhook 发送器的 HTTP 细节。
type webhookClient struct {
	url    string
	client *http.Client
}

func newWebhookClient(url string) webhookClient {
	return webhookClient{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w webhookClient) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码 Webhook 消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建 Webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("调用 Webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("Webhook 返回异常状态 %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}

// DingTalkWebhookSender 调用钉钉群机器人的 Webhook。
type DingTalkWebhookSender struct {
	webhook webhookClient
}

// NewDingTalkWebhookSender 创建钉钉发送器。
func NewDingTalkWebhookSender(webhookURL string) *DingTalkWebhookSender {
	return &DingTalkWebhookSender{webhook: newWebhookClient(webhookURL)}
}

// Send 实现 DingTalkSender。
func (s *DingTalkWebhookSender) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return s.webhook.post(ctx, payload)
}

// SlackWebhookSender 调用 Slack Incoming Webhook。
type SlackWebhookSender struct {
	webhook webhookClient
}

// NewSlackWebhookSender 创建 Slack 发送器。
func NewSlackWebhookSender(webhookURL string) *SlackWebhookSender {
	return &SlackWebhookSender{webhook: newWebhookClient(webhookURL)}
}

// Send 实现 SlackSender。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"channel": channel, "text": content}
	return s.webhook.post(ctx, payload)
}

var (
	_ EmailSender    = (*SMTPEmailSender)(nil)
	_ DingTalkSender = (*DingTalkWebhookSender)(nil)
	_ SlackSender    = (*SlackWebhookSender)(nil)
)
