package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"binance-market-sync/pkg/types"
	"go.uber.org/zap"
)

// PushPlusEndpoint PushPlus推送地址
const PushPlusEndpoint = "http://www.pushplus.plus/send"

// Level 通知级别
type Level string

const (
	LevelAlert    Level = "ALERT"
	LevelRecovery Level = "RECOVERY"
)

// Notice 同步状态通知
type Notice struct {
	Level  Level
	Title  string
	Detail []string // 每行一条
	Time   time.Time
}

// Interface 通知接口
type Interface interface {
	Notify(ctx context.Context, notice Notice) error
}

// New 根据配置选择通知服务（优先级：钉钉 > PushPlus > 控制台）
func New(cfg types.NotifyConfig) Interface {
	if cfg.DingTalk.WebhookURL != "" {
		return NewDingTalkNotifier(cfg.DingTalk.WebhookURL, cfg.DingTalk.Secret)
	}
	if cfg.PushPlus.UserToken != "" {
		return NewPushPlusNotifier(PushPlusEndpoint, cfg.PushPlus.UserToken, cfg.PushPlus.To)
	}
	return NewConsoleNotifier()
}

func icon(level Level) string {
	if level == LevelRecovery {
		return "✅"
	}
	return "🚨"
}

// ConsoleNotifier 控制台通知器，输出到日志
type ConsoleNotifier struct{}

func NewConsoleNotifier() *ConsoleNotifier {
	return &ConsoleNotifier{}
}

func (cn *ConsoleNotifier) Notify(_ context.Context, notice Notice) error {
	fields := []zap.Field{
		zap.String("level", string(notice.Level)),
		zap.Strings("detail", notice.Detail),
		zap.Time("time", notice.Time),
	}
	if notice.Level == LevelRecovery {
		zap.L().Info(icon(notice.Level)+" "+notice.Title, fields...)
	} else {
		zap.L().Warn(icon(notice.Level)+" "+notice.Title, fields...)
	}
	return nil
}

// DingTalkNotifier 钉钉通知器
type DingTalkNotifier struct {
	webhookURL string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

// DingTalkMessage 钉钉消息结构
type DingTalkMessage struct {
	MsgType  string            `json:"msgtype"`
	Markdown *DingTalkMarkdown `json:"markdown,omitempty"`
	At       *DingTalkAt       `json:"at,omitempty"`
}

type DingTalkMarkdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type DingTalkAt struct {
	AtAll bool `json:"isAtAll"`
}

// DingTalkResponse 钉钉API响应
type DingTalkResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func NewDingTalkNotifier(webhookURL, secret string) *DingTalkNotifier {
	if secret == "" {
		zap.L().Warn("⚠️ 钉钉通知已配置，但未设置secret（建议配置加签验证）")
	} else {
		zap.L().Info("✅ 已配置钉钉通知服务（含加签验证）")
	}

	return &DingTalkNotifier{
		webhookURL: webhookURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func (dtn *DingTalkNotifier) Notify(ctx context.Context, notice Notice) error {
	signedURL := dtn.buildSignedURL()

	message := &DingTalkMessage{
		MsgType: "markdown",
		Markdown: &DingTalkMarkdown{
			Title: notice.Title,
			Text:  buildMarkdownContent(notice),
		},
		At: &DingTalkAt{AtAll: false},
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	var dingResp DingTalkResponse
	if err := postJSON(ctx, dtn.httpClient, signedURL, jsonData, &dingResp); err != nil {
		return err
	}
	if dingResp.ErrCode != 0 {
		return fmt.Errorf("钉钉API错误 [%d]: %s", dingResp.ErrCode, dingResp.ErrMsg)
	}
	return nil
}

// generateSignature 钉钉加签: HMAC-SHA256(timestamp + "\n" + secret)
func (dtn *DingTalkNotifier) generateSignature(timestamp int64) string {
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, dtn.secret)

	h := hmac.New(sha256.New, []byte(dtn.secret))
	h.Write([]byte(stringToSign))
	return url.QueryEscape(base64.StdEncoding.EncodeToString(h.Sum(nil)))
}

// buildSignedURL 构建带签名的URL，未配置secret时原样返回
func (dtn *DingTalkNotifier) buildSignedURL() string {
	if dtn.secret == "" {
		return dtn.webhookURL
	}

	timestamp := types.NowMillis(dtn.now())
	separator := "&"
	if !strings.Contains(dtn.webhookURL, "?") {
		separator = "?"
	}
	return fmt.Sprintf("%s%stimestamp=%d&sign=%s",
		dtn.webhookURL, separator, timestamp, dtn.generateSignature(timestamp))
}

func buildMarkdownContent(notice Notice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s %s\n\n", icon(notice.Level), notice.Title)
	for _, line := range notice.Detail {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	fmt.Fprintf(&b, "\n> 时间: %s", notice.Time.Format("2006-01-02 15:04:05"))
	return b.String()
}

// PushPlusNotifier PushPlus通知器
type PushPlusNotifier struct {
	endpoint   string
	userToken  string
	to         string // 好友令牌，多人用逗号分隔
	httpClient *http.Client
}

type PushPlusRequest struct {
	Token    string `json:"token"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Template string `json:"template"`
	To       string `json:"to,omitempty"`
}

type PushPlusResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func NewPushPlusNotifier(endpoint, userToken, to string) *PushPlusNotifier {
	zap.L().Info("✅ 已配置PushPlus通知服务", zap.Bool("friends", to != ""))

	return &PushPlusNotifier{
		endpoint:   endpoint,
		userToken:  userToken,
		to:         to,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (ppn *PushPlusNotifier) Notify(ctx context.Context, notice Notice) error {
	reqData := PushPlusRequest{
		Token:    ppn.userToken,
		Title:    icon(notice.Level) + " " + notice.Title,
		Content:  buildHTMLContent(notice),
		Template: "html",
		To:       ppn.to,
	}

	jsonData, err := json.Marshal(reqData)
	if err != nil {
		return fmt.Errorf("序列化请求数据失败: %w", err)
	}

	var pushResp PushPlusResponse
	if err := postJSON(ctx, ppn.httpClient, ppn.endpoint, jsonData, &pushResp); err != nil {
		return err
	}
	if pushResp.Code != 200 {
		return fmt.Errorf("PushPlus API错误: %s", pushResp.Msg)
	}
	return nil
}

func buildHTMLContent(notice Notice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h3>%s %s</h3><ul>", icon(notice.Level), html.EscapeString(notice.Title))
	for _, line := range notice.Detail {
		fmt.Fprintf(&b, "<li>%s</li>", html.EscapeString(line))
	}
	fmt.Fprintf(&b, "</ul><p>时间: %s</p>", notice.Time.Format("2006-01-02 15:04:05"))
	return b.String()
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}
