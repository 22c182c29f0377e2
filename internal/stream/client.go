package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"binance-market-sync/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

// session 一次WebSocket连接的生命周期
type session struct {
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	lastSeen atomic.Int64
}

func (s *session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// Client 单连接、自动重连的币安行情WebSocket客户端
//
// 订阅集合是唯一的事实来源，连接建立后一次性发送全部订阅。
// 客户端只通过事件通道输出数据，不持有任何行情状态。
type Client struct {
	endpoint string
	config   types.StreamConfig
	dialer   *websocket.Dialer

	mu             sync.Mutex
	writeMu        sync.Mutex
	state          State
	session        *session
	subscriptions  map[string]struct{}
	attempts       int
	reconnectTimer *time.Timer
	generation     uint64

	nextID    atomic.Int64
	events    chan Event
	lifecycle chan Event
}

// NewClient 创建WebSocket客户端
func NewClient(endpoint, proxy string, config types.StreamConfig) *Client {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 10 * time.Second
	}
	if config.ReconnectBaseDelay <= 0 {
		config.ReconnectBaseDelay = time.Second
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = 5
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 1000
	}

	// 设置Dialer
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err == nil {
			dialer.Proxy = http.ProxyURL(proxyURL)
		} else {
			zap.L().Warn("⚠️ 代理地址格式错误", zap.Error(err))
		}
	}

	return &Client{
		endpoint:      endpoint,
		config:        config,
		dialer:        dialer,
		state:         StateDisconnected,
		subscriptions: make(map[string]struct{}),
		events:        make(chan Event, config.EventBuffer),
		lifecycle:     make(chan Event, 1),
	}
}

// Events 行情事件通道，由唯一的消费者读取
func (c *Client) Events() <-chan Event {
	return c.events
}

// Lifecycle 连接状态事件通道，只保留最新一条未读事件
func (c *Client) Lifecycle() <-chan Event {
	return c.lifecycle
}

// Connect 建立连接，已连接或正在连接时直接返回
//
// 连接失败会按退避策略安排重连，错误同时返回给调用方。
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting:
		c.mu.Unlock()
		return nil
	case StateFailed:
		c.mu.Unlock()
		return ErrReconnectExhausted
	}
	c.stopReconnectTimerLocked()
	c.state = StateConnecting
	gen := c.generation
	c.mu.Unlock()

	return c.dial(ctx, gen)
}

// Disconnect 主动断开，取消重连和心跳，不会触发重连
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.generation++
	c.stopReconnectTimerLocked()
	if c.state == StateFailed {
		c.mu.Unlock()
		return
	}

	sess := c.session
	c.session = nil
	if sess == nil {
		c.state = StateDisconnected
		c.attempts = 0
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()

	sess.cancel()
	c.writeMu.Lock()
	_ = sess.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	_ = sess.conn.Close()

	c.mu.Lock()
	if c.state == StateClosing {
		c.state = StateDisconnected
	}
	c.attempts = 0
	c.mu.Unlock()

	zap.L().Info("📴 WebSocket已断开")
}

// SubscribeTicker 订阅24小时行情
func (c *Client) SubscribeTicker(symbol string) {
	c.subscribe(TickerStream(symbol))
}

// SubscribeKlines 订阅K线
func (c *Client) SubscribeKlines(symbol string, interval types.Interval) {
	c.subscribe(KlineStream(symbol, interval))
}

// Unsubscribe 取消单个订阅，不存在时无操作
func (c *Client) Unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subscriptions[id]; !ok {
		return
	}
	delete(c.subscriptions, id)
	c.sendIfConnectedLocked("UNSUBSCRIBE", []string{id})
}

// UnsubscribeAll 清空订阅集合，已连接时发送被移除的全部订阅
func (c *Client) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := c.sortedSubscriptionsLocked()
	if len(removed) == 0 {
		return
	}
	c.subscriptions = make(map[string]struct{})
	c.sendIfConnectedLocked("UNSUBSCRIBE", removed)
}

// Subscriptions 当前订阅集合（已排序）
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedSubscriptionsLocked()
}

// State 当前连接状态
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// PendingReconnect 是否有待执行的重连
func (c *Client) PendingReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectTimer != nil
}

// ReconnectAttempts 当前连续重连次数
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) subscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subscriptions[id]; ok {
		return
	}
	c.subscriptions[id] = struct{}{}
	c.sendIfConnectedLocked("SUBSCRIBE", []string{id})
}

func (c *Client) sendIfConnectedLocked(method string, params []string) {
	if c.state != StateConnected || c.session == nil {
		return
	}
	if err := c.sendLocked(c.session, method, params); err != nil {
		zap.L().Warn("⚠️ 发送订阅消息失败",
			zap.String("method", method),
			zap.Strings("params", params),
			zap.Error(err))
	}
}

// sendLocked 持有 mu 时调用，保证控制消息按操作顺序写出
func (c *Client) sendLocked(sess *session, method string, params []string) error {
	req := Request{Method: method, Params: params, ID: c.nextID.Add(1)}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sess.conn.WriteJSON(req); err != nil {
		return err
	}

	zap.L().Debug("📊 已发送订阅消息",
		zap.String("method", method),
		zap.Strings("params", params),
		zap.Int64("id", req.ID))
	return nil
}

func (c *Client) writeJSON(sess *session, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sess.conn.WriteJSON(v)
}

func (c *Client) sortedSubscriptionsLocked() []string {
	ids := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Client) dial(ctx context.Context, gen uint64) error {
	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.state != StateConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		if err != nil {
			return err
		}
		return ErrDisconnected
	}

	// 调用方取消时不安排重连，超时仍按失败处理
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		c.state = StateDisconnected
		return err
	}
	if err != nil {
		zap.L().Error("❌ WebSocket连接失败",
			zap.String("endpoint", c.endpoint),
			zap.Int("attempt", c.attempts),
			zap.Error(err))
		c.state = StateError
		c.scheduleReconnectLocked()
		return fmt.Errorf("WebSocket连接失败: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{conn: conn, ctx: sessCtx, cancel: cancel}
	sess.touch()

	conn.SetPongHandler(func(string) error {
		sess.touch()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		sess.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	c.session = sess
	c.state = StateConnected
	c.attempts = 0

	// 重连后一次性恢复全部订阅
	if ids := c.sortedSubscriptionsLocked(); len(ids) > 0 {
		if err := c.sendLocked(sess, "SUBSCRIBE", ids); err != nil {
			zap.L().Warn("⚠️ 恢复订阅失败", zap.Error(err))
		}
	}

	go c.readLoop(sess)
	go c.keepalive(sess)

	zap.L().Info("✅ WebSocket连接建立成功",
		zap.String("endpoint", c.endpoint),
		zap.Int("subscriptions", len(c.subscriptions)))
	c.emitLifecycleLocked(Event{Type: EventConnected})
	return nil
}

// scheduleReconnectLocked 按 base*2^(n-1) 安排下一次重连，次数用尽后进入 FAILED
func (c *Client) scheduleReconnectLocked() {
	if c.attempts >= c.config.MaxReconnectAttempts {
		c.state = StateFailed
		c.reconnectTimer = nil
		zap.L().Error("❌ 达到最大重连次数，停止重连",
			zap.Int("max_attempts", c.config.MaxReconnectAttempts))
		c.emitLifecycleLocked(Event{Type: EventFatal, Err: ErrReconnectExhausted})
		return
	}

	c.attempts++
	delay := c.config.ReconnectBaseDelay << uint(c.attempts-1)
	c.state = StateReconnectWait
	gen := c.generation
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(gen) })

	zap.L().Info("🔄 计划重连WebSocket",
		zap.Int("attempt", c.attempts),
		zap.Int("max_attempts", c.config.MaxReconnectAttempts),
		zap.Duration("delay", delay))
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateReconnectWait {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.dialer.HandshakeTimeout+writeWait)
	defer cancel()
	_ = c.dial(ctx, gen)
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// handleDrop 处理非主动断线
func (c *Client) handleDrop(sess *session, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 旧连接或主动断开
	if c.session != sess {
		return
	}
	sess.cancel()
	_ = sess.conn.Close()
	c.session = nil
	c.state = StateError

	zap.L().Warn("⚠️ WebSocket连接断开", zap.Error(cause))
	c.scheduleReconnectLocked()
}

// readLoop 读取数据循环
func (c *Client) readLoop(sess *session) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("WebSocket读取panic", zap.Any("error", r))
			c.handleDrop(sess, fmt.Errorf("读取panic: %v", r))
		}
	}()

	for {
		_, message, err := sess.conn.ReadMessage()
		if err != nil {
			c.handleDrop(sess, err)
			return
		}
		sess.touch()
		c.handleMessage(sess, message)
	}
}

// keepalive 定时发送ping帧，超时未收到任何数据则强制断开
func (c *Client) keepalive(sess *session) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
		}

		sentAt := time.Now()
		if err := sess.conn.WriteControl(websocket.PingMessage, nil, sentAt.Add(writeWait)); err != nil {
			zap.L().Warn("发送心跳失败", zap.Error(err))
			_ = sess.conn.Close()
			return
		}

		timer := time.NewTimer(c.config.PongTimeout)
		select {
		case <-sess.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if sess.lastSeen.Load() < sentAt.UnixNano() {
			zap.L().Warn("💔 心跳超时，强制断开",
				zap.Duration("pong_timeout", c.config.PongTimeout))
			// 关闭后读循环返回错误，由 handleDrop 安排重连
			_ = sess.conn.Close()
			return
		}
	}
}

func (c *Client) handleMessage(sess *session, message []byte) {
	var msg inbound
	if err := json.Unmarshal(message, &msg); err != nil {
		zap.L().Warn("解析WebSocket消息失败", zap.Error(err))
		return
	}

	switch {
	case msg.Error != nil:
		zap.L().Warn("⚠️ 订阅请求被拒绝",
			zap.Int("code", msg.Error.Code),
			zap.String("msg", msg.Error.Msg))
		return

	case msg.ID != nil:
		zap.L().Debug("订阅确认", zap.Int64("id", *msg.ID), zap.ByteString("result", msg.Result))
		return

	case len(msg.Ping) > 0:
		if err := c.writeJSON(sess, map[string]json.RawMessage{"pong": msg.Ping}); err != nil {
			zap.L().Warn("回复pong失败", zap.Error(err))
		}
		return
	}

	eventType, data := msg.EventType, []byte(message)
	if msg.Stream != "" && len(msg.Data) > 0 {
		var head struct {
			EventType string `json:"e"`
			EventTime int64  `json:"E"`
		}
		if err := json.Unmarshal(msg.Data, &head); err != nil {
			zap.L().Warn("解析组合流数据失败", zap.String("stream", msg.Stream), zap.Error(err))
			return
		}
		eventType, data = head.EventType, msg.Data
	}

	ev, ok, err := parseEvent(eventType, data)
	if err != nil {
		zap.L().Warn("解析行情事件失败", zap.String("type", eventType), zap.Error(err))
		return
	}
	if ok {
		c.emit(ev)
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		zap.L().Warn("事件通道满，丢弃事件",
			zap.String("type", ev.Type.String()),
			zap.String("symbol", ev.Symbol))
	}
}

// emitLifecycleLocked 状态事件不与行情事件争用缓冲，未读的旧状态被新状态替换
func (c *Client) emitLifecycleLocked(ev Event) {
	select {
	case <-c.lifecycle:
	default:
	}
	c.lifecycle <- ev
}
