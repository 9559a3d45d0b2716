package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"

	"github.com/EthanQC/im-presence/pkg/jwt"
)

// Config 压测配置
type Config struct {
	Target       string        // WebSocket URL
	Conns        int           // 总连接数
	Duration     time.Duration // 压测持续时间
	Ramp         time.Duration // 爬坡时间
	PingInterval time.Duration // 应用层心跳间隔
	StatusRate   int           // 每连接每分钟状态切换次数，0 为只连不发
	Secret       string        // 签发测试 token 的 JWT 密钥
	UserPrefix   string        // 测试用户 ID 前缀
	Device       string
	Output       string // text, json, csv
}

// frame 与服务端 ws.Message 保持一致
type frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

type envelope struct {
	Code string `json:"code"`
}

const (
	eventConnected   = "CONNECTED"
	eventInitialSync = "INITIAL_PRESENCE_SYNC"
	eventPresence    = "PRESENCE_UPDATE"
	syncTimeout      = 10 * time.Second
)

var benchStatuses = []string{"ONLINE", "IDLE", "DND", "INVISIBLE"}

// client 单个压测连接
type client struct {
	id      int
	userID  string
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]time.Time
	seq       int64
}

func main() {
	cfg := parseFlags()
	if cfg.Secret == "" {
		fmt.Fprintln(os.Stderr, "必须指定 -secret")
		os.Exit(2)
	}

	fmt.Println("=== presencebench - 在线状态压测工具 ===")
	fmt.Printf("目标: %s\n", cfg.Target)
	fmt.Printf("连接数: %d\n", cfg.Conns)
	fmt.Printf("持续时间: %s\n", cfg.Duration)
	fmt.Printf("爬坡时间: %s\n", cfg.Ramp)
	fmt.Printf("状态切换: %d 次/分钟/连接\n", cfg.StatusRate)
	fmt.Println()

	stats := newStats()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n收到中断信号，正在关闭...")
		cancel()
	}()

	runBench(ctx, cfg, jwt.NewManager(cfg.Secret), stats)
	stats.EndTime = time.Now()

	result := generateResult(cfg, stats)
	switch cfg.Output {
	case "json":
		outputJSON(result)
	case "csv":
		outputCSV(result)
	default:
		outputText(result)
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.Target, "target", "ws://localhost:8085/ws", "WebSocket URL")
	flag.IntVar(&cfg.Conns, "conns", 1000, "总连接数")
	flag.DurationVar(&cfg.Duration, "duration", 2*time.Minute, "压测持续时间")
	flag.DurationVar(&cfg.Ramp, "ramp", 30*time.Second, "爬坡时间")
	flag.DurationVar(&cfg.PingInterval, "ping-interval", 30*time.Second, "心跳间隔")
	flag.IntVar(&cfg.StatusRate, "status-rate", 0, "每连接每分钟状态切换次数")
	flag.StringVar(&cfg.Secret, "secret", os.Getenv("PRESENCE_JWT_SECRET"), "JWT 密钥")
	flag.StringVar(&cfg.UserPrefix, "user-prefix", "bench-", "测试用户 ID 前缀")
	flag.StringVar(&cfg.Device, "device", "bench", "设备类型")
	flag.StringVar(&cfg.Output, "output", "text", "输出格式: text, json, csv")

	flag.Parse()
	return cfg
}

// dialURL 在目标地址上追加 token 和 device
func dialURL(target, token, device string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("device", device)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func runBench(ctx context.Context, cfg Config, tokens jwt.Manager, stats *Stats) {
	perSecond := float64(cfg.Conns) / cfg.Ramp.Seconds()
	if perSecond < 1 {
		perSecond = 1
	}
	fmt.Printf("爬坡速率: %.1f 连接/秒\n\n", perSecond)

	bar := progressbar.NewOptions(cfg.Conns,
		progressbar.OptionSetDescription("建立连接"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("conn"),
	)

	runCtx, stop := context.WithTimeout(ctx, cfg.Ramp+cfg.Duration)
	defer stop()

	var wg sync.WaitGroup
	ticker := time.NewTicker(time.Duration(float64(time.Second) / perSecond))
	defer ticker.Stop()

ramp:
	for id := 0; id < cfg.Conns; {
		select {
		case <-runCtx.Done():
			break ramp
		case <-ticker.C:
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				c, err := connect(runCtx, id, cfg, tokens, stats)
				_ = bar.Add(1)
				if err != nil {
					return
				}
				c.run(runCtx, cfg, stats)
			}(id)
			id++
		}
	}
	_ = bar.Finish()
	fmt.Println()

	wg.Wait()
}

func connect(ctx context.Context, id int, cfg Config, tokens jwt.Manager, stats *Stats) (*client, error) {
	atomic.AddInt64(&stats.TotalAttempts, 1)

	userID := cfg.UserPrefix + strconv.Itoa(id)
	token, err := tokens.Generate(userID, userID, "", cfg.Ramp+cfg.Duration+time.Minute)
	if err != nil {
		stats.recordError("token_failed")
		atomic.AddInt64(&stats.FailedConns, 1)
		return nil, err
	}
	target, err := dialURL(cfg.Target, token, cfg.Device)
	if err != nil {
		stats.recordError("bad_target")
		atomic.AddInt64(&stats.FailedConns, 1)
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	start := time.Now()
	conn, resp, err := dialer.DialContext(ctx, target, http.Header{})
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		if resp != nil {
			stats.recordError(fmt.Sprintf("http_%d", resp.StatusCode))
		} else {
			stats.recordError("dial_failed")
		}
		return nil, err
	}
	stats.recordConn(time.Since(start))

	c := &client{id: id, userID: userID, conn: conn, pending: make(map[string]time.Time)}

	// 首屏：CONNECTED 之后必须收到一次初始同步
	if err := c.awaitInitialSync(start, stats); err != nil {
		stats.recordError("initial_sync")
		atomic.AddInt64(&stats.FailedConns, 1)
		_ = conn.Close()
		return nil, err
	}

	atomic.AddInt64(&stats.SuccessConns, 1)
	atomic.AddInt64(&stats.CurrentConns, 1)
	return c, nil
}

func (c *client) awaitInitialSync(start time.Time, stats *Stats) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(syncTimeout))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	connected := false
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		atomic.AddInt64(&stats.MessagesReceived, 1)

		code, ok := eventCode(data)
		if !ok {
			continue
		}
		switch code {
		case eventConnected:
			connected = true
		case eventInitialSync:
			if !connected {
				return errors.New("initial sync before connected")
			}
			stats.recordSync(time.Since(start))
			return nil
		}
	}
}

// eventCode 取 event 帧里信封的 code
func eventCode(data []byte) (string, bool) {
	var f frame
	if json.Unmarshal(data, &f) != nil || f.Type != "event" {
		return "", false
	}
	var env envelope
	if json.Unmarshal(f.Data, &env) != nil {
		return "", false
	}
	return env.Code, true
}

func (c *client) run(ctx context.Context, cfg Config, stats *Stats) {
	defer func() {
		_ = c.conn.Close()
		atomic.AddInt64(&stats.CurrentConns, -1)
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readLoop(cfg, stats)
	}()

	pingTicker := time.NewTicker(cfg.PingInterval)
	defer pingTicker.Stop()

	var statusC <-chan time.Time
	if cfg.StatusRate > 0 {
		t := time.NewTicker(time.Minute / time.Duration(cfg.StatusRate))
		defer t.Stop()
		statusC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-pingTicker.C:
			if c.send("ping", nil) == nil {
				atomic.AddInt64(&stats.PingsSent, 1)
			}
		case <-statusC:
			status := benchStatuses[int(atomic.LoadInt64(&c.seq))%len(benchStatuses)]
			data, _ := json.Marshal(map[string]string{"status": status})
			if c.send("status_update", data) == nil {
				atomic.AddInt64(&stats.StatusSent, 1)
			} else {
				stats.recordError("status_send_failed")
			}
		}
	}
}

func (c *client) send(typ string, data json.RawMessage) error {
	id := fmt.Sprintf("%d-%d", c.id, atomic.AddInt64(&c.seq, 1))
	payload, err := json.Marshal(frame{Type: typ, ID: id, Data: data, Ts: time.Now().UnixMilli()})
	if err != nil {
		return err
	}

	c.pendingMu.Lock()
	c.pending[id] = time.Now()
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return err
	}
	return nil
}

// settle 返回请求发出到收到应答的耗时
func (c *client) settle(id string) (time.Duration, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	sent, ok := c.pending[id]
	if !ok {
		return 0, false
	}
	delete(c.pending, id)
	return time.Since(sent), true
}

func (c *client) readLoop(cfg Config, stats *Stats) {
	for {
		// 服务端 pongWait 是 60s
		_ = c.conn.SetReadDeadline(time.Now().Add(3 * cfg.PingInterval))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				atomic.AddInt64(&stats.Disconnects, 1)
			}
			return
		}
		atomic.AddInt64(&stats.MessagesReceived, 1)

		var f frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		switch f.Type {
		case "pong":
			atomic.AddInt64(&stats.PongsReceived, 1)
			if d, ok := c.settle(f.ID); ok {
				stats.recordPing(d)
			}
		case "ack":
			atomic.AddInt64(&stats.AcksReceived, 1)
			if d, ok := c.settle(f.ID); ok {
				stats.recordStatus(d)
			}
		case "error":
			c.settle(f.ID)
			stats.recordError("server_error")
		case "event":
			if code, ok := eventCode(data); ok && code == eventPresence {
				atomic.AddInt64(&stats.PresenceUpdates, 1)
			}
		}
	}
}
