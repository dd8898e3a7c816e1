package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"shopflow/internal/event"
	"shopflow/internal/types"
	"shopflow/internal/util"
)

// Notification 定义了推送给外部系统的工序转移通知
type Notification struct {
	RepairOrderID string            `json:"repair_order_id"`
	StageID       string            `json:"stage_id"`
	From          types.StageStatus `json:"from"`
	To            types.StageStatus `json:"to"`
	Stage         types.StageRecord `json:"stage"`
	At            time.Time         `json:"at"`
}

// Ack 定义了外部系统返回的响应体
type Ack struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Webhook 代表一个通过 HTTP 推送工序转移的客户端
type Webhook struct {
	Endpoint string        // 接收方地址 (e.g., http://localhost:9090)
	Client   *http.Client  // HTTP 客户端
	Retries  int           // 失败后的重试次数
	Backoff  time.Duration // 首次重试前的等待时间，之后逐次翻倍
	logger   *slog.Logger
}

// NewWebhook 创建一个新的 Webhook 通知器
func NewWebhook(endpoint string, logger *slog.Logger) *Webhook {
	return &Webhook{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 5 * time.Second}, // 设置 5 秒超时
		Retries:  2,
		Backoff:  200 * time.Millisecond,
		logger:   logger.With("component", "webhook", "endpoint", endpoint),
	}
}

// Subscribe 订阅已落盘的工序转移，事件总线在独立 goroutine 中调用，推送不会阻塞引擎
func (w *Webhook) Subscribe(bus *event.Bus) {
	bus.Subscribe(event.StageTransitioned, func(e event.Event) {
		if e.Stage == nil {
			return
		}
		ctx := context.Background()
		if e.TraceID != "" {
			ctx = util.ContextWithTraceID(ctx, e.TraceID)
		}
		n := Notification{
			RepairOrderID: e.RepairOrderID,
			StageID:       e.StageID,
			From:          e.From,
			To:            e.To,
			Stage:         *e.Stage,
			At:            e.Stage.UpdatedAt,
		}
		if err := w.Notify(ctx, n); err != nil {
			w.logger.Error("推送工序转移失败", "stage_id", e.StageID, "error", err)
		}
	})
}

// Notify 通过 HTTP POST 请求推送到 /hooks/transition，失败时按退避重试
func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	logger := w.logger.With("stage_id", n.StageID)
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	var err error
	wait := w.Backoff
	for attempt := 0; attempt <= w.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			wait *= 2
		}
		if err = w.post(ctx, n); err == nil {
			logger.Info("工序转移已推送", "to", n.To, "attempt", attempt+1)
			return nil
		}
		logger.Warn("推送失败", "attempt", attempt+1, "error", err)
	}
	return err
}

func (w *Webhook) post(ctx context.Context, n Notification) error {
	reqBody, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint+"/hooks/transition", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// 将 Trace ID 放入 HTTP Header 中，实现跨服务追踪
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		httpReq.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := w.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("远程调用失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("远程服务错误: %s", resp.Status)
	}
	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("通知被拒绝: %s", ack.Error)
	}
	return nil
}
