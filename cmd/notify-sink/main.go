package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"

	"shopflow/internal/notify"
)

// main 是本地调试用的通知接收服务，把收到的工序转移写入日志
func main() {
	addr := flag.String("addr", ":9090", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "notify-sink")
	slog.SetDefault(logger)

	logger.Info("=== 工序转移通知接收服务启动 ===", "addr", *addr)

	// 注册 HTTP 处理函数
	http.HandleFunc("/hooks/transition", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var n notify.Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			logger.Warn("解析请求失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// 从 HTTP Header 中提取 Trace ID，用于链路追踪
		reqLogger := logger.With("repair_order_id", n.RepairOrderID, "stage_id", n.StageID)
		if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
			reqLogger = reqLogger.With("trace_id", traceID)
		}
		reqLogger.Info("接收到工序转移", "from", n.From, "to", n.To, "department", n.Stage.Department)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(notify.Ack{Accepted: true})
	})

	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Error("服务启动失败", "error", err)
		os.Exit(1)
	}
}
