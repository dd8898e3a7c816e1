package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"shopflow/internal/types"
)

// 日志类型
const (
	entryCapacity = "CAPACITY"
	entryStage    = "STAGE"
	entryStages   = "STAGES" // 一次转移涉及的全部工序，整行写入
)

// LogEntry 代表 WAL 文件中的一条日志记录
type LogEntry struct {
	Type     string                `json:"type"`               // 日志类型: "CAPACITY"、"STAGE" 或 "STAGES"
	Capacity *types.CapacityRecord `json:"capacity,omitempty"` // 产能记录的完整快照
	Stage    *types.StageRecord    `json:"stage,omitempty"`    // 工序记录的完整快照
	Stages   []types.StageRecord   `json:"stages,omitempty"`   // 一批工序记录的完整快照
}

// WAL (Write-Ahead Log) 以追加写的 JSON 行持久化每一次记录变更
// 读取走内存索引，启动时通过重放日志重建索引，后写的快照覆盖先写的
type WAL struct {
	file  *os.File   // 日志文件句柄
	mu    sync.Mutex // 互斥锁，保证文件写入的原子性
	index *MemoryStore
}

var _ Store = (*WAL)(nil)

// NewWAL 创建或打开一个 WAL 文件并重放已有记录
func NewWAL(path string) (*WAL, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}
	w := &WAL{file: file, index: NewMemoryStore()}
	if err := w.replay(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// replay 从头读取日志文件并填充内存索引
func (w *WAL) replay() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行（通常是崩溃时写了一半的尾行）
			continue
		}
		switch entry.Type {
		case entryCapacity:
			if entry.Capacity != nil {
				_ = w.index.PersistCapacity(*entry.Capacity)
			}
		case entryStage:
			if entry.Stage != nil {
				_ = w.index.PersistStage(*entry.Stage)
			}
		case entryStages:
			_ = w.index.PersistStages(entry.Stages)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}

	// 恢复文件指针到末尾，以便后续追加写入
	_, err := w.file.Seek(0, io.SeekEnd)
	return err
}

func (w *WAL) append(entry LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，调用方拿到成功返回时记录已持久化
	return w.file.Sync()
}

// PersistCapacity 追加一条产能记录快照
func (w *WAL) PersistCapacity(rec types.CapacityRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.append(LogEntry{Type: entryCapacity, Capacity: &rec}); err != nil {
		return fmt.Errorf("persist capacity %s: %w", rec.Key, err)
	}
	return w.index.PersistCapacity(rec)
}

// PersistStage 追加一条工序记录快照
func (w *WAL) PersistStage(rec types.StageRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.append(LogEntry{Type: entryStage, Stage: &rec}); err != nil {
		return fmt.Errorf("persist stage %s: %w", rec.ID, err)
	}
	return w.index.PersistStage(rec)
}

// PersistStages 把一批工序记录写成一行日志
// 崩溃时写了一半的行在重放时整行丢弃，因此这批记录不会只生效一部分
func (w *WAL) PersistStages(recs []types.StageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.append(LogEntry{Type: entryStages, Stages: recs}); err != nil {
		return fmt.Errorf("persist %d stages of %s: %w", len(recs), recs[0].RepairOrderID, err)
	}
	return w.index.PersistStages(recs)
}

func (w *WAL) LoadCapacity(key types.CapacityKey) (types.CapacityRecord, bool, error) {
	return w.index.LoadCapacity(key)
}

func (w *WAL) QueryStagesByOrder(repairOrderID string) ([]types.StageRecord, error) {
	return w.index.QueryStagesByOrder(repairOrderID)
}

// Capacities 返回重放后的全部产能记录
func (w *WAL) Capacities() []types.CapacityRecord { return w.index.Capacities() }

// RepairOrders 返回重放后的全部维修工单 ID
func (w *WAL) RepairOrders() []string { return w.index.RepairOrders() }

// Close 关闭 WAL 文件
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
