package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const memoryRetention = 512

// MemoryRepository 使用本地 JSONL 文件保存支付记录，适合单机部署与开发。
// 状态变更以追加新行的方式写入，加载时后写覆盖先写。
type MemoryRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []Record
}

// NewMemoryRepository 创建文件支撑的支付仓库。
func NewMemoryRepository(dataDir string) (*MemoryRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryRepository{dataFile: filepath.Join(dataDir, "payments.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录支付。
func (m *MemoryRepository) Save(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.appendLocked(record); err != nil {
		return err
	}
	m.records = append([]Record{record}, m.records...)
	if len(m.records) > memoryRetention {
		m.records = m.records[:memoryRetention]
	}
	return nil
}

// UpdateStatus 更新一条记录的状态。
func (m *MemoryRepository) UpdateStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.records {
		if m.records[i].ID != id {
			continue
		}
		updated := m.records[i]
		updated.Status = status
		if err := m.appendLocked(updated); err != nil {
			return err
		}
		m.records[i] = updated
		return nil
	}
	return ErrNotFound
}

// ListLatest 返回最近的支付记录，按时间倒序排列。
func (m *MemoryRepository) ListLatest(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]Record, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 实现 Repository。
func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) appendLocked(record Record) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("打开支付日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化支付记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入支付日志失败: %w", err)
	}
	return nil
}

func (m *MemoryRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("读取支付日志失败: %w", err)
	}
	defer file.Close()

	latest := make(map[string]int)
	var restored []Record
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if idx, ok := latest[record.ID]; ok {
			restored[idx] = record
			continue
		}
		latest[record.ID] = len(restored)
		restored = append(restored, record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析支付日志失败: %w", err)
	}

	for i, j := 0, len(restored)-1; i < j; i, j = i+1, j-1 {
		restored[i], restored[j] = restored[j], restored[i]
	}
	if len(restored) > memoryRetention {
		restored = restored[:memoryRetention]
	}
	m.records = restored
	return nil
}
