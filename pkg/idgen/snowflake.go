package idgen

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 账本流水号使用雪花ID：全局唯一、趋势递增，不暴露业务量。
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// 任务ID使用 uuid（见 service 包），这里只负责流水号。
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 起始时间戳（2024-01-01 00:00:00 UTC）
	workerIDBits   = 10                   // 机器ID位数
	sequenceBits   = 12                   // 序列号位数
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// Snowflake 雪花算法ID生成器
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

var ErrInvalidWorkerID = errors.New("workerID 超出范围")

// NewSnowflake 创建指定机器ID的生成器
func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("%w: 必须在 0-%d 之间", ErrInvalidWorkerID, maxWorkerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

// Init 初始化默认ID生成器，只有第一次合法调用生效
func Init(workerID int64) error {
	gen, err := NewSnowflake(workerID)
	if err != nil {
		return err
	}
	once.Do(func() {
		defaultGenerator = gen
	})
	return nil
}

// NextID 生成下一个ID
func NextID() int64 {
	_ = Init(1) // 未初始化时默认使用 workerID = 1
	return defaultGenerator.Generate()
}

// Generate 生成ID
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.timestamp {
		// 时钟回拨，沿用上一个时间戳继续递增序列号
		now = s.timestamp
	}

	if now == s.timestamp {
		// 同一毫秒内，序列号递增
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= s.timestamp {
				time.Sleep(100 * time.Microsecond)
				now = time.Now().UnixMilli()
			}
		}
	} else {
		// 不同毫秒，序列号重置
		s.sequence = 0
	}

	s.timestamp = now

	// 组装ID
	id := ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence

	return id
}

// 流水号前缀
const (
	PrefixConsume  = "CSM"
	PrefixRefund   = "RFD"
	PrefixRecharge = "RCH"
	PrefixReward   = "RWD"
)

// GenerateTransactionNo 生成流水号
// 格式：前缀 + 年月日时分秒 + 雪花ID后8位，例如 CSM2024011514305212345678
func GenerateTransactionNo(prefix string) string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("%s%s%08d", prefix, timestamp, id%100000000)
}
