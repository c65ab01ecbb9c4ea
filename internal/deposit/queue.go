package deposit

import (
	"context"
	"encoding/json"
	"sync"

	cerrors "Citadel-Core/internal/errors"
)

// TransferEvent 是链上监听方投递的原始转账事件。
type TransferEvent struct {
	TxHash      string `json:"tx_hash"`
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
	Chain       string `json:"chain"`
	BlockNumber uint64 `json:"block_number"`
}

// Handler 处理一条转账事件。
type Handler func(ctx context.Context, event TransferEvent) error

// Queue 抽象转账事件队列。
type Queue interface {
	Publish(ctx context.Context, event TransferEvent) error
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// MemoryQueue 使用 channel 模拟事件队列，主要用于测试。
type MemoryQueue struct {
	ch     chan TransferEvent
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存事件队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan TransferEvent, size)}
}

// Publish 将事件投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, event TransferEvent) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return cerrors.New(cerrors.CodeQueueFailure, "事件队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- event:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费事件。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, event)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}

func encodeEvent(event TransferEvent) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeQueueFailure, err, "序列化转账事件失败")
	}
	return body, nil
}

func decodeEvent(body []byte) (TransferEvent, error) {
	var event TransferEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return TransferEvent{}, cerrors.Wrap(cerrors.CodeQueueFailure, err, "解析转账事件失败")
	}
	return event, nil
}
