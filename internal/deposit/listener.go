package deposit

import (
	"context"

	"Citadel-Core/pkg/logger"
)

// Listener 订阅转账事件队列并为每笔入账建档，随后把已关联身份的
// 入金一路推进到等待签名的归集审批。身份关联失败不是错误，入金
// 停在 DETECTED 等待后续周期重试。
type Listener struct {
	queue   Queue
	service *Service
	workers int
}

// NewListener 构造入金监听器。
func NewListener(queue Queue, service *Service, workers int) *Listener {
	if workers <= 0 {
		workers = 2
	}
	return &Listener{queue: queue, service: service, workers: workers}
}

// Run 阻塞消费事件直到上下文取消。
func (l *Listener) Run(ctx context.Context) error {
	return l.queue.Consume(ctx, l.workers, func(ctx context.Context, event TransferEvent) error {
		d, err := l.service.Detect(ctx, event)
		if err != nil {
			logger.Named("deposit").Warn("入金建档失败",
				"tx_hash", event.TxHash, "error", err)
			return err
		}
		if d.Status != StatusDetected {
			return nil
		}
		if _, err := l.service.Verify(ctx, d.TxHash); err != nil {
			logger.Named("deposit").Debug("入金暂未完成身份关联",
				"tx_hash", d.TxHash, "error", err)
			return nil
		}
		l.advance(ctx, d.TxHash)
		return nil
	})
}

// advance 把已关联身份的入金推进到归集审批：风控复核、计算返利、
// 开出等待守护人签名的审批单。此后的广播与入账由归集方在阈值
// 满足后驱动。推进失败只记录，入金留在当前状态等待重试。
func (l *Listener) advance(ctx context.Context, txHash string) {
	if _, err := l.service.Approve(ctx, txHash); err != nil {
		logger.Named("deposit").Warn("入金复核失败", "tx_hash", txHash, "error", err)
		return
	}
	req, err := l.service.BeginSweep(ctx, txHash)
	if err != nil {
		logger.Named("deposit").Warn("构造归集审批失败", "tx_hash", txHash, "error", err)
		return
	}
	logger.Named("deposit").Info("入金进入归集审批",
		"tx_hash", txHash, "required", req.Required, "total", req.Total)
}
