package deposit

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"Citadel-Core/internal/custody"
	cerrors "Citadel-Core/internal/errors"
	"Citadel-Core/internal/observability/alerting"
	"Citadel-Core/internal/observability/metrics"
	"Citadel-Core/pkg/logger"
)

// Config 控制入金结算的业务参数。
type Config struct {
	// RewardRatio 是入金返利比例，默认 1%。
	RewardRatio float64
	// MinSweep 是按资产的最小归集金额，低于它的入金永远停在 DETECTED。
	MinSweep map[string]float64
	// DefaultMinSweep 是未配置资产的最小归集金额。
	DefaultMinSweep float64
	// SigningTTL 是归集审批单的有效期。
	SigningTTL time.Duration
}

// Service 驱动入金状态机。所有转移都经过严格校验，
// 审计流记录每一次状态变化。
type Service struct {
	store     Store
	directory *custody.Directory
	cfg       Config
	ratio     decimal.Decimal
	alerts    alerting.Dispatcher

	mu       sync.Mutex
	requests map[string]*custody.SigningRequest
}

// NewService 构造入金结算服务。
func NewService(store Store, directory *custody.Directory, cfg Config) *Service {
	if cfg.RewardRatio <= 0 {
		cfg.RewardRatio = 0.01
	}
	if cfg.DefaultMinSweep <= 0 {
		cfg.DefaultMinSweep = 1.0
	}
	if cfg.SigningTTL <= 0 {
		cfg.SigningTTL = 24 * time.Hour
	}
	return &Service{
		store:     store,
		directory: directory,
		cfg:       cfg,
		ratio:     decimal.NewFromFloat(cfg.RewardRatio),
		requests:  make(map[string]*custody.SigningRequest),
	}
}

// SetAlerts 注入告警分发器。未注入时所有告警静默丢弃。
func (s *Service) SetAlerts(dispatcher alerting.Dispatcher) {
	s.alerts = dispatcher
}

func (s *Service) dispatchAlert(ctx context.Context, txHash string, err error) {
	if s.alerts == nil {
		return
	}
	event, ok := alerting.FromError(alerting.KindDeposit, txHash, err)
	if !ok {
		return
	}
	if notifyErr := s.alerts.Notify(ctx, event); notifyErr != nil {
		logger.Named("deposit").Warn("告警发送失败", "tx_hash", txHash, "error", notifyErr)
	}
}

func (s *Service) minSweepFor(asset string) decimal.Decimal {
	if v, ok := s.cfg.MinSweep[asset]; ok {
		return decimal.NewFromFloat(v)
	}
	return decimal.NewFromFloat(s.cfg.DefaultMinSweep)
}

// Detect 在首次看到一笔入账转账时建档。重复事件幂等返回已有记录。
func (s *Service) Detect(ctx context.Context, event TransferEvent) (*Deposit, error) {
	if event.TxHash == "" {
		return nil, cerrors.New(cerrors.CodeInvalidArgument, "转账事件缺少交易哈希")
	}
	if existing, err := s.store.Get(ctx, event.TxHash); err == nil {
		return existing, nil
	}

	amount, err := decimal.NewFromString(event.Amount)
	if err != nil || amount.Sign() <= 0 {
		return nil, cerrors.New(cerrors.CodeInvalidArgument, "转账事件金额非法")
	}

	d := &Deposit{
		TxHash:      event.TxHash,
		FromAddress: event.FromAddress,
		ToAddress:   event.ToAddress,
		Amount:      amount,
		Asset:       event.Asset,
		Chain:       event.Chain,
		BlockNumber: event.BlockNumber,
		DetectedAt:  time.Now().UTC(),
		Status:      StatusDetected,
	}
	if err := s.store.Save(ctx, d); err != nil {
		return nil, err
	}
	metrics.ObserveDepositTransition(string(StatusDetected))
	logger.Named("deposit").Info("入金已建档",
		"tx_hash", d.TxHash, "asset", d.Asset, "amount", d.Amount.String())
	return d, nil
}

// Verify 把入金与已派生钱包的持有人关联。低于最小归集金额的入金
// 永远停在 DETECTED，不会被自动推进。
func (s *Service) Verify(ctx context.Context, txHash string) (*Deposit, error) {
	d, err := s.store.Get(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if d.Amount.LessThan(s.minSweepFor(d.Asset)) {
		return d, cerrors.New(cerrors.CodeInvalidArgument,
			"入金低于最小归集金额, 保持 DETECTED")
	}
	wallet, ok := s.directory.ByAddress(d.ToAddress)
	if !ok {
		return d, cerrors.New(cerrors.CodeNotFound, "入金地址未关联任何托管钱包")
	}
	if err := d.advance(StatusVerified); err != nil {
		return d, err
	}
	d.UserID = wallet.UserID
	if err := s.store.Save(ctx, d); err != nil {
		return nil, err
	}
	metrics.ObserveDepositTransition(string(StatusVerified))
	return d, nil
}

// Approve 完成风控复核并计算返利（固定比例，保留两位小数）。
func (s *Service) Approve(ctx context.Context, txHash string) (*Deposit, error) {
	d, err := s.store.Get(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if err := d.advance(StatusApproved); err != nil {
		return d, err
	}
	d.Reward = d.Amount.Mul(s.ratio).Round(2)
	if err := s.store.Save(ctx, d); err != nil {
		return nil, err
	}
	metrics.ObserveDepositTransition(string(StatusApproved))
	return d, nil
}

// BeginSweep 构造归集交易的审批单并进入 SWEEPING。
// 归集目的地是金库钱包，因此阈值取主层级的 2-of-3。
func (s *Service) BeginSweep(ctx context.Context, txHash string) (*custody.SigningRequest, error) {
	d, err := s.store.Get(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if err := d.advance(StatusSweeping); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, d); err != nil {
		return nil, err
	}

	req := custody.NewSigningRequest(txHash, custody.TierMaster, s.cfg.SigningTTL)
	s.mu.Lock()
	s.requests[txHash] = req
	s.mu.Unlock()
	metrics.ObserveDepositTransition(string(StatusSweeping))
	return req, nil
}

// SigningRequest 返回归集审批单。
func (s *Service) SigningRequest(txHash string) (*custody.SigningRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[txHash]
	return req, ok
}

// MarkSwept 在归集交易广播后记录其哈希。审批单未满足阈值时
// 归集交易不可广播，该调用会被拒绝。
func (s *Service) MarkSwept(ctx context.Context, txHash, sweepTxHash string) (*Deposit, error) {
	s.mu.Lock()
	req, ok := s.requests[txHash]
	s.mu.Unlock()
	if !ok {
		return nil, cerrors.New(cerrors.CodeNotFound, "归集审批单不存在")
	}
	if !req.Satisfied() {
		err := cerrors.New(cerrors.CodeSecurityAlert,
			"归集审批未达到签名阈值, 拒绝广播")
		s.dispatchAlert(ctx, txHash, err)
		return nil, err
	}

	d, err := s.store.Get(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if err := d.advance(StatusSwept); err != nil {
		return d, err
	}
	d.SweepTxHash = sweepTxHash
	if err := s.store.Save(ctx, d); err != nil {
		return nil, err
	}

	// 审批单用后即弃。
	s.mu.Lock()
	delete(s.requests, txHash)
	s.mu.Unlock()
	metrics.ObserveDepositTransition(string(StatusSwept))
	return d, nil
}

// Settle 入账并写审计流，入金到达终态。
func (s *Service) Settle(ctx context.Context, txHash string) (*Deposit, error) {
	d, err := s.store.Get(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if err := d.advance(StatusSettled); err != nil {
		return d, err
	}
	d.SettledAt = time.Now().UTC()
	if err := s.store.Save(ctx, d); err != nil {
		return nil, err
	}
	metrics.ObserveDepositTransition(string(StatusSettled))
	logger.Audit().Info("deposit settled",
		"tx_hash", d.TxHash,
		"user_id", d.UserID,
		"asset", d.Asset,
		"amount", d.Amount.String(),
		"reward", d.Reward.String(),
		"sweep_tx", d.SweepTxHash,
	)
	return d, nil
}

// Fail 把入金转入失败分支并记录原因。
func (s *Service) Fail(ctx context.Context, txHash, reason string) (*Deposit, error) {
	d, err := s.store.Get(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if err := d.advance(StatusFailed); err != nil {
		return d, err
	}
	d.FailureReason = reason
	if err := s.store.Save(ctx, d); err != nil {
		return nil, err
	}
	metrics.ObserveDepositTransition(string(StatusFailed))
	s.dispatchAlert(ctx, txHash,
		cerrors.New(cerrors.CodeChainFailure, reason, cerrors.WithAlert(true)))
	return d, nil
}
