package custody

import (
	"sync"
	"time"

	"github.com/google/uuid"

	cerrors "Citadel-Core/internal/errors"
)

// Signature 记录一位签名人对请求的表态。
type Signature struct {
	Signer     string    `json:"signer"`
	Approved   bool      `json:"approved"`
	ApprovedAt time.Time `json:"approved_at"`
}

// SigningRequest 是一笔待签交易的 m-of-n 审批单。
// 同一签名人最多贡献一个签名；满足条件 ⇔ 批准数 ≥ 阈值。
type SigningRequest struct {
	mu         sync.Mutex
	ID         string
	Subject    string
	Tier       Tier
	Required   int
	Total      int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	signatures []Signature
}

// NewSigningRequest 为指定交易哈希创建审批单，阈值由钱包层级决定。
func NewSigningRequest(subject string, tier Tier, ttl time.Duration) *SigningRequest {
	required, total := Threshold(tier)
	now := time.Now().UTC()
	req := &SigningRequest{
		ID:        uuid.NewString(),
		Subject:   subject,
		Tier:      tier,
		Required:  required,
		Total:     total,
		CreatedAt: now,
	}
	if ttl > 0 {
		req.ExpiresAt = now.Add(ttl)
	}
	return req
}

// Approve 记录一位签名人的批准。重复签名与过期请求都会被拒绝。
func (r *SigningRequest) Approve(signer string) error {
	if signer == "" {
		return cerrors.New(cerrors.CodeInvalidArgument, "签名人标识为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ExpiresAt.IsZero() && time.Now().After(r.ExpiresAt) {
		return cerrors.New(cerrors.CodeTimeout, "审批单已过期")
	}
	for _, sig := range r.signatures {
		if sig.Signer == signer {
			return cerrors.New(cerrors.CodeConflict, "签名人已在该审批单上签名")
		}
	}
	if len(r.signatures) >= r.Total {
		return cerrors.New(cerrors.CodeConflict, "审批单签名人数已达上限")
	}
	r.signatures = append(r.signatures, Signature{
		Signer:     signer,
		Approved:   true,
		ApprovedAt: time.Now().UTC(),
	})
	return nil
}

// Satisfied 报告批准数是否达到阈值。
func (r *SigningRequest) Satisfied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	approved := 0
	for _, sig := range r.signatures {
		if sig.Approved {
			approved++
		}
	}
	return approved >= r.Required
}

// Signatures 返回当前签名快照。
func (r *SigningRequest) Signatures() []Signature {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Signature, len(r.signatures))
	copy(out, r.signatures)
	return out
}
