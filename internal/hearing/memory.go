package hearing

import (
	"context"
	"strings"

	"Citadel-Core/internal/custody"
)

// CredentialChecker 报告某用户是否配置了交易所凭据。
// 凭据本体永远不会进入听证记录。
type CredentialChecker interface {
	HasCredentials(userID string) bool
}

// Memory 解析行动主体的身份并装载托管上下文。
// 该阶段永不报错：解析失败用 Known=false 表达。
type Memory struct {
	directory   *custody.Directory
	credentials CredentialChecker
}

// NewMemory 构造记忆阶段。
func NewMemory(directory *custody.Directory, credentials CredentialChecker) *Memory {
	return &Memory{directory: directory, credentials: credentials}
}

// Run 先按用户 ID 查找，再尝试把意图文本中的地址反查为已派生钱包。
func (m *Memory) Run(ctx context.Context, record *Record) error {
	out := &MemoryOutput{}

	wallet, ok := m.directory.ByUser(record.UserID)
	if !ok {
		// ID 未命中时，意图文本里的地址可能就是主体本身。
		if addr := addressPattern.FindString(record.Intent); addr != "" {
			wallet, ok = m.directory.ByAddress(addr)
		}
	}
	if !ok && strings.TrimSpace(record.UserID) != "" {
		wallet, ok = m.directory.ByAddress(record.UserID)
	}

	if ok && wallet != nil {
		out.Known = true
		out.UserID = wallet.UserID
		out.WalletIndex = wallet.Index
		out.WalletAddress = wallet.Address
		out.Tier = string(wallet.Tier)
		if m.credentials != nil {
			out.HasCredentials = m.credentials.HasCredentials(wallet.UserID)
		}
	}

	return record.AttachMemory(out)
}
