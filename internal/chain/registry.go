package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Registry manages one client per configured chain, keyed by name.
type Registry struct {
	defaultChain string
	clients      map[string]*Client
}

// NewRegistry loads the chain definition file and dials every chain in it.
func NewRegistry(ctx context.Context, definitionsPath string) (*Registry, error) {
	defs, err := LoadDefinitions(definitionsPath)
	if err != nil {
		return nil, err
	}
	return NewRegistryFromDefinitions(ctx, defs)
}

// NewRegistryFromDefinitions instantiates concrete clients for the given table.
func NewRegistryFromDefinitions(ctx context.Context, defs Definitions) (*Registry, error) {
	clients := make(map[string]*Client)
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := NewClient(ctx, Config{
				Name:        name,
				RPCURL:      def.RPCURL,
				ChainID:     def.ChainID,
				NativeToken: def.NativeToken,
				Notes:       def.Description,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := defs.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// NewRegistryWithClients assembles a registry from prebuilt clients, used by tests.
func NewRegistryWithClients(defaultChain string, clients map[string]*Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("注册表至少需要一个链客户端")
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", defaultChain)
	}
	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (*Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (*Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the sorted list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
