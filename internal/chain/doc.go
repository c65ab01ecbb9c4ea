// Package chain houses blockchain connectivity for the custody core: an EVM
// client wrapping go-ethereum with bounded timeouts, ERC-20 balance and
// transfer helpers, serialized per-address nonce reservation, and a registry
// that instantiates one client per configured chain (Ethereum, BSC, Polygon
// and their testnets).
package chain
