// Package custody implements the HD wallet subsystem: deterministic BIP44 key
// derivation from an environment-injected mnemonic, tiered wallets (treasury,
// user range, signing wallet) with m-of-n signing policies, wallet rotation
// with a bounded grace window, compromise handling, and recovery verification.
package custody
