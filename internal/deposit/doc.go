// Package deposit tracks inbound transfers from first sight to settlement.
// A deposit moves through a strict forward state machine (DETECTED, VERIFIED,
// APPROVED, SWEEPING, SWEPT, SETTLED) with FAILED as the only escape hatch.
// The sweep transaction that consolidates a deposit into the treasury is not
// broadcastable until the master tier's 2-of-3 signing policy is satisfied.
package deposit
