// Package skyvault is a multi-provider cryptographic key-management core.
//
// It combines four pieces:
//
//   - vault.Provider: derives per-account encryption keys from a single
//     master secret (HKDF) and performs AES-256-GCM encryption, collapsing
//     per-account key storage cost by orders of magnitude.
//   - HybridKeyStore: the full key lifecycle over a persist.Store - store,
//     retrieve with opportunistic rotation, rotate, revoke, expire, list -
//     with an append-only versioned metadata index as the source of truth.
//   - SubstitutionKeyService: delegation key pairs whose private half is
//     held by an external party, verified against a stored public key.
//   - DualSigner: classical (EC-256) plus post-quantum (ML-DSA-65)
//     signatures over the same message, hedging against a break in either
//     algorithm family.
//
// Provider selection is cost-driven through CostOptimizer unless a
// compliance requirement overrides it.
package skyvault
