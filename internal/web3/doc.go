// Package web3 houses blockchain connectivity used to anchor evidence bundles
// to a public chain snapshot (chain id and head block) at creation time.
package web3
