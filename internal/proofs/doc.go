// Package proofs implements the cryptographic attestations attached to
// evidence bundles: secp256k1 signatures over integrity hashes and signer
// recovery for independent verification.
package proofs
