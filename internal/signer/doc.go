// Package signer computes and verifies keyed HMAC signatures over bucket
// token payloads.
//
// Signatures are lowercase hex so they never contain the token field
// separator. Verification is constant-time.
//
// Key material is injected: derive it from a configured secret with
// DeriveKey, or generate an ephemeral key with GenerateKey when a single
// node issues and verifies all tokens.
package signer
