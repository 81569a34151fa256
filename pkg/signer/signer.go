// Copyright 2025 Certen Protocol
//
// Package signer implements the Receipt Signer (spec.md §4.K): a pure
// function that signs the canonical packed encoding of an accepted
// appointment, giving the customer an accountability receipt proving the
// tower agreed to watch it. Signing never touches the network or the
// store — it is deliberately side-effect free so the tower can call it
// synchronously inside the appointment-admission path.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/certen/pisa/pkg/appointment"
)

// Signer holds the tower's single signing key. A tower runs with exactly
// one signer for its lifetime (spec.md's single-signer nonce model).
type Signer struct {
	key     *ecdsa.PrivateKey
	address [20]byte
}

// New loads a signer from a hex-encoded ECDSA private key, accepting an
// optional "0x" prefix (same convention as the teacher's contract
// manager).
func New(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid private key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the tower's signing address, the one customers verify
// receipts against.
func (s *Signer) Address() [20]byte {
	return s.address
}

// SignTx signs an outgoing response transaction with the tower's key —
// the Responder's only use of the signing key (spec.md §4.I's
// single-signer nonce model).
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("signer: sign transaction: %w", err)
	}
	return signed, nil
}

// ethSignedMessagePrefix is the personal_sign prefix for a 32-byte
// message, per spec.md §6: "\x19Ethereum Signed Message:\n32".
const ethSignedMessagePrefix = "\x19Ethereum Signed Message:\n32"

// digest computes keccak256("\x19Ethereum Signed Message:\n32" ‖
// keccak256(encoding ‖ tower_address)) — the value an accountability
// receipt signature covers (spec.md §6).
func digest(a *appointment.Appointment, tower [20]byte) [32]byte {
	inner := crypto.Keccak256(a.Pack(), tower[:])
	return [32]byte(crypto.Keccak256([]byte(ethSignedMessagePrefix), inner))
}

// Sign produces an accountability receipt: a 65-byte ECDSA signature
// over the Ethereum-prefixed hash of the appointment's canonical packed
// encoding and the signer's own address.
func (s *Signer) Sign(a *appointment.Appointment) ([65]byte, error) {
	var sig [65]byte
	d := digest(a, s.address)
	raw, err := crypto.Sign(d[:], s.key)
	if err != nil {
		return sig, fmt.Errorf("signer: sign appointment: %w", err)
	}
	copy(sig[:], raw)
	return sig, nil
}

// Verify reports whether sig is a valid signature by signer over a's
// canonical encoding. No HTTP route exposes it.
func Verify(a *appointment.Appointment, signer [20]byte, sig [65]byte) (bool, error) {
	d := digest(a, signer)
	pub, err := crypto.SigToPub(d[:], sig[:])
	if err != nil {
		return false, fmt.Errorf("signer: recover public key: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return recovered == signer, nil
}
