package appointment

import (
	"bytes"
	"encoding/binary"
	"math/big"
)

// Pack produces the canonical packed encoding of the appointment (spec.md
// §6): every integer field widened to a 32-byte ABI-packed uint256,
// address fields as their raw 20 bytes, byte-string fields concatenated
// raw with no length prefix. This is the exact byte layout the Receipt
// Signer hashes; the field order and widths are fixed for the lifetime
// of the wire format — new fields must be appended, never inserted.
//
//	contract_address (20), customer_address (20),
//	start_block (32), end_block (32), challenge_period (32),
//	customer_chosen_id (32), job_id (32),
//	data (raw), refund (32), gas_limit (32), mode (32),
//	event_abi (UTF-8 bytes), event_args (raw), post_condition (raw),
//	payment_hash (32)
func (a *Appointment) Pack() []byte {
	buf := new(bytes.Buffer)
	buf.Write(a.ContractAddress.Bytes())
	buf.Write(a.CustomerAddress.Bytes())
	buf.Write(uint256BE(a.StartBlock))
	buf.Write(uint256BE(a.EndBlock))
	buf.Write(uint256BE(a.ChallengePeriod))
	buf.Write(uint256BE(a.CustomerChosenID))
	buf.Write(uint256BE(a.JobID))
	buf.Write(a.Data)
	buf.Write(leftPadBytes32(refundOrZero(a.Refund)))
	buf.Write(uint256BE(a.GasLimit))
	buf.Write(modeBytes32(a.Mode))
	buf.WriteString(a.EventABI)
	buf.Write(a.EventArgs)
	buf.Write(a.PostCondition)
	buf.Write(a.PaymentHash[:])
	return buf.Bytes()
}

// uint256BE widens v into a 32-byte big-endian word, the packed form a
// Solidity uint256 parameter takes under abi.encodePacked.
func uint256BE(v uint64) []byte {
	var b [32]byte
	binary.BigEndian.PutUint64(b[24:], v)
	return b[:]
}

func refundOrZero(r *big.Int) *big.Int {
	if r == nil {
		return new(big.Int)
	}
	return r
}

func leftPadBytes32(v *big.Int) []byte {
	out := make([]byte, 32)
	b := v.Bytes()
	copy(out[32-len(b):], b)
	return out
}

// modeBytes32 renders mode as a right-padded 32-byte word, matching how
// Solidity packs a bytes32 literal built from a short ASCII tag.
func modeBytes32(m Mode) []byte {
	out := make([]byte, 32)
	copy(out, []byte(m))
	return out
}

// BigEndianUint64 encodes v for use as a store secondary-index key
// prefix, so lexicographic byte ordering matches numeric ordering
// (mirrors pkg/ledger/store.go's systemBlockKey).
func BigEndianUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
