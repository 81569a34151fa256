package inspector

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/certen/pisa/pkg/appointment"
)

// responseSelector is the 4-byte function selector kitsune-mode
// customer contracts are expected to expose: respond(uint256 jobId,
// bytes data).
var responseSelector = crypto.Keccak256([]byte("respond(uint256,bytes)"))[:4]

// resolvedTopic is the event signature a kitsune contract emits once a
// dispute is resolved, used by CheckPost to confirm the response landed.
var resolvedTopic = crypto.Keccak256Hash([]byte("DisputeResolved(uint256)"))

// roundSelector, disputeWindowSelector and isParticipantSelector are the
// view-function selectors CheckPre calls against the target contract to
// validate an appointment's state-channel claim (spec.md §4.F step 2).
var (
	roundSelector         = crypto.Keccak256([]byte("round()"))[:4]
	disputeWindowSelector = crypto.Keccak256([]byte("disputeWindow()"))[:4]
	isParticipantSelector = crypto.Keccak256([]byte("isParticipant(address)"))[:4]
)

// kitsuneParticipantSize is one participant's packed contribution to
// PreCondition: a 20-byte address followed by its 65-byte ECDSA
// signature over the claimed state hash.
const kitsuneParticipantSize = 20 + 65

// kitsuneHeaderSize is PreCondition's fixed-width prefix: round (32),
// stateHash (32), numParticipants (32).
const kitsuneHeaderSize = 32 + 32 + 32

// kitsuneStateChannelClaim is PreCondition decoded: the round a customer
// claims is the latest agreed-upon state of a channel dispute, the hash
// of that state, and every participant's address and signature over it.
type kitsuneStateChannelClaim struct {
	round        *big.Int
	stateHash    common.Hash
	participants []common.Address
	signatures   [][65]byte
}

// parseKitsunePreCondition decodes the packed layout a customer submits
// as an appointment's PreCondition for kitsune mode:
//
//	round (32), state_hash (32), num_participants (32),
//	then num_participants * (address (20), signature (65))
func parseKitsunePreCondition(data []byte) (*kitsuneStateChannelClaim, error) {
	if len(data) < kitsuneHeaderSize {
		return nil, fmt.Errorf("kitsune: preCondition shorter than the fixed header")
	}
	round := new(big.Int).SetBytes(data[0:32])
	var stateHash common.Hash
	copy(stateHash[:], data[32:64])
	numParticipants := new(big.Int).SetBytes(data[64:96])
	if !numParticipants.IsUint64() || numParticipants.Sign() <= 0 {
		return nil, fmt.Errorf("kitsune: preCondition numParticipants %s is not a positive uint64", numParticipants)
	}
	n := numParticipants.Uint64()

	wantLen := uint64(kitsuneHeaderSize) + n*kitsuneParticipantSize
	if uint64(len(data)) != wantLen {
		return nil, fmt.Errorf("kitsune: preCondition length %d does not match expected %d for %d participants", len(data), wantLen, n)
	}

	claim := &kitsuneStateChannelClaim{round: round, stateHash: stateHash}
	off := kitsuneHeaderSize
	for i := uint64(0); i < n; i++ {
		var addr common.Address
		copy(addr[:], data[off:off+20])
		off += 20
		var sig [65]byte
		copy(sig[:], data[off:off+65])
		off += 65
		claim.participants = append(claim.participants, addr)
		claim.signatures = append(claim.signatures, sig)
	}
	return claim, nil
}

// Kitsune implements Inspector for the kitsune state-channel dispute
// contract (spec.md §4.F's one named reference mode): an appointment's
// PreCondition claims a round and a signed state hash, and CheckPre must
// verify that claim against the contract's own on-chain view before the
// tower agrees to watch for a dispute on the customer's behalf.
type Kitsune struct {
	caller           bind.ContractCaller
	expectedCodeHash common.Hash
	minDisputeWindow uint64
}

// NewKitsune constructs a kitsune-mode inspector. caller is used
// read-only, for CodeAt and the round/disputeWindow/isParticipant view
// calls CheckPre needs; expectedCodeHash pins the deployed bytecode every
// kitsune contract must match; minDisputeWindow is the smallest on-chain
// dispute window CheckPre will accept.
func NewKitsune(caller bind.ContractCaller, expectedCodeHash common.Hash, minDisputeWindow uint64) *Kitsune {
	return &Kitsune{caller: caller, expectedCodeHash: expectedCodeHash, minDisputeWindow: minDisputeWindow}
}

// Mode implements Inspector.
func (k *Kitsune) Mode() appointment.Mode { return "kitsune" }

// CheckPre implements Inspector (spec.md §4.F step 2): beyond the
// appointment's own structural soundness, it confirms the target
// contract is a genuine kitsune deployment, that the claimed round is
// strictly ahead of the contract's own round, that the contract's dispute
// window leaves enough of the appointment's block window to respond in,
// and that every claimed channel participant actually signed the claimed
// state hash and is recognized by the contract.
func (k *Kitsune) CheckPre(ctx context.Context, a *appointment.Appointment) error {
	if a.GasLimit == 0 {
		return fmt.Errorf("kitsune: gasLimit must be nonzero")
	}
	if a.EndBlock <= a.StartBlock {
		return fmt.Errorf("kitsune: endBlock must be greater than startBlock")
	}
	if len(a.Data) == 0 {
		return fmt.Errorf("kitsune: data (response calldata) must not be empty")
	}

	claim, err := parseKitsunePreCondition(a.PreCondition)
	if err != nil {
		return err
	}

	if err := k.checkDeployedBytecode(ctx, a.ContractAddress); err != nil {
		return err
	}

	onChainRound, err := k.callUint256(ctx, a.ContractAddress, roundSelector)
	if err != nil {
		return fmt.Errorf("kitsune: read on-chain round: %w", err)
	}
	if claim.round.Cmp(onChainRound) <= 0 {
		return fmt.Errorf("kitsune: claimed round %s is not strictly greater than on-chain round %s", claim.round, onChainRound)
	}

	if err := k.checkDisputeWindow(ctx, a); err != nil {
		return err
	}

	for i, participant := range claim.participants {
		isParticipant, err := k.callIsParticipant(ctx, a.ContractAddress, participant)
		if err != nil {
			return fmt.Errorf("kitsune: check participant %s: %w", participant, err)
		}
		if !isParticipant {
			return fmt.Errorf("kitsune: %s is not a recognized channel participant", participant)
		}

		pub, err := crypto.SigToPub(claim.stateHash[:], claim.signatures[i][:])
		if err != nil {
			return fmt.Errorf("kitsune: recover signer for participant %s: %w", participant, err)
		}
		if recovered := crypto.PubkeyToAddress(*pub); recovered != participant {
			return fmt.Errorf("kitsune: signature %d recovers to %s, not claimed participant %s", i, recovered, participant)
		}
	}

	return nil
}

// checkDeployedBytecode rejects any contract whose code doesn't hash to
// the expected kitsune deployment, so the tower never agrees to watch a
// look-alike contract running a different dispute protocol underneath.
func (k *Kitsune) checkDeployedBytecode(ctx context.Context, contract common.Address) error {
	code, err := k.caller.CodeAt(ctx, contract, nil)
	if err != nil {
		return fmt.Errorf("kitsune: fetch deployed bytecode: %w", err)
	}
	if got := crypto.Keccak256Hash(code); got != k.expectedCodeHash {
		return fmt.Errorf("kitsune: deployed bytecode hash %s does not match expected %s", got, k.expectedCodeHash)
	}
	return nil
}

// checkDisputeWindow requires the contract's own dispute window to be at
// least minDisputeWindow, and to fit within the appointment's remaining
// block window — an appointment whose end_block leaves less room than
// the contract's dispute window needs would never get a chance to
// respond before the window it's supposed to cover closes.
func (k *Kitsune) checkDisputeWindow(ctx context.Context, a *appointment.Appointment) error {
	window, err := k.callUint256(ctx, a.ContractAddress, disputeWindowSelector)
	if err != nil {
		return fmt.Errorf("kitsune: read on-chain dispute window: %w", err)
	}
	if !window.IsUint64() {
		return fmt.Errorf("kitsune: on-chain dispute window %s overflows uint64", window)
	}
	w := window.Uint64()
	if w < k.minDisputeWindow {
		return fmt.Errorf("kitsune: on-chain dispute window %d is below the minimum %d", w, k.minDisputeWindow)
	}
	if remaining := a.EndBlock - a.StartBlock; w > remaining {
		return fmt.Errorf("kitsune: on-chain dispute window %d exceeds the appointment's %d block window", w, remaining)
	}
	return nil
}

// callUint256 invokes a zero-argument view function and decodes its
// single uint256 return value.
func (k *Kitsune) callUint256(ctx context.Context, contract common.Address, selector []byte) (*big.Int, error) {
	ret, err := k.caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: selector}, nil)
	if err != nil {
		return nil, err
	}
	if len(ret) < 32 {
		return nil, fmt.Errorf("return data shorter than one word: %d bytes", len(ret))
	}
	return new(big.Int).SetBytes(ret[:32]), nil
}

// callIsParticipant invokes isParticipant(address) and decodes its bool
// return value.
func (k *Kitsune) callIsParticipant(ctx context.Context, contract, participant common.Address) (bool, error) {
	calldata := make([]byte, 0, len(isParticipantSelector)+32)
	calldata = append(calldata, isParticipantSelector...)
	var padded [32]byte
	copy(padded[12:], participant[:])
	calldata = append(calldata, padded[:]...)

	ret, err := k.caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: calldata}, nil)
	if err != nil {
		return false, err
	}
	if len(ret) < 32 {
		return false, fmt.Errorf("return data shorter than one word: %d bytes", len(ret))
	}
	return ret[31] != 0, nil
}

// BuildResponse implements Inspector. The appointment's Data already
// holds the ABI-encoded response payload the customer pre-signed; the
// inspector's job is only to prefix it with the contract's expected
// selector and target the contract the appointment named.
func (k *Kitsune) BuildResponse(_ context.Context, a *appointment.Appointment, _ types.Log) (Response, error) {
	calldata := make([]byte, 0, len(responseSelector)+len(a.Data))
	calldata = append(calldata, responseSelector...)
	calldata = append(calldata, a.Data...)
	return Response{To: a.ContractAddress, Data: calldata}, nil
}

// CheckPost implements Inspector: the response succeeded if the receipt
// is a success and it emitted DisputeResolved.
func (k *Kitsune) CheckPost(_ context.Context, _ *appointment.Appointment, receipt *types.Receipt) (bool, error) {
	if receipt == nil {
		return false, fmt.Errorf("kitsune: receipt is nil")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}
	for _, lg := range receipt.Logs {
		if len(lg.Topics) > 0 && lg.Topics[0] == resolvedTopic {
			return true, nil
		}
	}
	return false, nil
}
