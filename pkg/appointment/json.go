package appointment

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// wireAppointment is the JSON-over-HTTP shape of an Appointment: byte
// strings travel as 0x-hex (hexutil.Bytes, matching the rest of the
// go-ethereum-facing surface), big numbers as decimal strings so large
// refunds survive JavaScript's float precision.
type wireAppointment struct {
	ContractAddress common.Address `json:"contractAddress"`
	CustomerAddress common.Address `json:"customerAddress"`

	StartBlock      uint64 `json:"startBlock,string"`
	EndBlock        uint64 `json:"endBlock,string"`
	ChallengePeriod uint64 `json:"challengePeriod,string"`

	CustomerChosenID uint64 `json:"customerChosenId,string"`
	JobID            uint64 `json:"jobId,string"`

	Data hexutil.Bytes `json:"data"`

	Refund   string `json:"refund"`
	GasLimit uint64 `json:"gasLimit,string"`
	Mode     string `json:"mode"`

	EventABI  string        `json:"eventAbi"`
	EventArgs hexutil.Bytes `json:"eventArgs"`

	PreCondition  hexutil.Bytes `json:"preCondition"`
	PostCondition hexutil.Bytes `json:"postCondition"`

	PaymentHash       hexutil.Bytes `json:"paymentHash"`
	CustomerSignature hexutil.Bytes `json:"customerSignature"`
}

// MarshalJSON renders the appointment in its wire form.
func (a Appointment) MarshalJSON() ([]byte, error) {
	refund := "0"
	if a.Refund != nil {
		refund = a.Refund.String()
	}
	w := wireAppointment{
		ContractAddress:   a.ContractAddress,
		CustomerAddress:   a.CustomerAddress,
		StartBlock:        a.StartBlock,
		EndBlock:          a.EndBlock,
		ChallengePeriod:   a.ChallengePeriod,
		CustomerChosenID:  a.CustomerChosenID,
		JobID:             a.JobID,
		Data:              a.Data,
		Refund:            refund,
		GasLimit:          a.GasLimit,
		Mode:              string(a.Mode),
		EventABI:          a.EventABI,
		EventArgs:         a.EventArgs,
		PreCondition:      a.PreCondition,
		PostCondition:     a.PostCondition,
		PaymentHash:       a.PaymentHash[:],
		CustomerSignature: a.CustomerSignature[:],
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire form, validating the fixed-width fields.
func (a *Appointment) UnmarshalJSON(data []byte) error {
	var w wireAppointment
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	refund, ok := new(big.Int).SetString(w.Refund, 10)
	if !ok {
		return ErrMalformedRefund
	}
	if len(w.PaymentHash) != 32 {
		return ErrMalformedPaymentHash
	}
	if len(w.CustomerSignature) != 65 {
		return ErrMalformedSignature
	}
	*a = Appointment{
		ContractAddress:  w.ContractAddress,
		CustomerAddress:  w.CustomerAddress,
		StartBlock:       w.StartBlock,
		EndBlock:         w.EndBlock,
		ChallengePeriod:  w.ChallengePeriod,
		CustomerChosenID: w.CustomerChosenID,
		JobID:            w.JobID,
		Data:             []byte(w.Data),
		Refund:           refund,
		GasLimit:         w.GasLimit,
		Mode:             Mode(w.Mode),
		EventABI:         w.EventABI,
		EventArgs:        []byte(w.EventArgs),
		PreCondition:     []byte(w.PreCondition),
		PostCondition:    []byte(w.PostCondition),
	}
	copy(a.PaymentHash[:], w.PaymentHash)
	copy(a.CustomerSignature[:], w.CustomerSignature)
	return nil
}
