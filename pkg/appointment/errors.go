package appointment

import "errors"

var (
	ErrMalformedRefund      = errors.New("appointment: refund is not a base-10 integer")
	ErrMalformedPaymentHash = errors.New("appointment: payment hash must be 32 bytes")
	ErrMalformedSignature   = errors.New("appointment: customer signature must be 65 bytes")
)
