package chain

import "errors"

var (
	ErrDeepReorg = errors.New("chain: reorg deeper than the retained ancestor window")
)
