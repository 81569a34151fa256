package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/pisa/pkg/appointment"
)

// parseID reconstructs an appointment.ID from the string form produced by
// appointment.ID.String ("chosenId:addressHex:jobId"), as stored in the
// end-block index's value.
func parseID(s string) (appointment.ID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return appointment.ID{}, fmt.Errorf("expected 3 colon-separated fields, got %d", len(parts))
	}
	chosenID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return appointment.ID{}, fmt.Errorf("customerChosenId: %w", err)
	}
	jobID, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return appointment.ID{}, fmt.Errorf("jobId: %w", err)
	}
	return appointment.ID{
		Locator: appointment.Locator{
			CustomerChosenID: chosenID,
			CustomerAddress:  common.HexToAddress(parts[1]),
		},
		JobID: jobID,
	}, nil
}
