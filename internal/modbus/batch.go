package modbus

import (
	"sort"

	"github.com/iotistica/iotistic-agent/internal/domain"
)

// maxBatchSpan bounds how far a batched read can stretch, mirroring the
// 125-register limit most Modbus gateways impose per request.
const maxBatchSpan = 125

// maxBatchGap is the largest hole between two registers that still
// gets folded into a single read rather than issued as two requests.
const maxBatchGap = 2

// batch is a single contiguous register read covering one or more
// RegisterSpecs.
type batch struct {
	FuncCode byte
	Address  uint16
	Quantity uint16
	Specs    []domain.RegisterSpec
}

// planBatches groups a channel's configured registers into the fewest
// contiguous reads per function code, so a channel with many named
// points only costs a handful of wire round-trips per poll cycle.
func planBatches(specs []domain.RegisterSpec) []batch {
	byFunc := make(map[byte][]domain.RegisterSpec)
	for _, s := range specs {
		byFunc[s.FuncCode] = append(byFunc[s.FuncCode], s)
	}

	var batches []batch
	for fc, group := range byFunc {
		sort.Slice(group, func(i, j int) bool { return group[i].Address < group[j].Address })

		var current *batch
		for _, s := range group {
			end := s.Address + s.Quantity
			if current != nil {
				gap := int(s.Address) - int(current.Address+current.Quantity)
				span := int(end) - int(current.Address)
				if gap <= maxBatchGap && span <= maxBatchSpan {
					if end > current.Address+current.Quantity {
						current.Quantity = end - current.Address
					}
					current.Specs = append(current.Specs, s)
					continue
				}
				batches = append(batches, *current)
			}
			current = &batch{FuncCode: fc, Address: s.Address, Quantity: s.Quantity, Specs: []domain.RegisterSpec{s}}
		}
		if current != nil {
			batches = append(batches, *current)
		}
	}
	return batches
}
