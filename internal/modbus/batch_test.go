package modbus

import (
	"testing"

	"github.com/iotistica/iotistic-agent/internal/domain"
)

func TestPlanBatches_MergesContiguousAndNearbyRegisters(t *testing.T) {
	specs := []domain.RegisterSpec{
		{Name: "a", Address: 0, Quantity: 2, FuncCode: 3},
		{Name: "b", Address: 2, Quantity: 2, FuncCode: 3},
		{Name: "c", Address: 10, Quantity: 1, FuncCode: 3},
	}
	batches := planBatches(specs)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d: %+v", len(batches), batches)
	}
	if batches[0].Address != 0 || batches[0].Quantity != 4 {
		t.Fatalf("expected merged batch [0,4), got %+v", batches[0])
	}
}

func TestPlanBatches_SeparatesByFunctionCode(t *testing.T) {
	specs := []domain.RegisterSpec{
		{Name: "a", Address: 0, Quantity: 1, FuncCode: 3},
		{Name: "b", Address: 0, Quantity: 1, FuncCode: 4},
	}
	batches := planBatches(specs)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches for different func codes, got %d", len(batches))
	}
}

func TestPlanBatches_RespectsMaxSpan(t *testing.T) {
	specs := []domain.RegisterSpec{
		{Name: "a", Address: 0, Quantity: 100, FuncCode: 3},
		{Name: "b", Address: 100, Quantity: 30, FuncCode: 3},
	}
	batches := planBatches(specs)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches when span exceeds cap, got %d", len(batches))
	}
}
