package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTotalsWithin(t *testing.T) {
	base := Totals{Subtotal: 700, Tax: 70, Total: 770}
	cases := []struct {
		name  string
		other Totals
		want  bool
	}{
		{"equal", base, true},
		{"tax off by one", Totals{Subtotal: 700, Tax: 71, Total: 771}, true},
		{"total off by two", Totals{Subtotal: 700, Tax: 70, Total: 772}, false},
		{"subtotal under", Totals{Subtotal: 698, Tax: 70, Total: 770}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.other.Within(base, 1))
		})
	}
}

func TestTendersKeepsOrder(t *testing.T) {
	ops := []Operation{
		{Type: OperationLine, SKU: "COFFEE", Quantity: 1},
		{Type: OperationTender, Method: TenderCard, Amount: 100},
		{Type: OperationLine, SKU: "TEA", Quantity: 1},
		{Type: OperationTender, Method: TenderCash, Amount: 50},
	}
	tenders := Tenders(ops)
	assert.Len(t, tenders, 2)
	assert.Equal(t, TenderCard, tenders[0].Method)
	assert.Equal(t, TenderCash, tenders[1].Method)
	assert.False(t, TenderMethod("cheque").Valid())
}
