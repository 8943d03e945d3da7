package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidAmount(t *testing.T) {
	cases := []struct {
		kind   EntryKind
		amount int64
		want   bool
	}{
		{KindIssue, 100, true},
		{KindIssue, 0, false},
		{KindDeposit, -1, false},
		{KindCharge, 1, true},
		{KindRedeem, -100, true},
		{KindRedeem, 100, false},
		{KindRefund, 0, false},
		{KindVoid, 0, true},
		{KindVoid, -5, true},
		{KindExpire, 5, false},
		{KindAdjust, -5, true},
		{KindAdjust, 0, false},
		{EntryKind("bonus"), 5, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.kind.ValidAmount(tc.amount), "%s %d", tc.kind, tc.amount)
	}
}
