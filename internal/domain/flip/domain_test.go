package flip

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/calmops/beatwatch/internal/domain/check"
)

func TestNotifiable(t *testing.T) {
	cases := []struct {
		name string
		old  check.Status
		new  check.Status
		want bool
	}{
		{"first ping is bookkeeping", check.StatusNew, check.StatusUp, false},
		{"resume is bookkeeping", check.StatusPaused, check.StatusUp, false},
		{"recovery is an incident end", check.StatusDown, check.StatusUp, true},
		{"grace recovery is announced", check.StatusGrace, check.StatusUp, true},
		{"down is always announced", check.StatusUp, check.StatusDown, true},
		{"timeout on a fresh check is announced", check.StatusNew, check.StatusDown, true},
		{"pause is announced", check.StatusUp, check.StatusPaused, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := Flip{OldStatus: tc.old, NewStatus: tc.new}
			assert.Equal(t, tc.want, f.Notifiable())
		})
	}
}
