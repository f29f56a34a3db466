package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomyHelpers(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		check    func(error) bool
		positive bool
	}{
		{"validation direct", ErrValidation, IsValidation, true},
		{"validation wrapped", Wrap(ErrValidation, "payload rejected"), IsValidation, true},
		{"validation formatted", NewValidationf("field %q missing", "input"), IsValidation, true},
		{"auth wrapped", NewAuthf("api key mismatch"), IsAuth, true},
		{"not found", NewNotFoundf("workflow %s", "wf_123"), IsNotFound, true},
		{"invalid state", NewInvalidStatef("cannot cancel %s execution", "completed"), IsInvalidState, true},
		{"concurrent modification", Wrap(ErrConcurrentModification, "status changed"), IsConcurrentModification, true},
		{"invoker", NewInvokerf("runtime returned 502"), IsInvoker, true},
		{"scheduler", NewSchedulerf("bad expression %q", "* * *"), IsScheduler, true},
		{"inactive", NewInactivef("workflow archived"), IsInactive, true},
		{"cross-category", NewAuthf("nope"), IsValidation, false},
		{"plain error", New("boom"), IsInvoker, false},
		{"nil", nil, IsNotFound, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.positive, tc.check(tc.err))
		})
	}
}

func TestWrappingPreservesSentinel(t *testing.T) {
	err := NewInvokerf("timeout after 300s")
	err = Wrap(err, "execution exec_1 failed")
	err = WithDetail(err, "agent type: classifier")

	assert.True(t, Is(err, ErrInvoker))
	assert.Contains(t, err.Error(), "exec_1")
	assert.Contains(t, GetAllDetails(err), "agent type: classifier")
}
