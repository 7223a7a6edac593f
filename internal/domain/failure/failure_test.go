package failure

import (
	"fmt"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "validation", err: Validation("bad %s", "input"), want: ErrValidation},
		{name: "wrapped not found", err: errors.Wrap(NotFound("cart"), "get cart"), want: ErrNotFound},
		{name: "fmt wrapped conflict", err: fmt.Errorf("save: %w", Conflict("dup")), want: ErrConflict},
		{name: "permission", err: Permission("nope"), want: ErrPermission},
		{name: "external", err: External("payment", errors.New("timeout")), want: ErrExternalService},
		{name: "version conflict", err: errors.Wrap(ErrVersionConflict, "put balance"), want: ErrVersionConflict},
		{name: "unclassified", err: errors.New("boom"), want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestExternal(t *testing.T) {
	assert.NoError(t, External("shipping", nil))

	cause := errors.New("dial tcp: timeout")
	err := External("shipping", cause)
	assert.ErrorIs(t, err, ErrExternalService)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "shipping: dial tcp: timeout", err.Error())
}
