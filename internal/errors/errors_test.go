package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/victornm/mathrush/internal/errors"
)

func TestError_HTTPStatusCode(t *testing.T) {
	tests := map[string]struct {
		err  *errors.Error
		want int
	}{
		"invalid argument maps to 400": {
			err:  errors.New(errors.CodeInvalidArgument, errors.WithReason(errors.ReasonInvalidUsername)),
			want: http.StatusBadRequest,
		},
		"already exists maps to 409": {
			err:  errors.New(errors.CodeAlreadyExists, errors.WithReason(errors.ReasonUsernameTaken)),
			want: http.StatusConflict,
		},
		"unavailable maps to 503": {
			err:  errors.Unavailable(stderrors.New("dial tcp: connection refused")),
			want: http.StatusServiceUnavailable,
		},
		"unknown code falls back to 500": {
			err:  errors.New(errors.Code(codes.DataLoss)),
			want: http.StatusInternalServerError,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatusCode())
		})
	}
}

func TestIs(t *testing.T) {
	cause := stderrors.New("i/o timeout")
	err := fmt.Errorf("get session: %w", errors.Unavailable(cause))

	assert.True(t, errors.Is(err, errors.ReasonStoreUnavailable))
	assert.False(t, errors.Is(err, errors.ReasonSessionInvalid))
	assert.True(t, errors.IsCode(err, errors.CodeUnavailable))
	assert.ErrorIs(t, err, cause)
}

func TestConvert(t *testing.T) {
	e := errors.Convert(stderrors.New("boom"))
	require.Equal(t, errors.CodeInternal, e.Code)

	want := errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", "abc"))
	got := errors.Convert(fmt.Errorf("wrapped: %w", want))
	require.Same(t, want, got)
	require.Equal(t, "session not found: abc", got.Message)
	require.Equal(t, codes.NotFound, got.GRPCStatus().Code())
}
