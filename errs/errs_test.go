package errs

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", io.EOF, Unexpected},
		{"classified", E(NotFound, "locate", io.EOF), NotFound},
		{"wrapped twice", Wrapf(E(Validation, "vector", io.EOF), "request %d", 3), Validation},
		{"fmt wrapped", wrapFmt(Errorf(LoadFailure, "load", "bad artifact")), LoadFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestENilIsNil(t *testing.T) {
	require.NoError(t, E(StageFailure, "train", nil))
	require.NoError(t, Wrapf(nil, "ignored"))
}

func TestErrorKeepsCause(t *testing.T) {
	err := E(NotFound, "dataset", io.EOF)
	require.True(t, errors.Is(err, io.EOF))
	require.True(t, Is(err, NotFound))
	require.False(t, Is(err, Validation))
	assert.Contains(t, err.Error(), "dataset: not_found")
}

func wrapFmt(err error) error {
	return errors.Join(errors.New("outer"), err)
}
