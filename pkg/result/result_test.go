package result_test

import (
	"errors"
	"testing"

	"github.com/koopa0/system-design/14-realtime-groups/pkg/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect_PartialFailure(t *testing.T) {
	errOdd := errors.New("odd")
	results := result.Collect([]int{1, 2, 3, 4}, func(n int) error {
		if n%2 == 1 {
			return errOdd
		}
		return nil
	})

	require.Len(t, results, 4)
	assert.Equal(t, []int{2, 4}, result.Values(results))

	failed := result.Failures(results)
	require.Len(t, failed, 2)
	assert.Equal(t, 1, failed[0].Value)
	assert.ErrorIs(t, failed[1].Err, errOdd)
}

func TestCollect_Empty(t *testing.T) {
	results := result.Collect(nil, func(string) error { return nil })

	assert.Empty(t, results)
	assert.Nil(t, result.Failures(results))
}
