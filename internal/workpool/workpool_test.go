package workpool

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunVisitsEveryIndex(t *testing.T) {
	const n = 50
	var seen [n]int32

	Run(n, 4, func(i int) {
		atomic.AddInt32(&seen[i], 1)
	})

	for i, v := range seen {
		require.EqualValues(t, 1, v, "index %d visited %d times", i, v)
	}
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	const n = 100
	const limit = 5

	var current, max int32
	Run(n, limit, func(i int) {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&max)
			if n <= old || atomic.CompareAndSwapInt32(&max, old, n) {
				break
			}
		}
		atomic.AddInt32(&current, -1)
	})

	require.LessOrEqual(t, max, int32(limit))
}

func TestRunErrCollectsPerIndexErrors(t *testing.T) {
	boom := errors.New("boom")

	errs := RunErr(5, 0, func(i int) error {
		if i == 2 {
			return boom
		}
		return nil
	})

	require.Len(t, errs, 5)
	for i, err := range errs {
		if i == 2 {
			require.ErrorIs(t, err, boom)
		} else {
			require.NoError(t, err)
		}
	}
}

func TestRunZeroItemsIsNoop(t *testing.T) {
	called := false
	Run(0, 4, func(i int) { called = true })
	require.False(t, called)
}
