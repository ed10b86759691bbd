package enumerate

import (
	"context"
	"errors"
	"testing"

	"github.com/aegis-sign/signbridge/pkg/apierrors"
	"github.com/stretchr/testify/require"
)

func countingProbe(emptyAt int, calls *[]int) func(context.Context, int) (string, error) {
	return func(_ context.Context, index int) (string, error) {
		*calls = append(*calls, index)
		if emptyAt >= 0 && index >= emptyAt {
			return "", nil
		}
		return "item", nil
	}
}

func TestStopsAtFirstEmptyValue(t *testing.T) {
	var calls []int
	got, err := Collect(Enumerate(context.Background(), countingProbe(5, &calls), 2, 128))
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []int{2, 3, 4, 5}, calls)
}

func TestStopsAtUpperBound(t *testing.T) {
	var calls []int
	got, err := Collect(Enumerate(context.Background(), countingProbe(-1, &calls), 0, 4))
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, 4, calls[len(calls)-1])
}

func TestEachRangeIsAFreshPass(t *testing.T) {
	var calls []int
	seq := Enumerate(context.Background(), countingProbe(2, &calls), 0, 10)
	first, err := Collect(seq)
	require.NoError(t, err)
	second, err := Collect(seq)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, []int{0, 1, 2, 0, 1, 2}, calls)
}

func TestLazyConsumerCanStopEarly(t *testing.T) {
	var calls []int
	for v, err := range Enumerate(context.Background(), countingProbe(-1, &calls), 0, 100) {
		require.NoError(t, err)
		require.Equal(t, "item", v)
		if len(calls) == 3 {
			break
		}
	}
	require.Len(t, calls, 3)
}

func TestProbeFailureDiscardsPartialResults(t *testing.T) {
	boom := apierrors.NewNative(13, "device unplugged")
	probe := func(_ context.Context, index int) (int, error) {
		if index == 3 {
			return 0, boom
		}
		return index + 1, nil
	}
	got, err := Collect(Enumerate(context.Background(), probe, 0, 10))
	require.Nil(t, got)
	require.True(t, apierrors.HasCode(err, apierrors.CodeEnumeration))
	require.True(t, errors.Is(err, boom))
	apiErr, ok := apierrors.FromError(err)
	require.True(t, ok)
	require.Equal(t, 13, apiErr.NativeCode)
	require.Contains(t, err.Error(), "index 3")
}

func TestEnumerateFuncUsesCustomTerminator(t *testing.T) {
	type media struct{ Label string }
	probe := func(_ context.Context, index int) (*media, error) {
		if index > 1 {
			return nil, nil
		}
		return &media{Label: "m"}, nil
	}
	got, err := Collect(EnumerateFunc(context.Background(), probe, 0, 10, func(m *media) bool { return m == nil }))
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestCancelledContextFailsEnumeration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls []int
	_, err := Collect(Enumerate(ctx, countingProbe(-1, &calls), 0, 3))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, calls)
}
