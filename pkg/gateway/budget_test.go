package gateway

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

func TestBudgetDoublesAndStops(t *testing.T) {
	bs := newBudgets(time.Second, 3)
	b := bs.acquire("GET /x")

	require.Equal(t, time.Second, b.NextBackOff())
	require.Equal(t, 2*time.Second, b.NextBackOff())
	require.Equal(t, 4*time.Second, b.NextBackOff())
	require.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	require.Equal(t, backoff.Stop, b.NextBackOff(), "Reset must not refill a shared budget")
}

func TestBudgetSharedByConcurrentCalls(t *testing.T) {
	bs := newBudgets(time.Millisecond, 3)

	first := bs.acquire("GET /x")
	second := bs.acquire("GET /x")
	require.Same(t, first, second)

	first.NextBackOff()
	second.NextBackOff()
	left, ok := bs.remaining("GET /x")
	require.True(t, ok)
	require.Equal(t, 1, left)

	other := bs.acquire("GET /x?page=2")
	require.NotSame(t, first, other)

	bs.release("GET /x", false)
	left, ok = bs.remaining("GET /x")
	require.True(t, ok)
	require.Equal(t, 1, left, "a failed call leaves the budget spent for the others")

	bs.release("GET /x", true)
	_, ok = bs.remaining("GET /x")
	require.False(t, ok, "the last holder drops the entry")
}

func TestBudgetRefilledOnSuccess(t *testing.T) {
	bs := newBudgets(time.Millisecond, 3)
	a := bs.acquire("k")
	bs.acquire("k")
	a.NextBackOff()
	a.NextBackOff()

	bs.release("k", true)
	left, _ := bs.remaining("k")
	require.Equal(t, 3, left)
}

func TestRequestKey(t *testing.T) {
	r := Request{Method: "GET", URL: "/a"}
	require.Equal(t, "GET /a", r.key())

	r.Params = map[string][]string{"b": {"2"}, "a": {"1"}}
	require.Equal(t, "GET /a?a=1&b=2", r.key())
}
