package notify

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/nova-driver/internal/domain"
)

type recorder struct {
	calls [][]string
	err   error
}

func (r *recorder) run(ctx context.Context, name string, args ...string) error {
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.err
}

func newTestNotifier() (*TermuxNotifier, *recorder) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	n := NewTermuxNotifier(logger)
	rec := &recorder{}
	n.run = rec.run
	return n, rec
}

func TestIncentiveLifecycle(t *testing.T) {
	n, rec := newTestNotifier()

	n.Incentive(domain.Incentive{SessionID: "s-1", Cents: 250})
	n.ClearIncentive()

	require.Len(t, rec.calls, 2)
	show := strings.Join(rec.calls[0], " ")
	assert.True(t, strings.HasSuffix(rec.calls[0][0], "/termux-notification"))
	assert.Contains(t, show, "--id "+incentiveID)
	assert.Contains(t, show, "+$2.50")

	assert.True(t, strings.HasSuffix(rec.calls[1][0], "/termux-notification-remove"))
	assert.Equal(t, incentiveID, rec.calls[1][1])
}

func TestStatus(t *testing.T) {
	n, rec := newTestNotifier()
	n.Status("", "ignored")
	assert.Empty(t, rec.calls)

	n.Status("Exclusive active", "12:00 left at Corner Cafe")
	require.Len(t, rec.calls, 1)
	assert.Contains(t, rec.calls[0], "--ongoing")
	assert.Contains(t, rec.calls[0], statusID)
}

func TestFailuresAreSwallowed(t *testing.T) {
	n, rec := newTestNotifier()
	rec.err = errors.New("not on android")
	assert.NotPanics(t, func() { n.Incentive(domain.Incentive{Cents: 100}) })
}
