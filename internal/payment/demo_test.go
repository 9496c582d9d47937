package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDemoApproveAndRefund(t *testing.T) {
	d := NewDemo(DemoConfig{ApproveDelay: time.Millisecond}, zaptest.NewLogger(t))
	ctx := context.Background()

	res, err := d.ProcessPayment(ctx, 500, MethodCard)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, MethodCard, res.Reference.Method)
	assert.NotEmpty(t, res.Reference.ID)

	ok, err := d.Refund(ctx, res.Reference)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, d.Refunded(), 1)

	ok, err = d.Refund(ctx, res.Reference)
	require.NoError(t, err)
	assert.False(t, ok, "a payment refunds at most once")
}

func TestDemoDeclineAndFailures(t *testing.T) {
	d := NewDemo(DemoConfig{}, zaptest.NewLogger(t))
	ctx := context.Background()

	d.SetDecline(true)
	res, err := d.ProcessPayment(ctx, 500, MethodCash)
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, res.Status)

	d.SetDecline(false)
	d.SetFailRefunds(true)
	res, err = d.ProcessPayment(ctx, 500, MethodQR)
	require.NoError(t, err)
	ok, err := d.Refund(ctx, res.Reference)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.ProcessPayment(ctx, 500, Method("bitcoin"))
	var unsupported *ErrUnsupportedMethod
	assert.ErrorAs(t, err, &unsupported)
}

func TestDemoCancelled(t *testing.T) {
	d := NewDemo(DemoConfig{ApproveDelay: time.Hour}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := d.ProcessPayment(ctx, 500, MethodCard)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
}
