package inspection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sampledFrame(index int, ts float64) entity.SampledFrame {
	return entity.SampledFrame{Image: indexedImage{Gray: patternImage(0), index: index}, Timestamp: ts, Index: index}
}

func TestClassifierAdapterPassesResultThrough(t *testing.T) {
	want := propertyResult(82, detection("Water stain", entity.SeverityHigh, 91))
	adapter := NewClassifierAdapter(classifierFunc(func(context.Context, int) (*entity.FrameResult, error) {
		return want, nil
	}), nil, time.Second, zaptest.NewLogger(t))

	got := adapter.Classify(context.Background(), sampledFrame(30, 1))

	assert.False(t, got.Degraded)
	assert.True(t, got.IsPropertyImage)
	assert.Equal(t, 82, got.OverallConditionScore)
	require.Len(t, got.Detections, 1)
	assert.Equal(t, "Water stain", got.Detections[0].DetectedObject)
	assert.Equal(t, entity.SeverityHigh, got.Detections[0].Severity)
}

func TestClassifierAdapterCoercesSeverity(t *testing.T) {
	adapter := NewClassifierAdapter(classifierFunc(func(context.Context, int) (*entity.FrameResult, error) {
		return propertyResult(60,
			detection("Crack", entity.Severity("catastrophic"), 80),
			detection("Mold", entity.Severity(" HIGH "), 70),
			detection("Scuff", entity.Severity(""), 40),
		), nil
	}), nil, time.Second, zaptest.NewLogger(t))

	got := adapter.Classify(context.Background(), sampledFrame(0, 0))

	require.Len(t, got.Detections, 3)
	assert.Equal(t, entity.SeverityMedium, got.Detections[0].Severity)
	assert.Equal(t, entity.SeverityHigh, got.Detections[1].Severity)
	assert.Equal(t, entity.SeverityMedium, got.Detections[2].Severity)
	for _, d := range got.Detections {
		assert.True(t, d.Severity.Valid())
	}
}

func TestClassifierAdapterDegradesOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		fn      classifierFunc
		timeout time.Duration
	}{
		{
			name: "error",
			fn: func(context.Context, int) (*entity.FrameResult, error) {
				return nil, errors.New("503 service unavailable")
			},
			timeout: time.Second,
		},
		{
			name: "nil result",
			fn: func(context.Context, int) (*entity.FrameResult, error) {
				return nil, nil
			},
			timeout: time.Second,
		},
		{
			name: "panic",
			fn: func(context.Context, int) (*entity.FrameResult, error) {
				panic("malformed payload")
			},
			timeout: time.Second,
		},
		{
			name: "ignores context and hangs",
			fn: func(context.Context, int) (*entity.FrameResult, error) {
				time.Sleep(2 * time.Second)
				return propertyResult(90), nil
			},
			timeout: 50 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := NewClassifierAdapter(tt.fn, nil, tt.timeout, zaptest.NewLogger(t))

			start := time.Now()
			got := adapter.Classify(context.Background(), sampledFrame(90, 3))
			assert.Less(t, time.Since(start), time.Second)

			assert.True(t, got.Degraded)
			assert.True(t, got.IsPropertyImage)
			assert.Equal(t, 70, got.OverallConditionScore)
			assert.Equal(t, entity.UsabilityFair, got.UsabilityRating)
			require.Len(t, got.Detections, 1)
			d := got.Detections[0]
			assert.Equal(t, "Analysis Unavailable - Manual Inspection Required", d.DetectedObject)
			assert.Equal(t, entity.SeverityMedium, d.Severity)
			assert.Equal(t, 50.0, d.ConfidenceScore)
			assert.Contains(t, d.Description, "frame 90")
			assert.Contains(t, d.Description, "0:03")
		})
	}
}

func TestClassifierAdapterDefaultTimeout(t *testing.T) {
	adapter := NewClassifierAdapter(classifierFunc(nil), nil, 0, zaptest.NewLogger(t))
	assert.Equal(t, DefaultClassifierTimeout, adapter.timeout)
}

type stubLimiter struct {
	delay time.Duration
	err   error
}

func (l stubLimiter) Wait(ctx context.Context) error {
	if l.err != nil {
		return l.err
	}
	select {
	case <-time.After(l.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestClassifierAdapterWaitsForQuotaBeforeTimeout(t *testing.T) {
	var deadlineLeft time.Duration
	adapter := NewClassifierAdapter(classifierFunc(func(ctx context.Context, _ int) (*entity.FrameResult, error) {
		if dl, ok := ctx.Deadline(); ok {
			deadlineLeft = time.Until(dl)
		}
		return propertyResult(75), nil
	}), stubLimiter{delay: 150 * time.Millisecond}, 100*time.Millisecond, zaptest.NewLogger(t))

	got := adapter.Classify(context.Background(), sampledFrame(0, 0))

	assert.False(t, got.Degraded)
	assert.Equal(t, 75, got.OverallConditionScore)
	assert.Greater(t, deadlineLeft, 50*time.Millisecond, "timeout starts after the quota wait")
}

func TestClassifierAdapterDegradesWhenLimiterFails(t *testing.T) {
	called := false
	adapter := NewClassifierAdapter(classifierFunc(func(context.Context, int) (*entity.FrameResult, error) {
		called = true
		return propertyResult(90), nil
	}), stubLimiter{err: errors.New("redis unavailable")}, time.Second, zaptest.NewLogger(t))

	got := adapter.Classify(context.Background(), sampledFrame(30, 1))

	assert.False(t, called)
	assert.True(t, got.Degraded)
	require.Len(t, got.Detections, 1)
	assert.Contains(t, got.Detections[0].Description, "redis unavailable")
}
