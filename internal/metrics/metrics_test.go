package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordEnqueued(t *testing.T) {
	before := testutil.ToFloat64(TaskEnqueuedTotal.WithLabelValues("api", "system.ping"))
	RecordEnqueued("api", "system.ping")
	after := testutil.ToFloat64(TaskEnqueuedTotal.WithLabelValues("api", "system.ping"))

	assert.Equal(t, before+1, after)
}

func TestQueueSizeGauge(t *testing.T) {
	SetQueueSize("api", 5)
	assert.Equal(t, float64(5), testutil.ToFloat64(TaskQueueSize.WithLabelValues("api")))

	IncQueueSize("api")
	assert.Equal(t, float64(6), testutil.ToFloat64(TaskQueueSize.WithLabelValues("api")))

	DecQueueSize("api")
	assert.Equal(t, float64(5), testutil.ToFloat64(TaskQueueSize.WithLabelValues("api")))
}

func TestRecordStarted(t *testing.T) {
	before := testutil.ToFloat64(TaskStartedTotal.WithLabelValues("api", "t"))
	RecordStarted("api", "t")
	assert.Equal(t, before+1, testutil.ToFloat64(TaskStartedTotal.WithLabelValues("api", "t")))
}

func TestRecordFinished(t *testing.T) {
	before := testutil.ToFloat64(TaskFinishedTotal.WithLabelValues("api", "t"))
	RecordFinished("api", "t", 1.5)
	assert.Equal(t, before+1, testutil.ToFloat64(TaskFinishedTotal.WithLabelValues("api", "t")))
}

func TestRecordFailed(t *testing.T) {
	before := testutil.ToFloat64(TaskFailedTotal.WithLabelValues("api", "t", "error"))
	RecordFailed("api", "t", "error", 0.5)
	assert.Equal(t, before+1, testutil.ToFloat64(TaskFailedTotal.WithLabelValues("api", "t", "error")))
}
