package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation(t *testing.T) {
	before := testutil.ToFloat64(Operations.WithLabelValues("sign", "success"))
	ObserveOperation("sign", "success", time.Now().Add(-time.Second))
	after := testutil.ToFloat64(Operations.WithLabelValues("sign", "success"))
	assert.Equal(t, before+1, after)
}

func TestNew(t *testing.T) {
	srv, err := New("key-custody", "127.0.0.1:0")
	require.NoError(t, err)
	require.NotNil(t, srv)
	assert.Equal(t, float64(1), testutil.ToFloat64(buildInfo.WithLabelValues("key-custody")))
}
