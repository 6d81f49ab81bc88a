package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsAreUsable(t *testing.T) {
	before := testutil.ToFloat64(WSSendStatus.WithLabelValues("dropped"))
	WSSendStatus.WithLabelValues("dropped").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(WSSendStatus.WithLabelValues("dropped")))

	ConnectionsOpen.WithLabelValues("ws").Inc()
	ConnectionsOpen.WithLabelValues("ws").Dec()
	assert.Equal(t, 0.0, testutil.ToFloat64(ConnectionsOpen.WithLabelValues("ws")))
}
