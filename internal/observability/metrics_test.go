package observability

import (
	"testing"
	"time"

	"github.com/danmuck/edgeipc/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("edgeipc-a", "GET", "/healthz", 200, 12*time.Millisecond)
	RecordRPCRequest("edgeipc-a", "echo", OutcomeSuccess, 3*time.Millisecond)
	RecordHandled("edgeipc-a", "echo", "success")
	SetPendingRequests("edgeipc-a", 2, 1)
	AddConnections("edgeipc-a", 1)
	AddConnections("edgeipc-a", -1)

	if got := testutil.ToFloat64(rpcPending.WithLabelValues("edgeipc-a")); got != 2 {
		t.Fatalf("pending gauge=%v want 2", got)
	}
	if got := testutil.ToFloat64(transportConnections.WithLabelValues("edgeipc-a")); got != 0 {
		t.Fatalf("connections gauge=%v want 0", got)
	}
}
