package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.HedgesOpened.Inc()
	prom.Metrics.HedgesClosed.Inc()
	prom.Metrics.HedgesFailed.Inc()
	prom.Metrics.FetchFailed.Inc()
	prom.Metrics.AlertsRaised.Inc()
	prom.Metrics.RiskExceeded.Inc()
	prom.Metrics.EmergencyStops.Inc()

	assertCounter(t, prom.ordersPlaced, 1)
	assertCounter(t, prom.ordersFailed, 1)
	assertCounter(t, prom.hedgesOpened, 1)
	assertCounter(t, prom.hedgesClosed, 1)
	assertCounter(t, prom.hedgesFailed, 1)
	assertCounter(t, prom.fetchFailed, 1)
	assertCounter(t, prom.alertsRaised, 1)
	assertCounter(t, prom.riskExceeded, 1)
	assertCounter(t, prom.emergencyStops, 1)
}

func TestPrometheusGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.ExposureRatio.Set(0.05)
	prom.Metrics.PortfolioValue.Set(12345.6)
	prom.Metrics.DailyPnl.Set(42.5)
	prom.Metrics.TotalPnl.Set(-7.25)

	if got := testutil.ToFloat64(prom.exposureRatio); got != 0.05 {
		t.Fatalf("expected exposure ratio 0.05, got %v", got)
	}
	if got := testutil.ToFloat64(prom.portfolioValue); got != 12345.6 {
		t.Fatalf("expected portfolio value 12345.6, got %v", got)
	}
	if got := testutil.ToFloat64(prom.dailyPnl); got != 42.5 {
		t.Fatalf("expected daily pnl 42.5, got %v", got)
	}
	if got := testutil.ToFloat64(prom.totalPnl); got != -7.25 {
		t.Fatalf("expected total pnl -7.25, got %v", got)
	}
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
