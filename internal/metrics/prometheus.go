package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hedge_engine"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(value float64) {
	p.gauge.Set(value)
}

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	ordersPlaced   prometheus.Counter
	ordersFailed   prometheus.Counter
	hedgesOpened   prometheus.Counter
	hedgesClosed   prometheus.Counter
	hedgesFailed   prometheus.Counter
	fetchFailed    prometheus.Counter
	alertsRaised   prometheus.Counter
	riskExceeded   prometheus.Counter
	emergencyStops prometheus.Counter
	exposureRatio  prometheus.Gauge
	portfolioValue prometheus.Gauge
	dailyPnl       prometheus.Gauge
	totalPnl       prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: promNamespace, Name: name, Help: help})
	}

	ordersPlaced := counter("orders_placed_total", "Total number of market orders placed across all venues.")
	ordersFailed := counter("orders_failed_total", "Total number of order placement failures.")
	hedgesOpened := counter("hedges_opened_total", "Total number of hedges that reached the active state.")
	hedgesClosed := counter("hedges_closed_total", "Total number of hedges closed successfully.")
	hedgesFailed := counter("hedges_failed_total", "Total number of hedges that failed to open or close.")
	fetchFailed := counter("fetch_failed_total", "Total number of venue fetch failures during polling.")
	alertsRaised := counter("alerts_raised_total", "Total number of funding-rate alerts raised.")
	riskExceeded := counter("risk_exceeded_total", "Total number of exposure-threshold breaches.")
	emergencyStops := counter("emergency_stops_total", "Total number of emergency shutdowns triggered.")

	exposureRatio := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: promNamespace, Name: "exposure_ratio", Help: "Net exposure as a ratio of total portfolio value."})
	portfolioValue := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: promNamespace, Name: "portfolio_value", Help: "Total portfolio value summed across venues."})
	dailyPnl := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: promNamespace, Name: "daily_pnl", Help: "Realized PnL accumulated since the last local-day reset."})
	totalPnl := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: promNamespace, Name: "total_pnl", Help: "Realized PnL accumulated since the engine started."})

	registry.MustRegister(ordersPlaced, ordersFailed, hedgesOpened, hedgesClosed, hedgesFailed, fetchFailed, alertsRaised, riskExceeded, emergencyStops, exposureRatio, portfolioValue, dailyPnl, totalPnl)

	m := &Metrics{
		OrdersPlaced:   promCounter{ordersPlaced},
		OrdersFailed:   promCounter{ordersFailed},
		HedgesOpened:   promCounter{hedgesOpened},
		HedgesClosed:   promCounter{hedgesClosed},
		HedgesFailed:   promCounter{hedgesFailed},
		FetchFailed:    promCounter{fetchFailed},
		AlertsRaised:   promCounter{alertsRaised},
		RiskExceeded:   promCounter{riskExceeded},
		EmergencyStops: promCounter{emergencyStops},
		ExposureRatio:  promGauge{exposureRatio},
		PortfolioValue: promGauge{portfolioValue},
		DailyPnl:       promGauge{dailyPnl},
		TotalPnl:       promGauge{totalPnl},
	}

	return &Prometheus{
		Metrics:        m,
		registry:       registry,
		ordersPlaced:   ordersPlaced,
		ordersFailed:   ordersFailed,
		hedgesOpened:   hedgesOpened,
		hedgesClosed:   hedgesClosed,
		hedgesFailed:   hedgesFailed,
		fetchFailed:    fetchFailed,
		alertsRaised:   alertsRaised,
		riskExceeded:   riskExceeded,
		emergencyStops: emergencyStops,
		exposureRatio:  exposureRatio,
		portfolioValue: portfolioValue,
		dailyPnl:       dailyPnl,
		totalPnl:       totalPnl,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
