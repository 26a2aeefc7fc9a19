// Package metrics exposes Prometheus collectors for the noise monitor.
// All recording functions are no-ops until Init has run.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "noisemeter_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	currentLevel prometheus.Gauge
	peakLevel    prometheus.Gauge
	monitoring   prometheus.Gauge

	ticksTotal    *prometheus.CounterVec
	alertsTotal   *prometheus.CounterVec
	readingsTotal prometheus.Counter

	persistTotal   *prometheus.CounterVec
	persistLatency *prometheus.HistogramVec
	persistDropped prometheus.Counter

	notificationsTotal *prometheus.CounterVec
)

// Init registers the collectors with the default registry. sessionCount,
// when non-nil, backs a gauge of stored sessions.
func Init(sessionCount func() int) {
	registerOnce.Do(func() {
		currentLevel = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "level",
			Help: "Current normalized level (0-120)",
		})
		peakLevel = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "peak_level",
			Help: "Peak normalized level of the current session",
		})
		monitoring = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "monitoring",
			Help: "1 while a monitoring run is active",
		})

		ticksTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sample_ticks_total",
				Help: "Total sampling ticks by result",
			},
			[]string{"result"},
		)
		alertsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_total",
				Help: "Total threshold crossings by outcome",
			},
			[]string{"outcome"},
		)
		readingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "readings_recorded_total",
			Help: "Total readings recorded into sessions",
		})

		persistTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "persist_total",
				Help: "Total session document writes by medium and result",
			},
			[]string{"medium", "result"},
		)
		persistLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "persist_latency_seconds",
				Help:    "Session document write latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"medium"},
		)
		persistDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "persist_coalesced_total",
			Help: "Update jobs superseded by a newer update before being written",
		})

		notificationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Total alert notifications by channel and result",
			},
			[]string{"channel", "result"},
		)

		prometheus.MustRegister(
			currentLevel,
			peakLevel,
			monitoring,
			ticksTotal,
			alertsTotal,
			readingsTotal,
			persistTotal,
			persistLatency,
			persistDropped,
			notificationsTotal,
		)

		if sessionCount != nil {
			prometheus.MustRegister(prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: metricPrefix + "sessions_stored",
					Help: "Sessions held by the session store",
				},
				func() float64 { return float64(sessionCount()) },
			))
		}
	})
}

// SetLevels records the current and peak level.
func SetLevels(level, peak float64) {
	if currentLevel != nil {
		currentLevel.Set(level)
	}
	if peakLevel != nil {
		peakLevel.Set(peak)
	}
}

// SetMonitoring records whether a monitoring run is active.
func SetMonitoring(active bool) {
	if monitoring == nil {
		return
	}
	if active {
		monitoring.Set(1)
	} else {
		monitoring.Set(0)
	}
}

// IncTick counts a sampling tick. skipped marks a tick without a sample.
func IncTick(skipped bool) {
	if ticksTotal == nil {
		return
	}
	result := "sampled"
	if skipped {
		result = "skipped"
	}
	ticksTotal.WithLabelValues(result).Inc()
}

// IncAlert counts a threshold crossing, fired or suppressed by cooldown.
func IncAlert(fired bool) {
	if alertsTotal == nil {
		return
	}
	outcome := "fired"
	if !fired {
		outcome = "suppressed"
	}
	alertsTotal.WithLabelValues(outcome).Inc()
}

// IncReading counts a recorded reading.
func IncReading() {
	if readingsTotal != nil {
		readingsTotal.Inc()
	}
}

// ObservePersist records a session document write.
func ObservePersist(medium string, err error, duration time.Duration) {
	if medium == "" {
		medium = "unknown"
	}
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if persistTotal != nil {
		persistTotal.WithLabelValues(medium, result).Inc()
	}
	if persistLatency != nil {
		persistLatency.WithLabelValues(medium).Observe(duration.Seconds())
	}
}

// IncPersistCoalesced counts an update job replaced by a newer one.
func IncPersistCoalesced() {
	if persistDropped != nil {
		persistDropped.Inc()
	}
}

// IncNotification counts an alert notification attempt.
func IncNotification(channel string, err error) {
	if notificationsTotal == nil {
		return
	}
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	notificationsTotal.WithLabelValues(channel, result).Inc()
}
