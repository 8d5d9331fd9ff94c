// Package metrics exposes safety and recipe state as prometheus collectors.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/KevinKickass/PendantCore/internal/recipe"
	"github.com/KevinKickass/PendantCore/internal/safety"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	safetyStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pendant",
			Subsystem: "safety",
			Name:      "status",
			Help:      "Current aggregate safety status (1 for the active status).",
		},
		[]string{"status"},
	)
	interlockChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pendant",
			Subsystem: "safety",
			Name:      "interlock_changes_total",
			Help:      "Interlock status transitions.",
		},
		[]string{"device", "status"},
	)
	emergencyStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pendant",
			Subsystem: "safety",
			Name:      "emergency_stops_total",
			Help:      "Emergency stops by trigger source.",
		},
		[]string{"source"},
	)
	recipeState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pendant",
			Subsystem: "recipe",
			Name:      "state",
			Help:      "Current recipe execution state (1 for the active state).",
		},
		[]string{"state"},
	)
	recipeRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pendant",
			Subsystem: "recipe",
			Name:      "runs_total",
			Help:      "Finished recipe runs by result.",
		},
		[]string{"result"},
	)
	recipeSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pendant",
			Subsystem: "recipe",
			Name:      "steps_total",
			Help:      "Executed recipe steps by outcome.",
		},
		[]string{"success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pendant",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pendant",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

var (
	allSafetyStatuses = []safety.Status{safety.StatusSafe, safety.StatusWarning, safety.StatusDangerous, safety.StatusEmergencyStop}
	allRecipeStates   = []recipe.State{
		recipe.StateIdle, recipe.StateLoading, recipe.StateReady, recipe.StateExecuting,
		recipe.StatePaused, recipe.StateError, recipe.StateCompleted,
	}
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			safetyStatus, interlockChanges, emergencyStops,
			recipeState, recipeRuns, recipeSteps,
			httpRequests, httpDuration,
		)
	})
}

func SetSafetyStatus(current safety.Status) {
	RegisterMetrics()
	for _, s := range allSafetyStatuses {
		v := 0.0
		if s == current {
			v = 1
		}
		safetyStatus.WithLabelValues(string(s)).Set(v)
	}
}

func SetRecipeState(current recipe.State) {
	RegisterMetrics()
	for _, s := range allRecipeStates {
		v := 0.0
		if s == current {
			v = 1
		}
		recipeState.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveSafetyEvent updates the collectors for one registry event.
func ObserveSafetyEvent(ev safety.Event) {
	RegisterMetrics()
	switch ev.Type {
	case safety.EventSafetyStatusChanged:
		SetSafetyStatus(ev.Current)
	case safety.EventInterlockStatusChanged:
		interlockChanges.WithLabelValues(ev.Device, string(ev.DeviceStatus)).Inc()
	case safety.EventEmergencyStopTriggered:
		source := ev.Source
		if source == "" {
			source = "unknown"
		}
		emergencyStops.WithLabelValues(source).Inc()
	}
}

// ObserveRecipeEvent updates the collectors for one Hub event.
func ObserveRecipeEvent(ev recipe.Event) {
	RegisterMetrics()
	switch ev.Type {
	case recipe.EventStateChanged:
		SetRecipeState(ev.Current)
	case recipe.EventStepCompleted:
		recipeSteps.WithLabelValues(strconv.FormatBool(ev.Success)).Inc()
	case recipe.EventExecutionCompleted:
		recipeRuns.WithLabelValues("completed").Inc()
	case recipe.EventError:
		recipeRuns.WithLabelValues("error").Inc()
	}
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RequestMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
