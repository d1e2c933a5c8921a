package main

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func newRequestCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	return promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "ark", Subsystem: "http", Name: "requests_total",
		Help: "HTTP responses by route and status code.",
	}, []string{"route", "code"})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument counts responses for route. It is a no-op without a counter.
func (h *Handlers) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if h.Requests == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		h.Requests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	}
}
