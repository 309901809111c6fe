package temserver

import (
	"sync/atomic"
)

// ServerMetrics contains atomic metrics for a server.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ServerMetrics struct {
	// SessionOpenCount indicates the number of sessions accepted.
	SessionOpenCount atomic.Uint64
	// SessionActiveGauge indicates the number of sessions currently open.
	SessionActiveGauge atomic.Int64
	// AcceptErrCount indicates the number of failed accepts.
	AcceptErrCount atomic.Uint64

	// RequestCount indicates the number of requests submitted to the dispatcher.
	RequestCount atomic.Uint64
	// ErrorResponseCount indicates the number of error responses written.
	ErrorResponseCount atomic.Uint64
	// DecodeErrCount indicates the number of requests that could not be decoded.
	DecodeErrCount atomic.Uint64
	// AbortedWaitCount indicates the number of requests whose client left before the result.
	AbortedWaitCount atomic.Uint64

	// CloseDirectiveCount indicates the number of close directives received.
	CloseDirectiveCount atomic.Uint64
	// TerminateDirectiveCount indicates the number of terminate directives received.
	TerminateDirectiveCount atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of server metrics.
type MetricsSnapshot struct {
	SessionsOpened      uint64 `json:"sessions_opened"`
	SessionsActive      int64  `json:"sessions_active"`
	AcceptErrors        uint64 `json:"accept_errors"`
	Requests            uint64 `json:"requests"`
	ErrorResponses      uint64 `json:"error_responses"`
	DecodeErrors        uint64 `json:"decode_errors"`
	AbortedWaits        uint64 `json:"aborted_waits"`
	CloseDirectives     uint64 `json:"close_directives"`
	TerminateDirectives uint64 `json:"terminate_directives"`
}

// Snapshot returns the current values.
func (m *ServerMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		SessionsOpened:      m.SessionOpenCount.Load(),
		SessionsActive:      m.SessionActiveGauge.Load(),
		AcceptErrors:        m.AcceptErrCount.Load(),
		Requests:            m.RequestCount.Load(),
		ErrorResponses:      m.ErrorResponseCount.Load(),
		DecodeErrors:        m.DecodeErrCount.Load(),
		AbortedWaits:        m.AbortedWaitCount.Load(),
		CloseDirectives:     m.CloseDirectiveCount.Load(),
		TerminateDirectives: m.TerminateDirectiveCount.Load(),
	}
}

func (m *ServerMetrics) incSessionOpenCount() {
	m.SessionOpenCount.Add(1)
}

func (m *ServerMetrics) incAcceptErrCount() {
	m.AcceptErrCount.Add(1)
}

func (m *ServerMetrics) incRequestCount() {
	m.RequestCount.Add(1)
}

func (m *ServerMetrics) incErrorResponseCount() {
	m.ErrorResponseCount.Add(1)
}

func (m *ServerMetrics) incDecodeErrCount() {
	m.DecodeErrCount.Add(1)
}

func (m *ServerMetrics) incAbortedWaitCount() {
	m.AbortedWaitCount.Add(1)
}

func (m *ServerMetrics) incCloseDirectiveCount() {
	m.CloseDirectiveCount.Add(1)
}

func (m *ServerMetrics) incTerminateDirectiveCount() {
	m.TerminateDirectiveCount.Add(1)
}
