package tmauth

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one Client counter.
type MetricID uint16

const (
	// MetricSignUpSuccess counts sign-ups that returned a session.
	MetricSignUpSuccess MetricID = iota
	// MetricSignUpConfirmPending counts sign-ups awaiting email confirmation.
	MetricSignUpConfirmPending
	// MetricSignUpFailure counts rejected sign-ups.
	MetricSignUpFailure
	// MetricSignInSuccess counts password sign-ins accepted by the provider.
	MetricSignInSuccess
	// MetricSignInFailure counts password sign-ins rejected by the provider.
	MetricSignInFailure
	// MetricOTPSent counts one-time codes requested.
	MetricOTPSent
	// MetricOTPVerifySuccess counts accepted one-time codes.
	MetricOTPVerifySuccess
	// MetricOTPVerifyFailure counts rejected one-time codes.
	MetricOTPVerifyFailure
	// MetricIdentifierResolveFailure counts usernames that could not be resolved.
	MetricIdentifierResolveFailure
	// MetricRecoveryEmailSent counts recovery emails requested.
	MetricRecoveryEmailSent
	// MetricSendRateLimited counts code or recovery sends refused by the throttle.
	MetricSendRateLimited
	// MetricPasswordResetSuccess counts completed password resets.
	MetricPasswordResetSuccess
	// MetricPasswordResetFailure counts failed password resets.
	MetricPasswordResetFailure
	// MetricPasswordChangeSuccess counts completed password changes.
	MetricPasswordChangeSuccess
	// MetricPasswordChangeWrongCredential counts failed re-authentications.
	MetricPasswordChangeWrongCredential
	// MetricPasswordChangeFailure counts password updates rejected after re-authentication.
	MetricPasswordChangeFailure
	// MetricCodeExchangeFailure counts rejected code exchanges.
	MetricCodeExchangeFailure
	// MetricIdentityChanged counts reconciles that changed the current user.
	MetricIdentityChanged
	// MetricSessionRefreshed counts reconciles that kept the user but replaced the session.
	MetricSessionRefreshed
	// MetricSignOut counts explicit sign-outs.
	MetricSignOut
	// MetricSessionExpired counts sessions cleared after a 401.
	MetricSessionExpired
	// MetricProfileEnqueueFailure counts profiles that could not be queued.
	MetricProfileEnqueueFailure
	// MetricWorkflowLatency is the latency histogram of every workflow call.
	MetricWorkflowLatency
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricSignUpSuccess:                 "signup_success",
	MetricSignUpConfirmPending:          "signup_confirm_pending",
	MetricSignUpFailure:                 "signup_failure",
	MetricSignInSuccess:                 "signin_success",
	MetricSignInFailure:                 "signin_failure",
	MetricOTPSent:                       "otp_sent",
	MetricOTPVerifySuccess:              "otp_verify_success",
	MetricOTPVerifyFailure:              "otp_verify_failure",
	MetricIdentifierResolveFailure:      "identifier_resolve_failure",
	MetricRecoveryEmailSent:             "recovery_email_sent",
	MetricSendRateLimited:               "send_rate_limited",
	MetricPasswordResetSuccess:          "password_reset_success",
	MetricPasswordResetFailure:          "password_reset_failure",
	MetricPasswordChangeSuccess:         "password_change_success",
	MetricPasswordChangeWrongCredential: "password_change_wrong_credential",
	MetricPasswordChangeFailure:         "password_change_failure",
	MetricCodeExchangeFailure:           "code_exchange_failure",
	MetricIdentityChanged:               "identity_changed",
	MetricSessionRefreshed:              "session_refreshed",
	MetricSignOut:                       "signout",
	MetricSessionExpired:                "session_expired",
	MetricProfileEnqueueFailure:         "profile_enqueue_failure",
	MetricWorkflowLatency:               "workflow_latency",
}

// String returns the exporter name of id.
func (id MetricID) String() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

// MetricIDs returns every defined id in order.
func MetricIDs() []MetricID {
	ids := make([]MetricID, 0, metricIDCount)
	for id := MetricID(0); id < metricIDCount; id++ {
		ids = append(ids, id)
	}
	return ids
}

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

// LatencyBucketBounds are the inclusive upper bounds of the latency
// histogram buckets. The last bucket is unbounded.
var LatencyBucketBounds = [histBucketCount - 1]time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2500 * time.Millisecond,
	5 * time.Second,
}

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters. A nil *Metrics is a valid disabled sink.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the latency histogram of id. Only
// MetricWorkflowLatency carries a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id != MetricWorkflowLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricWorkflowLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricWorkflowLatency].buckets[i])
		}
		s.Histograms[MetricWorkflowLatency] = buckets
	}
	return s
}

func bucketIndex(d time.Duration) int {
	for i, bound := range LatencyBucketBounds {
		if d <= bound {
			return i
		}
	}
	return histBucketCount - 1
}
