package internaldefs

import (
	"github.com/indrasol/tmauth"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   tmauth.MetricID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   tmauth.MetricID
	Name string
	Help string
}

// CounterDefs lists every counter in exposition order.
var CounterDefs = []CounterDef{
	{ID: tmauth.MetricSignUpSuccess, Name: "tmauth_signup_success_total", Help: "Sign-ups that returned a session."},
	{ID: tmauth.MetricSignUpConfirmPending, Name: "tmauth_signup_confirm_pending_total", Help: "Sign-ups awaiting email confirmation."},
	{ID: tmauth.MetricSignUpFailure, Name: "tmauth_signup_failure_total", Help: "Rejected sign-ups."},
	{ID: tmauth.MetricSignInSuccess, Name: "tmauth_signin_success_total", Help: "Password sign-ins accepted by the provider."},
	{ID: tmauth.MetricSignInFailure, Name: "tmauth_signin_failure_total", Help: "Password sign-ins rejected by the provider."},
	{ID: tmauth.MetricOTPSent, Name: "tmauth_otp_sent_total", Help: "One-time codes requested."},
	{ID: tmauth.MetricOTPVerifySuccess, Name: "tmauth_otp_verify_success_total", Help: "Accepted one-time codes."},
	{ID: tmauth.MetricOTPVerifyFailure, Name: "tmauth_otp_verify_failure_total", Help: "Rejected one-time codes."},
	{ID: tmauth.MetricIdentifierResolveFailure, Name: "tmauth_identifier_resolve_failure_total", Help: "Usernames that could not be resolved to an email."},
	{ID: tmauth.MetricRecoveryEmailSent, Name: "tmauth_recovery_email_sent_total", Help: "Recovery emails requested."},
	{ID: tmauth.MetricSendRateLimited, Name: "tmauth_send_rate_limited_total", Help: "Code or recovery sends refused by the throttle."},
	{ID: tmauth.MetricPasswordResetSuccess, Name: "tmauth_password_reset_success_total", Help: "Completed password resets."},
	{ID: tmauth.MetricPasswordResetFailure, Name: "tmauth_password_reset_failure_total", Help: "Failed password resets."},
	{ID: tmauth.MetricPasswordChangeSuccess, Name: "tmauth_password_change_success_total", Help: "Completed password changes."},
	{ID: tmauth.MetricPasswordChangeWrongCredential, Name: "tmauth_password_change_wrong_credential_total", Help: "Password changes refused because re-authentication failed."},
	{ID: tmauth.MetricPasswordChangeFailure, Name: "tmauth_password_change_failure_total", Help: "Password updates rejected after re-authentication."},
	{ID: tmauth.MetricCodeExchangeFailure, Name: "tmauth_code_exchange_failure_total", Help: "Rejected email-link code exchanges."},
	{ID: tmauth.MetricIdentityChanged, Name: "tmauth_identity_changed_total", Help: "Session changes that switched the current user."},
	{ID: tmauth.MetricSessionRefreshed, Name: "tmauth_session_refreshed_total", Help: "Session changes that kept the current user."},
	{ID: tmauth.MetricSignOut, Name: "tmauth_signout_total", Help: "Explicit sign-outs."},
	{ID: tmauth.MetricSessionExpired, Name: "tmauth_session_expired_total", Help: "Sessions cleared after the backend answered 401."},
	{ID: tmauth.MetricProfileEnqueueFailure, Name: "tmauth_profile_enqueue_failure_total", Help: "Profile records that could not be queued for creation."},
}

// HistogramDefs lists every histogram.
var HistogramDefs = []HistogramDef{
	{ID: tmauth.MetricWorkflowLatency, Name: "tmauth_workflow_latency_seconds", Help: "Latency of credential workflow calls."},
}

// AuditDroppedName is the counter of audit events lost to backpressure.
const AuditDroppedName = "tmauth_audit_dropped_total"

// HistogramBounds are the bucket upper bounds in seconds, matching
// tmauth.LatencyBucketBounds plus +Inf.
var HistogramBounds = []string{
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"1",
	"2.5",
	"5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds in instrument-name form.
var HistogramBoundSuffix = []string{
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"1",
	"2_5",
	"5",
	"inf",
}

// UpperBounds returns the finite bucket bounds in seconds.
func UpperBounds() []float64 {
	out := make([]float64, len(tmauth.LatencyBucketBounds))
	for i, b := range tmauth.LatencyBucketBounds {
		out[i] = b.Seconds()
	}
	return out
}

// NormalizeBuckets copies raw into a fixed eight-bucket array, dropping
// extras and zero-filling the rest.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
