package internaldefs

import (
	tglink "github.com/velora-team/tglink"
)

// CounterDef binds one engine counter to its exported name.
type CounterDef struct {
	ID   tglink.MetricID
	Name string
	Help string
}

// HistogramDef binds one engine histogram to its exported name.
type HistogramDef struct {
	ID   tglink.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: tglink.MetricPhoneCodeRequested, Name: "tglink_phone_code_requested_total", Help: "Phone login codes requested."},
	{ID: tglink.MetricPhoneCodeRateLimited, Name: "tglink_phone_code_rate_limited_total", Help: "Phone code operations denied by a budget."},
	{ID: tglink.MetricPhoneCodeInvalid, Name: "tglink_phone_code_invalid_total", Help: "Rejected phone code submissions."},
	{ID: tglink.MetricPhoneCodeExpired, Name: "tglink_phone_code_expired_total", Help: "Phone code handshakes that expired before completion."},
	{ID: tglink.MetricSignInSuccess, Name: "tglink_sign_in_success_total", Help: "Completed phone code sign-ins."},
	{ID: tglink.MetricTwoFactorRequired, Name: "tglink_two_factor_required_total", Help: "Sign-ins that hit a cloud password."},
	{ID: tglink.MetricTwoFactorSuccess, Name: "tglink_two_factor_success_total", Help: "Completed two-factor confirmations."},
	{ID: tglink.MetricTwoFactorFailure, Name: "tglink_two_factor_failure_total", Help: "Rejected two-factor passwords."},
	{ID: tglink.MetricQRGenerated, Name: "tglink_qr_generated_total", Help: "QR login tokens generated."},
	{ID: tglink.MetricQRAccepted, Name: "tglink_qr_accepted_total", Help: "QR logins accepted by a scanning device."},
	{ID: tglink.MetricQRExpired, Name: "tglink_qr_expired_total", Help: "QR login tokens that expired unused."},
	{ID: tglink.MetricSessionCreated, Name: "tglink_session_created_total", Help: "Sessions created."},
	{ID: tglink.MetricSessionRevoked, Name: "tglink_session_revoked_total", Help: "Sessions revoked by operator request."},
	{ID: tglink.MetricSessionInvalidated, Name: "tglink_session_invalidated_total", Help: "Sessions invalidated by the engine."},
	{ID: tglink.MetricFloodWait, Name: "tglink_flood_wait_total", Help: "Upstream flood waits observed."},
	{ID: tglink.MetricInvokeSuccess, Name: "tglink_invoke_success_total", Help: "Successful authorized invokes."},
	{ID: tglink.MetricInvokeFailure, Name: "tglink_invoke_failure_total", Help: "Failed authorized invokes."},
	{ID: tglink.MetricEventsPublished, Name: "tglink_events_published_total", Help: "Status events published."},
}

var HistogramDefs = []HistogramDef{
	{ID: tglink.MetricInvokeLatency, Name: "tglink_invoke_latency_seconds", Help: "Authorized invoke latency histogram."},
}

var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed width.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the cumulative form both
// exporters expose.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
