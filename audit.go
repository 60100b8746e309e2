package tmauth

import (
	"context"
	"io"
	"time"

	"github.com/indrasol/tmauth/internal/audit"
	"github.com/sirupsen/logrus"
)

// Audit event types emitted by the Client.
const (
	AuditSignUp             = "signup"
	AuditSignIn             = "signin"
	AuditOTPRequest         = "otp_request"
	AuditOTPVerify          = "otp_verify"
	AuditRecoveryRequest    = "recovery_request"
	AuditPasswordResetOTP   = "password_reset_otp"
	AuditPasswordResetToken = "password_reset_token"
	AuditPasswordChange     = "password_change"
	AuditCodeExchange       = "code_exchange"
	AuditSignOut            = "signout"
	AuditSessionExpired     = "session_expired"
	AuditIdentityChange     = "identity_change"
)

// AuditEvent is one workflow outcome. Token material never appears in events.
type AuditEvent = audit.Event

// AuditSink receives audit events on the dispatcher goroutine.
type AuditSink = audit.Sink

// NoOpSink drops every event.
type NoOpSink = audit.NoOpSink

// NewChannelSink returns a sink that buffers events in a channel.
func NewChannelSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink writing one JSON object per line.
func NewJSONWriterSink(w io.Writer) *audit.JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// NewLogrusSink returns a sink that logs every event through logger.
func NewLogrusSink(logger logrus.FieldLogger) *audit.LogrusSink {
	return audit.NewLogrusSink(logger)
}

func (c *Client) emitAudit(ctx context.Context, eventType string, success bool, userID, email string, err error, metadata func() map[string]string) {
	if c.audit == nil {
		return
	}
	ev := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		Email:     email,
		Success:   success,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if metadata != nil {
		ev.Metadata = metadata()
	}
	c.audit.Emit(ctx, ev)
}

// AuditDropped returns how many audit events were dropped under
// backpressure.
func (c *Client) AuditDropped() uint64 {
	return c.audit.Dropped()
}
