package config

// DefaultAddr is the default listen address for the relay.
const DefaultAddr = "0.0.0.0:8080"

const (
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "text"
	DefaultMaxTokens              = 10000
	DefaultTokenRequestsPerMinute = 60
	DefaultMessageRate            = 100
	DefaultMessageBurst           = 50
	DefaultSweepIntervalSeconds   = 60
	DefaultAuditRetentionDays     = 30
	DefaultNATSSubject            = "servermint.relay.events"
)

// Disabled turns off token_requests_per_minute, message_rate and
// audit_retention_days. Zero means "use the default" for those fields.
const Disabled = -1
