// Package app holds the flag and environment configuration shared by the
// earnings binaries and builds the engine's dependencies from it.
package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

type Options struct {
	Verbose     bool
	LogFormat   string
	Environment string
	SentryDSN   string

	PostgresURL      string
	PostgresHost     string
	PostgresPort     string
	PostgresDatabase string
	PostgresUsername string
	PostgresPassword string
	PostgresSSLMode  string
	PostgresMaxConns int32

	RedisURL string

	StripeSecretKey   string
	StripeCurrency    string
	StripeBackendURL  string
	StripeRPS         float64
	StripeMaxRetries  int64
	TransferTimeout   time.Duration
	AccountCacheTTL   time.Duration
	PayoutFeeRate     string
	PayoutFeeFixed    int64
	PlatformFeeRate   string
	ManagementFeeRate string

	SlackBotToken  string
	SlackChannelID string

	SendGridAPIKey string
	EmailFrom      string
	EmailFromName  string
	OpsEmail       string

	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string

	Neo4jURI       string
	Neo4jDatabase  string
	Neo4jUsername  string
	Neo4jPassword  string
	Neo4jAncestors bool

	DepthPolicy    string
	MaxConcurrency int
}

// Register adds the shared flags to fs.
func (o *Options) Register(fs *flag.FlagSet) {
	fs.BoolVar(&o.Verbose, "verbose", false, "enable verbose (debug) logging")
	fs.StringVar(&o.LogFormat, "log-format", "text", "log format: text or json (or set LOG_FORMAT env var)")
	fs.StringVar(&o.Environment, "environment", "development", "deployment environment (or set ENVIRONMENT env var)")
	fs.StringVar(&o.SentryDSN, "sentry-dsn", "", "Sentry DSN; empty disables error reporting (or set SENTRY_DSN env var)")

	fs.StringVar(&o.PostgresURL, "postgres-url", "", "PostgreSQL connection URL, overrides the discrete settings (or set POSTGRES_URL env var)")
	fs.StringVar(&o.PostgresHost, "postgres-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	fs.StringVar(&o.PostgresPort, "postgres-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	fs.StringVar(&o.PostgresDatabase, "postgres-database", "earnings", "PostgreSQL database (or set POSTGRES_DATABASE env var)")
	fs.StringVar(&o.PostgresUsername, "postgres-username", "earnings", "PostgreSQL username (or set POSTGRES_USERNAME env var)")
	fs.StringVar(&o.PostgresPassword, "postgres-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	fs.StringVar(&o.PostgresSSLMode, "postgres-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")
	fs.Int32Var(&o.PostgresMaxConns, "postgres-max-conns", 10, "maximum PostgreSQL connections")

	fs.StringVar(&o.RedisURL, "redis-url", "", "Redis URL for the run lock and account cache (or set REDIS_URL env var)")

	fs.StringVar(&o.StripeSecretKey, "stripe-secret-key", "", "Stripe secret key (or set STRIPE_SECRET_KEY env var)")
	fs.StringVar(&o.StripeCurrency, "stripe-currency", "usd", "payout currency")
	fs.StringVar(&o.StripeBackendURL, "stripe-backend-url", "", "override the Stripe API base URL (or set STRIPE_BACKEND_URL env var)")
	fs.Float64Var(&o.StripeRPS, "stripe-rps", 20, "maximum Stripe requests per second")
	fs.Int64Var(&o.StripeMaxRetries, "stripe-max-retries", 2, "Stripe client network retries")
	fs.DurationVar(&o.TransferTimeout, "transfer-timeout", 30*time.Second, "timeout for one transfer call")
	fs.DurationVar(&o.AccountCacheTTL, "account-cache-ttl", 10*time.Minute, "how long connected account statuses are cached")
	fs.StringVar(&o.PayoutFeeRate, "payout-fee-rate", "0.029", "payout processing fee rate")
	fs.Int64Var(&o.PayoutFeeFixed, "payout-fee-fixed", 30, "payout processing fixed fee in cents")
	fs.StringVar(&o.PlatformFeeRate, "platform-fee-rate", "0", "platform fee rate applied to accruals that request fees")
	fs.StringVar(&o.ManagementFeeRate, "management-fee-rate", "0", "management fee rate applied to accruals that request fees")

	fs.StringVar(&o.SlackBotToken, "slack-bot-token", "", "Slack bot token for payout notifications (or set SLACK_BOT_TOKEN env var)")
	fs.StringVar(&o.SlackChannelID, "slack-channel", "", "Slack channel for payout notifications (or set SLACK_CHANNEL_ID env var)")

	fs.StringVar(&o.SendGridAPIKey, "sendgrid-api-key", "", "SendGrid API key for creator emails (or set SENDGRID_API_KEY env var)")
	fs.StringVar(&o.EmailFrom, "email-from", "", "sender address for creator emails (or set EMAIL_FROM env var)")
	fs.StringVar(&o.EmailFromName, "email-from-name", "Creator Payouts", "sender name for creator emails")
	fs.StringVar(&o.OpsEmail, "ops-email", "", "address that receives scheduler run reports (or set OPS_EMAIL env var)")

	fs.StringVar(&o.S3Bucket, "s3-bucket", "", "bucket for scheduler run reports; empty disables archiving (or set S3_BUCKET env var)")
	fs.StringVar(&o.S3Prefix, "s3-prefix", "payout-runs", "key prefix for scheduler run reports")
	fs.StringVar(&o.S3Region, "s3-region", "", "AWS region (or set AWS_REGION env var)")
	fs.StringVar(&o.S3Endpoint, "s3-endpoint", "", "S3-compatible endpoint (or set S3_ENDPOINT env var)")

	fs.StringVar(&o.Neo4jURI, "neo4j-uri", "", "Neo4j URI for the referral graph mirror; empty disables it (or set NEO4J_URI env var)")
	fs.StringVar(&o.Neo4jDatabase, "neo4j-database", "neo4j", "Neo4j database (or set NEO4J_DATABASE env var)")
	fs.StringVar(&o.Neo4jUsername, "neo4j-username", "neo4j", "Neo4j username (or set NEO4J_USERNAME env var)")
	fs.StringVar(&o.Neo4jPassword, "neo4j-password", "", "Neo4j password (or set NEO4J_PASSWORD env var)")
	fs.BoolVar(&o.Neo4jAncestors, "neo4j-ancestors", false, "walk commission ancestors in Neo4j instead of PostgreSQL")

	fs.StringVar(&o.DepthPolicy, "depth-policy", "direct", "commission depth policy: direct, flat or geometric:<factor>")
	fs.IntVar(&o.MaxConcurrency, "max-concurrency", 8, "creators processed concurrently per scheduler run")
}

// LoadDotEnv loads a .env file from the working directory when one exists.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// ApplyEnv overrides options with environment variables that are set.
func (o *Options) ApplyEnv() error {
	strs := map[string]*string{
		"LOG_FORMAT":         &o.LogFormat,
		"ENVIRONMENT":        &o.Environment,
		"SENTRY_DSN":         &o.SentryDSN,
		"POSTGRES_URL":       &o.PostgresURL,
		"POSTGRES_HOST":      &o.PostgresHost,
		"POSTGRES_PORT":      &o.PostgresPort,
		"POSTGRES_DATABASE":  &o.PostgresDatabase,
		"POSTGRES_USERNAME":  &o.PostgresUsername,
		"POSTGRES_PASSWORD":  &o.PostgresPassword,
		"POSTGRES_SSLMODE":   &o.PostgresSSLMode,
		"REDIS_URL":          &o.RedisURL,
		"STRIPE_SECRET_KEY":  &o.StripeSecretKey,
		"STRIPE_BACKEND_URL": &o.StripeBackendURL,
		"SLACK_BOT_TOKEN":    &o.SlackBotToken,
		"SLACK_CHANNEL_ID":   &o.SlackChannelID,
		"SENDGRID_API_KEY":   &o.SendGridAPIKey,
		"EMAIL_FROM":         &o.EmailFrom,
		"OPS_EMAIL":          &o.OpsEmail,
		"S3_BUCKET":          &o.S3Bucket,
		"AWS_REGION":         &o.S3Region,
		"S3_ENDPOINT":        &o.S3Endpoint,
		"NEO4J_URI":          &o.Neo4jURI,
		"NEO4J_DATABASE":     &o.Neo4jDatabase,
		"NEO4J_USERNAME":     &o.Neo4jUsername,
		"NEO4J_PASSWORD":     &o.Neo4jPassword,
		"DEPTH_POLICY":       &o.DepthPolicy,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_CONCURRENCY %q: %w", v, err)
		}
		o.MaxConcurrency = n
	}
	if v := strings.ToLower(os.Getenv("NEO4J_ANCESTORS")); v != "" {
		o.Neo4jAncestors = v == "true" || v == "1"
	}
	return nil
}
