package awscreds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/voxlink/sonicbridge/internal/observe"
)

const (
	// refreshMargin is how long before expiry the next refresh fires.
	refreshMargin = 5 * time.Minute

	// minRefreshInterval floors the schedule so near-expired credentials do
	// not cause a hot refresh loop.
	minRefreshInterval = time.Minute

	// maxRefreshInterval caps the schedule for long-lived credentials.
	maxRefreshInterval = time.Hour

	// retryInterval is the delay after a failed fetch.
	retryInterval = 5 * time.Minute
)

// NextRefresh computes when the next refresh should run for credentials
// expiring at expiry: expiry − now − 5m, clamped to [1m, 1h].
func NextRefresh(expiry, now time.Time) time.Duration {
	d := expiry.Sub(now) - refreshMargin
	if d < minRefreshInterval {
		return minRefreshInterval
	}
	if d > maxRefreshInterval {
		return maxRefreshInterval
	}
	return d
}

// FetchFunc retrieves one set of temporary credentials.
type FetchFunc func(ctx context.Context) (aws.Credentials, error)

// Option configures a [Refresher].
type Option func(*Refresher)

// WithFetchFunc replaces the IMDS fetch. Primarily used in tests.
func WithFetchFunc(fetch FetchFunc) Option {
	return func(r *Refresher) { r.fetch = fetch }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Refresher) { r.metrics = m }
}

// Refresher is the process-wide credential refresh loop. At most one loop
// runs per Refresher: a second Start is a no-op.
type Refresher struct {
	provider *Provider
	fetch    FetchFunc
	metrics  *observe.Metrics
	started  atomic.Bool
	done     chan struct{}
}

// NewRefresher creates a Refresher publishing into provider. By default it
// fetches from the EC2 instance metadata service; the SDK's IMDS client
// negotiates IMDSv2 tokens and falls back to IMDSv1 when the token fetch
// fails.
func NewRefresher(provider *Provider, opts ...Option) *Refresher {
	r := &Refresher{
		provider: provider,
		fetch:    imdsFetch(imds.New(imds.Options{})),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Start launches the refresh loop. It reports whether this call started the
// loop; subsequent calls return false and do nothing. The loop exits cleanly
// when ctx is cancelled.
func (r *Refresher) Start(ctx context.Context) bool {
	if !r.started.CompareAndSwap(false, true) {
		return false
	}
	slog.Info("credential refresh task started")
	go r.loop(ctx)
	return true
}

// Done is closed when the refresh loop has exited.
func (r *Refresher) Done() <-chan struct{} { return r.done }

func (r *Refresher) loop(ctx context.Context) {
	defer close(r.done)

	for {
		creds, err := r.fetch(ctx)
		if ctx.Err() != nil {
			slog.Info("credential refresh task cancelled")
			return
		}

		var wait time.Duration
		if err != nil {
			slog.Error("failed to refresh credentials", "err", err)
			r.metrics.RecordCredentialRefresh(ctx, "error")
			wait = retryInterval
		} else {
			r.provider.Set(creds)
			exportEnv(creds)
			r.metrics.RecordCredentialRefresh(ctx, "ok")
			wait = NextRefresh(creds.Expires, time.Now())
			slog.Info("credentials refreshed",
				"source", creds.Source,
				"expires", creds.Expires,
				"next_refresh", wait,
			)
		}

		select {
		case <-ctx.Done():
			slog.Info("credential refresh task cancelled")
			return
		case <-time.After(wait):
		}
	}
}

// exportEnv publishes the credentials to the process environment so
// subprocesses and env-reading SDK chains observe the same identity the
// injected provider serves.
func exportEnv(creds aws.Credentials) {
	os.Setenv("AWS_ACCESS_KEY_ID", creds.AccessKeyID)
	os.Setenv("AWS_SECRET_ACCESS_KEY", creds.SecretAccessKey)
	os.Setenv("AWS_SESSION_TOKEN", creds.SessionToken)
}

// securityCredentials is the IMDS role credentials document.
type securityCredentials struct {
	AccessKeyID     string    `json:"AccessKeyId"`
	SecretAccessKey string    `json:"SecretAccessKey"`
	Token           string    `json:"Token"`
	Expiration      time.Time `json:"Expiration"`
}

// imdsFetch returns a FetchFunc reading the instance role's temporary
// credentials from the metadata service.
func imdsFetch(client *imds.Client) FetchFunc {
	const credsPath = "iam/security-credentials/"

	return func(ctx context.Context) (aws.Credentials, error) {
		role, err := readMetadata(ctx, client, credsPath)
		if err != nil {
			return aws.Credentials{}, fmt.Errorf("awscreds: list instance roles: %w", err)
		}
		// The listing is one role name per line; the first is the attached role.
		role = strings.TrimSpace(strings.SplitN(role, "\n", 2)[0])
		if role == "" {
			return aws.Credentials{}, fmt.Errorf("awscreds: no IAM role attached to instance")
		}

		doc, err := readMetadata(ctx, client, credsPath+role)
		if err != nil {
			return aws.Credentials{}, fmt.Errorf("awscreds: fetch credentials for role %q: %w", role, err)
		}

		var sc securityCredentials
		if err := json.Unmarshal([]byte(doc), &sc); err != nil {
			return aws.Credentials{}, fmt.Errorf("awscreds: decode credentials document: %w", err)
		}
		if sc.AccessKeyID == "" || sc.SecretAccessKey == "" {
			return aws.Credentials{}, fmt.Errorf("awscreds: credentials document missing key material")
		}

		return aws.Credentials{
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			SessionToken:    sc.Token,
			CanExpire:       true,
			Expires:         sc.Expiration,
			Source:          "ec2-imds",
		}, nil
	}
}

// readMetadata fetches one metadata path and returns the body as a string.
func readMetadata(ctx context.Context, client *imds.Client, path string) (string, error) {
	out, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", err
	}
	defer out.Content.Close()
	data, err := io.ReadAll(out.Content)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
