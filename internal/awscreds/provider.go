// Package awscreds keeps the process's AWS credentials fresh when running on
// EC2 without ambient static credentials. A background [Refresher] fetches
// temporary role credentials from the instance metadata service and publishes
// them through a mutable [Provider] that the Bedrock client reads on every
// request. Expiry-aware scheduling keeps the refresh one step ahead of the
// credentials' lifetime.
package awscreds

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// ErrNoCredentials is returned by [Provider.Retrieve] before the first
// successful refresh.
var ErrNoCredentials = errors.New("awscreds: no credentials available yet")

// Provider is a mutable [aws.CredentialsProvider]. The refresher swaps the
// held credentials in place so every SDK request sees the newest set without
// rebuilding clients. Safe for concurrent use.
type Provider struct {
	mu    sync.RWMutex
	creds aws.Credentials
	has   bool
}

// Compile-time assertion that Provider satisfies the SDK interface.
var _ aws.CredentialsProvider = (*Provider)(nil)

// Retrieve implements [aws.CredentialsProvider].
func (p *Provider) Retrieve(_ context.Context) (aws.Credentials, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.has {
		return aws.Credentials{}, ErrNoCredentials
	}
	return p.creds, nil
}

// Set replaces the held credentials.
func (p *Provider) Set(creds aws.Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds = creds
	p.has = true
}

// Has reports whether at least one set of credentials has been published.
func (p *Provider) Has() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.has
}

// HasStaticCredentials reports whether ambient static credentials are present
// in the environment. When they are, the refresher is unnecessary: the SDK
// default chain picks them up directly.
func HasStaticCredentials() bool {
	return os.Getenv("AWS_ACCESS_KEY_ID") != "" && os.Getenv("AWS_SECRET_ACCESS_KEY") != ""
}
