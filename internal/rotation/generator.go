package rotation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/security"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

const (
	// webhookBodyLimit caps how much of a webhook response is accepted
	// as a secret value.
	webhookBodyLimit = 1 << 20
	webhookTimeout   = 10 * time.Second
)

// Generators produces new secret values from persisted generator specs.
type Generators struct {
	client *http.Client
}

// NewGenerators creates a generator set; client nil gets a dedicated
// HTTP client with a bounded timeout for webhooks.
func NewGenerators(client *http.Client) *Generators {
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	return &Generators{client: client}
}

// Generate runs one generator. The returned buffer is owned by the
// caller, which must zeroize it after use.
func (g *Generators) Generate(ctx context.Context, spec document.GeneratorSpec) ([]byte, error) {
	switch spec.Kind {
	case document.GenRandomBytes:
		b, err := security.RandomBytes(spec.Length)
		if err != nil {
			return nil, vaulterr.NewInternalError("random generator: " + err.Error())
		}
		return b, nil
	case document.GenRandomAlphanumeric:
		s, err := security.RandomAlphanumeric(spec.Length)
		if err != nil {
			return nil, vaulterr.NewInternalError("random generator: " + err.Error())
		}
		return []byte(s), nil
	case document.GenUUID:
		return []byte(uuid.NewString()), nil
	case document.GenWebhook:
		return g.webhook(ctx, spec.URL)
	default:
		return nil, fmt.Errorf("%w: unknown generator kind %q", vaulterr.ErrInvalidPolicy, spec.Kind)
	}
}

func (g *Generators) webhook(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: webhook request: %v", vaulterr.ErrInvalidPolicy, err)
	}
	req.Header.Set("Accept", "application/octet-stream")
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, vaulterr.NewIOError("webhook call", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, vaulterr.NewIOError("webhook call",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, webhookBodyLimit+1))
	if err != nil {
		return nil, vaulterr.NewIOError("webhook response", err)
	}
	if len(body) == 0 {
		return nil, vaulterr.NewIOError("webhook response", fmt.Errorf("empty body"))
	}
	if len(body) > webhookBodyLimit {
		return nil, vaulterr.NewIOError("webhook response", fmt.Errorf("body exceeds %d bytes", webhookBodyLimit))
	}
	return body, nil
}
