package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlt-dev/vlt/internal/audit"
	"github.com/vlt-dev/vlt/internal/document"
	"github.com/vlt-dev/vlt/internal/monitoring"
	"github.com/vlt-dev/vlt/internal/store"
	"github.com/vlt-dev/vlt/internal/token"
	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// stubValidator maps bearer strings to canned grants.
type stubValidator struct {
	grants map[string]*token.Grant
	err    error
}

func (v *stubValidator) Validate(bearer string, want token.Want) (*token.Grant, error) {
	if v.err != nil {
		return nil, v.err
	}
	g, ok := v.grants[bearer]
	if !ok {
		return nil, vaulterr.ErrBadSignature
	}
	return g, nil
}

// stubVault serves one secret and counts reveals.
type stubVault struct {
	mu        sync.Mutex
	reveals   int
	revealed  *store.Revealed
	revealErr error
	meta      *document.Secret
	// block holds RevealSecret open until closed, for coalescing tests.
	block chan struct{}
}

func (s *stubVault) RevealSecret(project, key string, version int) (*store.Revealed, error) {
	s.mu.Lock()
	s.reveals++
	s.mu.Unlock()
	if s.block != nil {
		<-s.block
	}
	if s.revealErr != nil {
		return nil, s.revealErr
	}
	cp := *s.revealed
	cp.Plaintext = append([]byte(nil), s.revealed.Plaintext...)
	return &cp, nil
}

func (s *stubVault) Describe(project, key string) (*document.Secret, error) {
	if s.meta == nil {
		return nil, vaulterr.NewNotFoundError("secret", key)
	}
	return s.meta, nil
}

func (s *stubVault) revealCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reveals
}

type stubRotator struct {
	result RotateResult
	err    error
	calls  int
}

func (r *stubRotator) RotateNow(ctx context.Context, project, key string) (RotateResult, error) {
	r.calls++
	return r.result, r.err
}

type auditSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *auditSink) Append(e audit.Entry) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return uint64(len(a.entries)), nil
}

func (a *auditSink) last() audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[len(a.entries)-1]
}

func (a *auditSink) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func grantFor(principal string, mfa bool) *token.Grant {
	return &token.Grant{
		Principal: principal,
		TokenID:   "tok-1",
		Scope: token.Scope{
			Project: "app",
			Keys:    []string{"API_KEY"},
			Actions: []string{token.ActionRead, token.ActionRotate},
		},
		MFA:       mfa,
		ExpiresAt: time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC),
	}
}

func testBroker(t *testing.T, vault *stubVault, rotator *stubRotator, limits Limits) (*Broker, *auditSink, *monitoring.InMemoryCollector) {
	t.Helper()
	validator := &stubValidator{grants: map[string]*token.Grant{
		"good": grantFor("ci-deploy", false),
		"mfa":  grantFor("ops", true),
	}}
	sink := &auditSink{}
	metrics := monitoring.NewInMemoryCollector()
	b, err := New(validator, vault, rotator, sink, nil, metrics, limits, nil, nil)
	require.NoError(t, err)
	return b, sink, metrics
}

func confidentialVault(value string) *stubVault {
	return &stubVault{
		revealed: &store.Revealed{
			Plaintext: []byte(value),
			Version:   2,
			State:     document.StateActive,
			Checksum:  "abc123",
		},
		meta: &document.Secret{Key: "API_KEY", Classification: document.ClassConfidential},
	}
}

func TestAccessReadHappyPath(t *testing.T) {
	vault := confidentialVault("s3cret")
	b, sink, metrics := testBroker(t, vault, nil, Limits{})

	resp, err := b.Access(context.Background(), "good", Request{
		Project: "app", Key: "API_KEY", Action: token.ActionRead,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Read)
	assert.Equal(t, []byte("s3cret"), resp.Read.Value)
	assert.Equal(t, 2, resp.Read.Version)
	assert.Equal(t, "abc123", resp.Read.Checksum)
	// Active version: the hint is the token expiry.
	assert.Equal(t, grantFor("ci-deploy", false).ExpiresAt, resp.Read.ExpiresHint)

	require.Equal(t, 1, sink.count())
	entry := sink.last()
	assert.Equal(t, "secret.accessed", entry.Kind)
	assert.Equal(t, audit.OutcomeSuccess, entry.Outcome)
	assert.Equal(t, "ci-deploy", entry.Principal)

	assert.Equal(t, int64(1), metrics.Counter(monitoring.MetricDecryptions, nil))
}

func TestAccessGraceHintWins(t *testing.T) {
	vault := confidentialVault("s3cret")
	graceEnd := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	vault.revealed.State = document.StateGrace
	vault.revealed.ExpiresHint = graceEnd
	b, _, _ := testBroker(t, vault, nil, Limits{})

	resp, err := b.Access(context.Background(), "good", Request{
		Project: "app", Key: "API_KEY", Action: token.ActionRead, Version: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, graceEnd, resp.Read.ExpiresHint)
}

func TestAccessRejectsBadToken(t *testing.T) {
	b, sink, _ := testBroker(t, confidentialVault("v"), nil, Limits{})

	_, err := b.Access(context.Background(), "forged", Request{
		Project: "app", Key: "API_KEY", Action: token.ActionRead,
	})
	assert.ErrorIs(t, err, vaulterr.ErrBadSignature)
	// The validator owns auditing token denials; the stub does not audit.
	assert.Zero(t, sink.count())
}

func TestAccessRestrictedRequiresMFA(t *testing.T) {
	vault := confidentialVault("v")
	vault.meta.Classification = document.ClassRestricted
	b, sink, _ := testBroker(t, vault, nil, Limits{})

	_, err := b.Access(context.Background(), "good", Request{
		Project: "app", Key: "API_KEY", Action: token.ActionRead,
	})
	assert.ErrorIs(t, err, vaulterr.ErrMFARequired)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, audit.OutcomeDenied, sink.last().Outcome)

	// The same read with an MFA-backed grant goes through.
	_, err = b.Access(context.Background(), "mfa", Request{
		Project: "app", Key: "API_KEY", Action: token.ActionRead,
	})
	assert.NoError(t, err)
}

func TestAccessRateLimit(t *testing.T) {
	vault := confidentialVault("v")
	b, sink, _ := testBroker(t, vault, nil, Limits{PerPrincipalRPS: 1, Burst: 2})

	ctx := context.Background()
	req := Request{Project: "app", Key: "API_KEY", Action: token.ActionRead}
	_, err := b.Access(ctx, "good", req)
	require.NoError(t, err)
	_, err = b.Access(ctx, "good", req)
	require.NoError(t, err)

	_, err = b.Access(ctx, "good", req)
	assert.ErrorIs(t, err, vaulterr.ErrRateLimited)
	assert.Equal(t, audit.OutcomeDenied, sink.last().Outcome)

	// A different principal has its own bucket.
	_, err = b.Access(ctx, "mfa", req)
	assert.NoError(t, err)
}

func TestAccessCoalescesConcurrentReads(t *testing.T) {
	vault := confidentialVault("shared")
	vault.block = make(chan struct{})
	b, sink, _ := testBroker(t, vault, nil, Limits{})

	const waiters = 8
	var wg sync.WaitGroup
	results := make([][]byte, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := b.Access(context.Background(), "good", Request{
				Project: "app", Key: "API_KEY", Action: token.ActionRead,
			})
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = resp.Read.Value
		}(i)
	}

	// Let every goroutine reach the flight before releasing the reveal.
	time.Sleep(50 * time.Millisecond)
	close(vault.block)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("shared"), results[i])
	}
	// One decryption served every waiter; each caller still audited.
	assert.Equal(t, 1, vault.revealCount())
	assert.Equal(t, waiters, sink.count())

	// Waiters own their buffers.
	results[0][0] = 'X'
	assert.Equal(t, []byte("shared"), results[1])
}

func TestAccessDeadlineExceeded(t *testing.T) {
	vault := confidentialVault("slow")
	vault.block = make(chan struct{})
	defer close(vault.block)
	b, sink, _ := testBroker(t, vault, nil, Limits{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Access(ctx, "good", Request{
		Project: "app", Key: "API_KEY", Action: token.ActionRead,
	})
	assert.ErrorIs(t, err, vaulterr.ErrDeadlineExceeded)
	assert.Equal(t, "secret.revealed_failed", sink.last().Kind)
}

func TestAccessReadFailureAudited(t *testing.T) {
	vault := confidentialVault("v")
	vault.revealErr = vaulterr.ErrNotDecryptable
	b, sink, _ := testBroker(t, vault, nil, Limits{})

	_, err := b.Access(context.Background(), "good", Request{
		Project: "app", Key: "API_KEY", Action: token.ActionRead, Version: 1,
	})
	assert.ErrorIs(t, err, vaulterr.ErrNotDecryptable)
	entry := sink.last()
	assert.Equal(t, "secret.revealed_failed", entry.Kind)
	assert.Equal(t, audit.OutcomeError, entry.Outcome)
}

func TestAccessRotate(t *testing.T) {
	vault := confidentialVault("v")
	retires := time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC)
	rotator := &stubRotator{result: RotateResult{NewVersion: 3, PreviousRetiresAt: retires}}
	b, sink, _ := testBroker(t, vault, rotator, Limits{})

	resp, err := b.Access(context.Background(), "good", Request{
		Project: "app", Key: "API_KEY", Action: token.ActionRotate,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Rotate)
	assert.Equal(t, 3, resp.Rotate.NewVersion)
	assert.Equal(t, retires, resp.Rotate.PreviousRetiresAt)
	assert.Equal(t, 1, rotator.calls)

	entry := sink.last()
	assert.Equal(t, "secret.rotated", entry.Kind)
	assert.Equal(t, 3, entry.Version)
}

func TestAccessRotateFailure(t *testing.T) {
	vault := confidentialVault("v")
	rotator := &stubRotator{err: vaulterr.ErrPaused}
	b, sink, _ := testBroker(t, vault, rotator, Limits{})

	_, err := b.Access(context.Background(), "good", Request{
		Project: "app", Key: "API_KEY", Action: token.ActionRotate,
	})
	assert.ErrorIs(t, err, vaulterr.ErrPaused)
	assert.Equal(t, audit.OutcomeError, sink.last().Outcome)
}

func TestAccessUnknownAction(t *testing.T) {
	b, _, _ := testBroker(t, confidentialVault("v"), nil, Limits{})
	_, err := b.Access(context.Background(), "good", Request{
		Project: "app", Key: "API_KEY", Action: "admin",
	})
	assert.ErrorIs(t, err, vaulterr.ErrMalformed)
}
