package registration

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workzone/hostgate/internal/core/domain"
	"github.com/workzone/hostgate/internal/shell/store"
	"github.com/workzone/hostgate/internal/shell/verifier"
	"github.com/workzone/hostgate/internal/shell/workers"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeVerifier struct {
	verify    func(d domain.Domain) domain.Result
	check     func(d domain.Domain) domain.Result
	err       error
	discarded []string
	calls     int
}

func (f *fakeVerifier) Verify(_ context.Context, d domain.Domain) (domain.Result, error) {
	f.calls++
	if f.err != nil {
		return domain.Result{}, f.err
	}
	return f.verify(d), nil
}

func (f *fakeVerifier) Check(_ context.Context, d domain.Domain) (domain.Result, error) {
	f.calls++
	if f.err != nil {
		return domain.Result{}, f.err
	}
	if f.check == nil {
		return domain.Rejected(d, verifier.ErrNoChallenge), nil
	}
	return f.check(d), nil
}

func (f *fakeVerifier) Discard(_ context.Context, d domain.Domain) error {
	f.discarded = append(f.discarded, d.String())
	return nil
}

type fakeRouter struct {
	mu         sync.Mutex
	registered []domain.Result
	removed    []string
	err        error
	unregErr   error
}

func (f *fakeRouter) Register(_ context.Context, r domain.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !r.IsVerified() {
		return domain.ErrNotVerified
	}
	f.registered = append(f.registered, r)
	return f.err
}

func (f *fakeRouter) Unregister(_ context.Context, d domain.Domain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, d.String())
	return f.unregErr
}

func (f *fakeRouter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registered)
}

type fakePoller struct {
	started   []domain.Challenge
	cancelled []string
	status    map[string]workers.PollStatus
}

func (f *fakePoller) Start(c domain.Challenge) error {
	f.started = append(f.started, c)
	return nil
}

func (f *fakePoller) Status(name string) (workers.PollStatus, bool) {
	s, ok := f.status[name]
	return s, ok
}

func (f *fakePoller) Cancel(name string) bool {
	f.cancelled = append(f.cancelled, name)
	return true
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func verifiedAs(s domain.Strategy) func(domain.Domain) domain.Result {
	return func(d domain.Domain) domain.Result { return domain.Verified(d, s) }
}

func pendingChallenge(d domain.Domain) domain.Result {
	return domain.Pending(d, domain.NewChallenge(d, "tok123", "_verify."+d.Base(), time.Now(), 10*time.Minute))
}

// =============================================================================
// Register
// =============================================================================

func TestRegister_InvalidFormat_NoCalls(t *testing.T) {
	v := &fakeVerifier{verify: verifiedAs(domain.StrategyTrustedSuffix)}
	r := &fakeRouter{}
	o := New(v, r, &fakePoller{}, newTestStore(t), nil)

	for _, raw := range []string{"", "bad domain", "exa_mple.com", "foo..bar", "a.*.com"} {
		out, err := o.Register(context.Background(), raw)
		assert.ErrorIs(t, err, domain.ErrInvalidFormat, raw)
		assert.Equal(t, StatusFailed, out.Status)
		assert.NotEmpty(t, out.Reason)
	}
	assert.Zero(t, v.calls)
	assert.Zero(t, r.count())
}

func TestRegister_TrustedSuffix(t *testing.T) {
	s := newTestStore(t)
	r := &fakeRouter{}
	p := &fakePoller{}
	o := New(&fakeVerifier{verify: verifiedAs(domain.StrategyTrustedSuffix)}, r, p, s, nil)

	out, err := o.Register(context.Background(), "  App.Workzone.Tech ")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Status: StatusOK, Method: "subdomain", Domain: "app.workzone.tech"}, out)

	require.Equal(t, 1, r.count())
	assert.Equal(t, "app.workzone.tech", r.registered[0].Domain.String())
	assert.Equal(t, []string{"app.workzone.tech"}, p.cancelled)

	reg, err := s.GetRegistration(context.Background(), "app.workzone.tech")
	require.NoError(t, err)
	assert.Equal(t, domain.RegistrationRouted, reg.Status)
	assert.Equal(t, domain.StrategyTrustedSuffix, reg.Strategy)
}

func TestRegister_AutomaticResolution(t *testing.T) {
	o := New(&fakeVerifier{verify: verifiedAs(domain.StrategyAutomaticResolution)}, &fakeRouter{}, nil, newTestStore(t), nil)

	out, err := o.Register(context.Background(), "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, "a_record", out.Method)
}

func TestRegister_Pending_StartsPoll(t *testing.T) {
	r := &fakeRouter{}
	p := &fakePoller{}
	o := New(&fakeVerifier{verify: pendingChallenge}, r, p, newTestStore(t), nil)

	out, err := o.Register(context.Background(), "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.Status)
	require.NotNil(t, out.Verification)
	assert.Equal(t, "txt", out.Verification.Type)
	assert.Equal(t, "_verify.shop.example.com", out.Verification.Name)
	assert.Equal(t, "tok123", out.Verification.Value)
	assert.Contains(t, out.Verification.Note, "tok123")

	require.Len(t, p.started, 1)
	assert.Equal(t, "shop.example.com", p.started[0].Domain)
	assert.Zero(t, r.count())
}

func TestRegister_ProxyErrorSurfaces(t *testing.T) {
	s := newTestStore(t)
	proxyErr := errors.New("proxy said no")
	o := New(&fakeVerifier{verify: verifiedAs(domain.StrategyTrustedSuffix)}, &fakeRouter{err: proxyErr}, nil, s, nil)

	out, err := o.Register(context.Background(), "app.workzone.tech")
	assert.ErrorIs(t, err, proxyErr)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "proxy said no", out.Reason)

	reg, err := s.GetRegistration(context.Background(), "app.workzone.tech")
	require.NoError(t, err)
	assert.Equal(t, domain.RegistrationRouteFailed, reg.Status)
	assert.Equal(t, "proxy said no", reg.LastError)
}

func TestRegister_VerifierError(t *testing.T) {
	r := &fakeRouter{}
	o := New(&fakeVerifier{err: errors.New("store down")}, r, nil, newTestStore(t), nil)

	_, err := o.Register(context.Background(), "shop.example.com")
	assert.Error(t, err)
	assert.Zero(t, r.count())
}

func TestRegister_AlreadyVerified_ReappliesRoute(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	resolver := &txtResolver{txt: map[string][]string{}}
	engine, err := verifier.NewEngine(verifier.Config{TrustedSuffix: "workzone.tech"}, resolver, s, nil, nil)
	require.NoError(t, err)

	r := &fakeRouter{}
	p := &fakePoller{}
	o := New(engine, r, p, s, nil)

	out, err := o.Register(ctx, "shop.example.com")
	require.NoError(t, err)
	require.Equal(t, StatusPending, out.Status)
	resolver.publish(out.Verification.Name, out.Verification.Value)

	out, err = o.Status(ctx, "shop.example.com")
	require.NoError(t, err)
	require.Equal(t, StatusOK, out.Status)

	// The TXT record is typically removed once the domain is live.
	resolver.mu.Lock()
	delete(resolver.txt, "_verify.shop.example.com")
	resolver.mu.Unlock()

	for i := 0; i < 2; i++ {
		out, err = o.Register(ctx, "Shop.Example.com")
		require.NoError(t, err)
		assert.Equal(t, Outcome{Status: StatusOK, Method: "txt", Domain: "shop.example.com"}, out)
	}

	challenges, err := s.ListChallenges(ctx)
	require.NoError(t, err)
	assert.Empty(t, challenges)
	assert.Len(t, p.started, 1)
	assert.Equal(t, 3, r.count())

	out, err = o.Status(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, "txt", out.Method)
}

func TestRegister_RouteFailedRecord_RetriesRoute(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	d, _ := domain.ParseDomain("shop.example.com")
	reg := domain.NewRegistration(domain.Verified(d, domain.StrategyManualChallenge), errors.New("502 from proxy"), time.Now())
	require.NoError(t, s.UpsertRegistration(ctx, &reg))

	v := &fakeVerifier{verify: pendingChallenge}
	r := &fakeRouter{}
	o := New(v, r, &fakePoller{}, s, nil)

	out, err := o.Register(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Status: StatusOK, Method: "txt", Domain: "shop.example.com"}, out)
	assert.Zero(t, v.calls)
	assert.Equal(t, []string{"shop.example.com"}, v.discarded)

	got, err := s.GetRegistration(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.RegistrationRouted, got.Status)
	assert.Empty(t, got.LastError)
}

// =============================================================================
// Status
// =============================================================================

func TestStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown", func(t *testing.T) {
		o := New(&fakeVerifier{}, &fakeRouter{}, &fakePoller{}, newTestStore(t), nil)
		_, err := o.Status(ctx, "shop.example.com")
		assert.ErrorIs(t, err, ErrUnknownDomain)
	})

	t.Run("pending", func(t *testing.T) {
		o := New(&fakeVerifier{check: pendingChallenge}, &fakeRouter{}, &fakePoller{}, newTestStore(t), nil)
		out, err := o.Status(ctx, "shop.example.com")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, out.Status)
		assert.NotNil(t, out.Verification)
	})

	t.Run("verified on check routes once", func(t *testing.T) {
		r := &fakeRouter{}
		p := &fakePoller{}
		o := New(&fakeVerifier{check: verifiedAs(domain.StrategyManualChallenge)}, r, p, newTestStore(t), nil)
		out, err := o.Status(ctx, "shop.example.com")
		require.NoError(t, err)
		assert.Equal(t, Outcome{Status: StatusOK, Method: "txt", Domain: "shop.example.com"}, out)
		assert.Equal(t, 1, r.count())
		assert.Equal(t, []string{"shop.example.com"}, p.cancelled)
	})

	t.Run("expired on check", func(t *testing.T) {
		r := &fakeRouter{}
		check := func(d domain.Domain) domain.Result { return domain.Rejected(d, domain.ErrChallengeExpired) }
		o := New(&fakeVerifier{check: check}, r, &fakePoller{}, newTestStore(t), nil)
		out, err := o.Status(ctx, "shop.example.com")
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, out.Status)
		assert.Zero(t, r.count())
	})

	t.Run("expired by poller", func(t *testing.T) {
		p := &fakePoller{status: map[string]workers.PollStatus{
			"shop.example.com": {Domain: "shop.example.com", State: workers.PollExpired},
		}}
		o := New(&fakeVerifier{}, &fakeRouter{}, p, newTestStore(t), nil)
		out, err := o.Status(ctx, "shop.example.com")
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, out.Status)
	})

	t.Run("registered", func(t *testing.T) {
		s := newTestStore(t)
		d, _ := domain.ParseDomain("shop.example.com")
		reg := domain.NewRegistration(domain.Verified(d, domain.StrategyAutomaticResolution), nil, time.Now())
		require.NoError(t, s.UpsertRegistration(ctx, &reg))

		o := New(&fakeVerifier{}, &fakeRouter{}, nil, s, nil)
		out, err := o.Status(ctx, "shop.example.com")
		require.NoError(t, err)
		assert.Equal(t, Outcome{Status: StatusOK, Method: "a_record", Domain: "shop.example.com"}, out)
	})

	t.Run("route failed", func(t *testing.T) {
		s := newTestStore(t)
		d, _ := domain.ParseDomain("shop.example.com")
		reg := domain.NewRegistration(domain.Verified(d, domain.StrategyManualChallenge), errors.New("502 from proxy"), time.Now())
		require.NoError(t, s.UpsertRegistration(ctx, &reg))

		o := New(&fakeVerifier{}, &fakeRouter{}, nil, s, nil)
		out, err := o.Status(ctx, "shop.example.com")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, out.Status)
		assert.Equal(t, "502 from proxy", out.Reason)
	})
}

// =============================================================================
// Cancel / Remove / List
// =============================================================================

func TestCancel(t *testing.T) {
	v := &fakeVerifier{}
	p := &fakePoller{}
	o := New(v, &fakeRouter{}, p, newTestStore(t), nil)

	require.NoError(t, o.Cancel(context.Background(), "Shop.Example.com"))
	assert.Equal(t, []string{"shop.example.com"}, p.cancelled)
	assert.Equal(t, []string{"shop.example.com"}, v.discarded)

	assert.ErrorIs(t, o.Cancel(context.Background(), "bad domain"), domain.ErrInvalidFormat)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := &fakeRouter{}
	o := New(&fakeVerifier{verify: verifiedAs(domain.StrategyTrustedSuffix)}, r, nil, s, nil)

	_, err := o.Register(ctx, "app.workzone.tech")
	require.NoError(t, err)

	require.NoError(t, o.Remove(ctx, "app.workzone.tech"))
	assert.Equal(t, []string{"app.workzone.tech"}, r.removed)

	_, err = s.GetRegistration(ctx, "app.workzone.tech")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Removing an unknown domain is not an error.
	require.NoError(t, o.Remove(ctx, "app.workzone.tech"))
}

func TestRemove_ProxyErrorKeepsRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := &fakeRouter{}
	o := New(&fakeVerifier{verify: verifiedAs(domain.StrategyTrustedSuffix)}, r, nil, s, nil)

	_, err := o.Register(ctx, "app.workzone.tech")
	require.NoError(t, err)

	r.unregErr = errors.New("admin api unreachable")
	assert.Error(t, o.Remove(ctx, "app.workzone.tech"))

	_, err = s.GetRegistration(ctx, "app.workzone.tech")
	assert.NoError(t, err)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	o := New(&fakeVerifier{verify: verifiedAs(domain.StrategyTrustedSuffix)}, &fakeRouter{}, nil, newTestStore(t), nil)

	for _, raw := range []string{"a.workzone.tech", "b.workzone.tech"} {
		_, err := o.Register(ctx, raw)
		require.NoError(t, err)
	}

	regs, err := o.List(ctx, store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, regs, 2)
}

// =============================================================================
// End to End: engine, poller and orchestrator
// =============================================================================

type txtResolver struct {
	mu  sync.Mutex
	txt map[string][]string
}

func (r *txtResolver) ResolveAddressChain(context.Context, string) []netip.Addr { return nil }

func (r *txtResolver) LookupTXT(_ context.Context, fqdn string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txt[fqdn]
}

func (r *txtResolver) publish(fqdn, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txt[fqdn] = append(r.txt[fqdn], value)
}

func TestBackgroundVerification_RoutesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	resolver := &txtResolver{txt: map[string][]string{}}

	engine, err := verifier.NewEngine(verifier.Config{
		TrustedSuffix: "workzone.tech",
		ServerIP:      "13.49.221.83",
	}, resolver, s, nil, nil)
	require.NoError(t, err)

	r := &fakeRouter{}
	poller := workers.NewChallengePoller(engine, nil, workers.ChallengePollerConfig{Interval: 10 * time.Millisecond}, nil)
	defer poller.Stop()

	o := New(engine, r, poller, s, nil)
	poller.SetVerifiedFunc(o.OnVerified)

	out, err := o.Register(ctx, "shop.example.com")
	require.NoError(t, err)
	require.Equal(t, StatusPending, out.Status)

	resolver.publish(out.Verification.Name, "v="+out.Verification.Value)

	require.Eventually(t, func() bool {
		out, err := o.Status(ctx, "shop.example.com")
		return err == nil && out.Status == StatusOK
	}, 2*time.Second, 5*time.Millisecond)

	out, err = o.Status(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Status: StatusOK, Method: "txt", Domain: "shop.example.com"}, out)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, r.count())
}
