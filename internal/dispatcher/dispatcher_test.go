package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hookrelay/internal/apperrors"
	"hookrelay/internal/delivery"
	"hookrelay/internal/event"
	"hookrelay/internal/matcher"
	"hookrelay/internal/registry"
	"hookrelay/internal/subscription"
	"hookrelay/internal/testutil"
	"hookrelay/pkg/backoff"
	"hookrelay/pkg/signature"
	"hookrelay/pkg/webhook"
)

type memSource struct {
	err error
}

func (m *memSource) ActiveSubscriptions(context.Context, string) ([]*subscription.Subscription, error) {
	return nil, m.err
}

func (m *memSource) ResolveSecret(context.Context, string) ([]byte, error) {
	return nil, registry.ErrSecretNotFound
}

type recorder struct {
	mu     sync.Mutex
	errors map[string]string
	err    error
}

func (r *recorder) RecordDeliveryFailure(_ context.Context, id, errText string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errors == nil {
		r.errors = map[string]string{}
	}
	r.errors[id] = errText
	return r.err
}

func (r *recorder) ClearDeliveryError(context.Context, string, time.Time) error { return nil }

func (r *recorder) get(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.errors[id]
	return v, ok
}

type harness struct {
	d   *Dispatcher
	rec *recorder
}

func fastDelivery() delivery.Config {
	return delivery.Config{
		MaxAttempts:    3,
		AttemptTimeout: 2 * time.Second,
		Backoff:        backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	}
}

func newHarness(t *testing.T, cfg Config, dcfg delivery.Config) *harness {
	t.Helper()
	rec := &recorder{}
	reg := registry.New(&memSource{})
	d := New(cfg, reg, delivery.NewExecutor(dcfg, nil, rec), nil)
	for _, h := range event.Builtin() {
		d.RegisterHandler(h)
	}
	if err := d.LoadAllRegistries(context.Background()); err != nil {
		t.Fatalf("LoadAllRegistries() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return &harness{d: d, rec: rec}
}

func newSub(id, eventType, url string, conds matcher.Conditions) *subscription.Subscription {
	return &subscription.Subscription{
		ID:         id,
		OwnerID:    "owner",
		EventType:  eventType,
		URL:        url,
		Secret:     []byte("secret-" + id),
		Conditions: conds,
		Enabled:    true,
	}
}

type capture struct {
	header http.Header
	body   []byte
}

func captureServer(t *testing.T, status int) (*httptest.Server, chan capture) {
	t.Helper()
	ch := make(chan capture, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- capture{header: r.Header.Clone(), body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func alert(pm25 any) map[string]any {
	return map[string]any{"sensor_id": "s-1", "pm2_5": pm25}
}

func TestDispatch_AlertThresholdEndToEnd(t *testing.T) {
	t.Parallel()
	srv, reqs := captureServer(t, http.StatusOK)
	h := newHarness(t, Config{Workers: 1, BufferSize: 10}, fastDelivery())

	var cond matcher.Range
	if err := json.Unmarshal([]byte(`[null, 50]`), &cond); err != nil {
		t.Fatalf("decode range: %v", err)
	}
	h.d.AddToRegistry(newSub("s1", event.TypeAlertTriggered, srv.URL, matcher.Conditions{"pm2_5": cond}))

	ctx := context.Background()
	if err := h.d.DispatchWait(ctx, event.TypeAlertTriggered, alert(75)); err != nil {
		t.Fatalf("DispatchWait(75) error = %v", err)
	}
	select {
	case <-reqs:
		t.Fatal("pm2_5=75 must not be delivered")
	default:
	}

	if err := h.d.DispatchWait(ctx, event.TypeAlertTriggered, alert(30)); err != nil {
		t.Fatalf("DispatchWait(30) error = %v", err)
	}
	select {
	case req := <-reqs:
		if !signature.Verify(req.body, []byte("secret-s1"), req.header.Get(signature.HeaderName)) {
			t.Error("delivery signature does not verify")
		}
		if req.header.Get(webhook.HeaderEvent) != event.TypeAlertTriggered {
			t.Errorf("event header = %q", req.header.Get(webhook.HeaderEvent))
		}
		if string(req.body) != `{"pm2_5":30,"sensor_id":"s-1"}` {
			t.Errorf("body = %s", req.body)
		}
	default:
		t.Fatal("pm2_5=30 should be delivered")
	}
	select {
	case <-reqs:
		t.Error("expected exactly one delivery")
	default:
	}
}

func TestDispatch_AsyncDelivers(t *testing.T) {
	t.Parallel()
	srv, reqs := captureServer(t, http.StatusOK)
	h := newHarness(t, Config{Workers: 2, BufferSize: 10}, fastDelivery())
	h.d.AddToRegistry(newSub("s1", event.TypeSensorCreated, srv.URL, nil))

	payload := json.RawMessage(`{"sensor_id":"s-9","owner_id":"u-1","name":"roof"}`)
	if err := h.d.Dispatch(context.Background(), event.TypeSensorCreated, payload); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return h.d.Stats().Delivered == 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(10*time.Millisecond))

	req := <-reqs
	if string(req.body) != `{"name":"roof","owner_id":"u-1","sensor_id":"s-9"}` {
		t.Errorf("body = %s", req.body)
	}
}

func TestDispatch_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var slowCalls atomic.Int32
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slowCalls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })
	fast, reqs := captureServer(t, http.StatusOK)

	dcfg := fastDelivery()
	dcfg.MaxAttempts = 1
	dcfg.AttemptTimeout = 100 * time.Millisecond
	h := newHarness(t, Config{Workers: 2, BufferSize: 10}, dcfg)
	h.d.AddToRegistry(newSub("a-slow", event.TypeAlertTriggered, slow.URL, matcher.Conditions{"pm2_5": matcher.Between(nil, matcher.Int(50))}))
	h.d.AddToRegistry(newSub("b-fast", event.TypeAlertTriggered, fast.URL, matcher.Conditions{"pm2_5": matcher.Between(nil, matcher.Int(60))}))

	if err := h.d.DispatchWait(context.Background(), event.TypeAlertTriggered, alert(30)); err != nil {
		t.Fatalf("DispatchWait() error = %v", err)
	}

	if slowCalls.Load() != 1 {
		t.Errorf("slow subscriber attempts = %d, want 1", slowCalls.Load())
	}
	select {
	case <-reqs:
	default:
		t.Error("fast subscriber was not delivered")
	}
	if _, ok := h.rec.get("a-slow"); !ok {
		t.Error("timed out delivery should be recorded")
	}
	if _, ok := h.rec.get("b-fast"); ok {
		t.Error("successful delivery must not be recorded")
	}
}

func TestDispatch_UnknownAndInvalidAreNoops(t *testing.T) {
	t.Parallel()
	srv, reqs := captureServer(t, http.StatusOK)
	h := newHarness(t, Config{Workers: 1, BufferSize: 10}, fastDelivery())
	h.d.AddToRegistry(newSub("w", subscription.Wildcard, srv.URL, nil))

	ctx := context.Background()
	if err := h.d.Dispatch(ctx, "no_such_type", map[string]any{"x": 1}); err != nil {
		t.Errorf("unknown type should be a no-op, got %v", err)
	}
	if err := h.d.Dispatch(ctx, event.TypeSensorCreated, map[string]any{"sensor_id": 42}); err != nil {
		t.Errorf("invalid payload should be dropped silently, got %v", err)
	}
	if err := h.d.Dispatch(ctx, event.TypeSensorCreated, []byte(`not json`)); err != nil {
		t.Errorf("malformed payload should be dropped silently, got %v", err)
	}

	st := h.d.Stats()
	if st.Invalid != 2 || st.Queued != 0 {
		t.Errorf("stats = %+v, want 2 invalid and nothing queued", st)
	}
	select {
	case <-reqs:
		t.Error("nothing should be delivered")
	default:
	}
}

func TestDispatch_WildcardAndOptionalConditions(t *testing.T) {
	t.Parallel()
	srv, reqs := captureServer(t, http.StatusOK)
	h := newHarness(t, Config{Workers: 1, BufferSize: 10}, fastDelivery())

	h.d.AddToRegistry(newSub("all", subscription.Wildcard, srv.URL, nil))
	h.d.AddToRegistry(newSub("low-battery", event.TypeSensorStatusChanged, srv.URL,
		matcher.Conditions{"battery_level": matcher.Between(nil, matcher.Int(20))}))

	ctx := context.Background()
	status := map[string]any{"sensor_id": "s-1", "status": "offline", "battery_level": 80}
	if err := h.d.DispatchWait(ctx, event.TypeSensorStatusChanged, status); err != nil {
		t.Fatalf("DispatchWait() error = %v", err)
	}
	if got := len(reqs); got != 1 {
		t.Errorf("battery 80: deliveries = %d, want 1 (wildcard only)", got)
	}
	drain(reqs)

	status["battery_level"] = 10
	if err := h.d.DispatchWait(ctx, event.TypeSensorStatusChanged, status); err != nil {
		t.Fatalf("DispatchWait() error = %v", err)
	}
	if got := len(reqs); got != 2 {
		t.Errorf("battery 10: deliveries = %d, want 2", got)
	}
	drain(reqs)

	// Conditional types never deliver to an unconditioned wildcard.
	if err := h.d.DispatchWait(ctx, event.TypeAlertTriggered, alert(10)); err != nil {
		t.Fatalf("DispatchWait() error = %v", err)
	}
	if got := len(reqs); got != 0 {
		t.Errorf("alert: deliveries = %d, want 0", got)
	}
}

func drain(ch chan capture) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func TestDispatch_OrderFollowsRegistry(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		order []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.Header.Get("X-Sub"))
		mu.Unlock()
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, Config{Workers: 1, BufferSize: 10}, fastDelivery())
	for _, tc := range []struct {
		id string
		lo int64
	}{{"c", 30}, {"a", 10}, {"b", 20}} {
		s := newSub(tc.id, event.TypeAlertTriggered, srv.URL,
			matcher.Conditions{"pm2_5": matcher.Between(matcher.Int(tc.lo), nil)})
		s.Headers = map[string]string{"X-Sub": tc.id}
		h.d.AddToRegistry(s)
	}

	if err := h.d.Dispatch(context.Background(), event.TypeAlertTriggered, alert(99)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	testutil.MustWaitFor(t, func() bool {
		return h.d.Stats().Delivered == 3
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(10*time.Millisecond))

	mu.Lock()
	defer mu.Unlock()
	if got := strings.Join(order, ","); got != "a,b,c" {
		t.Errorf("delivery order = %s, want a,b,c", got)
	}
}

func TestDispatch_BufferFullReturnsWebhookError(t *testing.T) {
	t.Parallel()
	// Registered first so the blocked handler is released before Close runs.
	h := newHarness(t, Config{Workers: 1, BufferSize: 1}, fastDelivery())
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	for _, id := range []string{"a", "b", "c", "d"} {
		h.d.AddToRegistry(newSub(id, event.TypeSensorCreated, srv.URL, nil))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := h.d.Dispatch(ctx, event.TypeSensorCreated, map[string]any{"sensor_id": "s", "owner_id": "o"})

	if !errors.Is(err, ErrBufferFull) || !apperrors.IsWebhook(err) {
		t.Fatalf("Dispatch() error = %v, want webhook-tagged ErrBufferFull", err)
	}
	if st := h.d.Stats(); st.Dropped == 0 {
		t.Errorf("expected dropped deliveries, stats = %+v", st)
	}
}

func TestDispatch_ClosedDispatcher(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1, BufferSize: 1}, fastDelivery())
	if err := h.d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	err := h.d.Dispatch(context.Background(), event.TypeSensorCreated, map[string]any{"sensor_id": "s", "owner_id": "o"})
	if !errors.Is(err, ErrClosed) || !apperrors.IsWebhook(err) {
		t.Errorf("Dispatch() after Close = %v, want webhook-tagged ErrClosed", err)
	}
	if err := h.d.Close(context.Background()); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestDispatch_CircuitOpenFailsFast(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	dcfg := fastDelivery()
	dcfg.MaxAttempts = 1
	h := newHarness(t, Config{Workers: 1, BufferSize: 10, BreakerThreshold: 1, BreakerCooldown: time.Minute}, dcfg)
	h.d.AddToRegistry(newSub("s1", event.TypeSensorCreated, srv.URL, nil))

	payload := map[string]any{"sensor_id": "s", "owner_id": "o"}
	ctx := context.Background()
	_ = h.d.DispatchWait(ctx, event.TypeSensorCreated, payload)
	_ = h.d.DispatchWait(ctx, event.TypeSensorCreated, payload)

	if calls.Load() != 1 {
		t.Errorf("HTTP calls = %d, want 1", calls.Load())
	}
	if got, _ := h.rec.get("s1"); got != ErrCircuitOpen.Error() {
		t.Errorf("recorded error = %q, want %q", got, ErrCircuitOpen.Error())
	}
	st := h.d.Stats()
	if st.BreakersOpen != 1 || len(st.OpenCircuits) != 1 {
		t.Errorf("stats = %+v, want one open circuit", st)
	}
}

func TestDispatch_RequeuesUntilCircuitRecovers(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	dcfg := fastDelivery()
	dcfg.MaxAttempts = 1
	h := newHarness(t, Config{Workers: 1, BufferSize: 10, BreakerThreshold: 1, BreakerCooldown: 50 * time.Millisecond}, dcfg)
	h.d.AddToRegistry(newSub("s1", event.TypeSensorCreated, srv.URL, nil))

	payload := map[string]any{"sensor_id": "s", "owner_id": "o"}
	ctx := context.Background()
	if err := h.d.Dispatch(ctx, event.TypeSensorCreated, payload); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	testutil.MustWaitFor(t, func() bool { return h.d.Stats().Failed == 1 },
		testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	if err := h.d.Dispatch(ctx, event.TypeSensorCreated, payload); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	testutil.MustWaitFor(t, func() bool { return h.d.Stats().Delivered == 1 },
		testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	if st := h.d.Stats(); st.Requeued < 1 {
		t.Errorf("expected the second delivery to be requeued, stats = %+v", st)
	}
}

func TestDispatch_StorageErrorsReachOnError(t *testing.T) {
	t.Parallel()
	srv, _ := captureServer(t, http.StatusNotFound)

	errCh := make(chan error, 1)
	rec := &recorder{err: errors.New("db unavailable")}
	reg := registry.New(&memSource{})
	d := New(Config{Workers: 1, BufferSize: 4, OnError: func(err error) { errCh <- err }},
		reg, delivery.NewExecutor(fastDelivery(), nil, rec), nil)
	defer d.Close(context.Background())
	d.RegisterHandler(&event.SchemaHandler{Type: "ping"})
	if err := d.LoadAllRegistries(context.Background()); err != nil {
		t.Fatalf("LoadAllRegistries() error = %v", err)
	}
	d.AddToRegistry(newSub("s1", "ping", srv.URL, nil))

	if err := d.Dispatch(context.Background(), "ping", map[string]any{}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	select {
	case err := <-errCh:
		if !apperrors.IsWebhook(err) {
			t.Errorf("OnError got %v, want webhook-tagged error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnError was not called")
	}

	// The synchronous path returns the same errors to the caller.
	err := d.DispatchWait(context.Background(), "ping", map[string]any{})
	if !apperrors.IsWebhook(err) || !strings.Contains(err.Error(), "db unavailable") {
		t.Errorf("DispatchWait() error = %v", err)
	}
}

func TestClose_DrainsQueue(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		calls.Add(1)
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, Config{Workers: 1, BufferSize: 10}, fastDelivery())
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		h.d.AddToRegistry(newSub(id, event.TypeSensorCreated, srv.URL, nil))
	}
	if err := h.d.Dispatch(context.Background(), event.TypeSensorCreated, map[string]any{"sensor_id": "s", "owner_id": "o"}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.d.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if calls.Load() != 5 {
		t.Errorf("delivered %d of 5 queued jobs", calls.Load())
	}
}

func TestClose_TimeoutAbandonsInFlight(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	dcfg := fastDelivery()
	dcfg.AttemptTimeout = time.Minute
	h := newHarness(t, Config{Workers: 1, BufferSize: 10}, dcfg)
	h.d.AddToRegistry(newSub("s1", event.TypeSensorCreated, srv.URL, nil))
	h.d.AddToRegistry(newSub("s2", event.TypeSensorCreated, srv.URL, nil))

	if err := h.d.Dispatch(context.Background(), event.TypeSensorCreated, map[string]any{"sensor_id": "s", "owner_id": "o"}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close() error = %v, want deadline exceeded", err)
	}

	st := h.d.Stats()
	if st.Abandoned != 2 {
		t.Errorf("abandoned = %d, want 2", st.Abandoned)
	}
	if _, ok := h.rec.get("s1"); ok {
		t.Error("abandoned deliveries must not be recorded")
	}
}

func TestLoadAllRegistries_AggregatesErrors(t *testing.T) {
	t.Parallel()
	reg := registry.New(&memSource{err: errors.New("db down")})
	d := New(Config{Workers: 1, BufferSize: 1}, reg, delivery.NewExecutor(fastDelivery(), nil, nil), nil)
	defer d.Close(context.Background())
	d.RegisterHandler(&event.SchemaHandler{Type: "one"})
	d.RegisterHandler(&event.SchemaHandler{Type: "two"})

	err := d.LoadAllRegistries(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "2 errors occurred") {
		t.Errorf("expected both failures, got %v", err)
	}
	if !apperrors.IsWebhook(err) {
		t.Errorf("expected webhook-tagged errors, got %v", err)
	}
}

func TestDispatch_UnloadedRegistryIsAnError(t *testing.T) {
	t.Parallel()
	src := &memSource{err: errors.New("db down")}
	reg := registry.New(src)
	d := New(Config{Workers: 1, BufferSize: 4}, reg, delivery.NewExecutor(fastDelivery(), nil, nil), nil)
	defer d.Close(context.Background())
	for _, h := range event.Builtin() {
		d.RegisterHandler(h)
	}
	ctx := context.Background()

	if err := d.Dispatch(ctx, event.TypeAlertTriggered, alert(30)); !errors.Is(err, registry.ErrNotLoaded) {
		t.Errorf("Dispatch() before any load = %v, want ErrNotLoaded", err)
	}

	if err := d.LoadAllRegistries(ctx); err == nil {
		t.Fatal("LoadAllRegistries() should fail")
	}
	err := d.Dispatch(ctx, event.TypeAlertTriggered, alert(30))
	if !errors.Is(err, registry.ErrNotLoaded) || !apperrors.IsWebhook(err) {
		t.Errorf("Dispatch() after failed load = %v, want webhook-tagged ErrNotLoaded", err)
	}
	if err := d.DispatchWait(ctx, event.TypeAlertTriggered, alert(30)); !errors.Is(err, registry.ErrNotLoaded) {
		t.Errorf("DispatchWait() after failed load = %v, want ErrNotLoaded", err)
	}
	if st := d.Stats(); st.Events != 0 {
		t.Errorf("rejected events counted as accepted: %+v", st)
	}

	// Invalid payloads are still dropped without consulting the registry.
	if err := d.Dispatch(ctx, event.TypeAlertTriggered, map[string]any{"pm2_5": "high"}); err != nil {
		t.Errorf("invalid payload = %v, want nil", err)
	}

	src.err = nil
	if err := d.LoadAllRegistries(ctx); err != nil {
		t.Fatalf("LoadAllRegistries() error = %v", err)
	}
	if err := d.Dispatch(ctx, event.TypeAlertTriggered, alert(30)); err != nil {
		t.Errorf("Dispatch() on loaded empty bucket = %v, want nil", err)
	}
}

func TestRequiresConditions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1, BufferSize: 1}, fastDelivery())

	if req, ok := h.d.RequiresConditions(event.TypeAlertTriggered); !ok || !req {
		t.Error("alert_triggered should be known and conditional")
	}
	if req, ok := h.d.RequiresConditions(event.TypeSensorCreated); !ok || req {
		t.Error("sensor_created should be known and unconditional")
	}
	if _, ok := h.d.RequiresConditions("nope"); ok {
		t.Error("unknown type reported as known")
	}
	if got := len(h.d.EventTypes()); got != 4 {
		t.Errorf("EventTypes() = %d types, want 4", got)
	}
}

func TestSubscriptions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1, BufferSize: 1}, fastDelivery())
	h.d.AddToRegistry(newSub("a", event.TypeSensorCreated, "https://a.example.com", nil))
	h.d.AddToRegistry(newSub("w", subscription.Wildcard, "https://w.example.com", nil))

	subs, ok := h.d.Subscriptions(event.TypeSensorCreated)
	if !ok {
		t.Fatal("Subscriptions(sensor_created) ok = false")
	}
	if len(subs) != 2 {
		t.Fatalf("len = %d, want 2", len(subs))
	}

	if _, ok := h.d.Subscriptions("no_such_type"); ok {
		t.Error("Subscriptions(unknown) ok = true")
	}

	stats := h.d.RegistryStats()
	if stats.Total != 3 {
		// the wildcard subscription also lands in sensor_status_changed
		t.Errorf("Total = %d, want 3", stats.Total)
	}
}
