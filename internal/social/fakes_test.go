package social

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/clikpost/internal/model"
	"github.com/hitoshi/clikpost/internal/repository"
)

// --- インメモリ実装 ---

type memStateRepo struct {
	mu     sync.Mutex
	states map[string]*model.PendingOAuthState
}

func newMemStateRepo() *memStateRepo {
	return &memStateRepo{states: make(map[string]*model.PendingOAuthState)}
}

func (m *memStateRepo) Create(_ context.Context, s *model.PendingOAuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.states[s.Nonce] = &cp
	return nil
}

func (m *memStateRepo) Consume(_ context.Context, nonce string) (*model.PendingOAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[nonce]
	if !ok {
		return nil, nil
	}
	delete(m.states, nonce)
	if s.IsExpired(time.Now()) {
		return nil, nil
	}
	return s, nil
}

func (m *memStateRepo) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

func (m *memStateRepo) only(t *testing.T) *model.PendingOAuthState {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.states) != 1 {
		t.Fatalf("expected 1 pending state, got %d", len(m.states))
	}
	for _, s := range m.states {
		return s
	}
	return nil
}

type memAccountRepo struct {
	mu       sync.Mutex
	accounts []*model.LinkedAccount
}

func (m *memAccountRepo) Create(_ context.Context, a *model.LinkedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.accounts = append(m.accounts, &cp)
	return nil
}

func (m *memAccountRepo) ListByUserID(_ context.Context, userID string) ([]*model.LinkedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.LinkedAccount
	for _, a := range m.accounts {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ConnectedAt.After(out[j].ConnectedAt) })
	return out, nil
}

func (m *memAccountRepo) FindLatest(ctx context.Context, userID string, platform model.Platform) (*model.LinkedAccount, error) {
	all, _ := m.ListByUserID(ctx, userID)
	for _, a := range all {
		if a.Platform == platform {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memAccountRepo) ListExpiring(_ context.Context, _ repository.ExpiringQuery) ([]*model.LinkedAccount, error) {
	return nil, nil
}

func (m *memAccountRepo) UpdateTokens(_ context.Context, a *model.LinkedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.accounts {
		if cur.ID == a.ID {
			cp := *a
			m.accounts[i] = &cp
		}
	}
	return nil
}

func (m *memAccountRepo) UpdateStatus(_ context.Context, id string, status model.AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.accounts {
		if cur.ID == id {
			cur.Status = status
		}
	}
	return nil
}

func (m *memAccountRepo) RevokeByUserAndPlatform(_ context.Context, userID string, platform model.Platform) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, cur := range m.accounts {
		if cur.UserID == userID && cur.Platform == platform && cur.Status == model.AccountStatusConnected {
			cur.Status = model.AccountStatusRevoked
			n++
		}
	}
	return n, nil
}

func (m *memAccountRepo) DeleteByUserID(_ context.Context, userID string) error {
	return nil
}

func (m *memAccountRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

type memPendingRepo struct {
	mu   sync.Mutex
	sels map[string]*model.PendingPageSelection
}

func newMemPendingRepo() *memPendingRepo {
	return &memPendingRepo{sels: make(map[string]*model.PendingPageSelection)}
}

func (m *memPendingRepo) Put(_ context.Context, sel *model.PendingPageSelection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sel
	m.sels[sel.UserID] = &cp
	return nil
}

func (m *memPendingRepo) Get(_ context.Context, userID string) (*model.PendingPageSelection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sel, ok := m.sels[userID]
	if !ok || !time.Now().Before(sel.ExpiresAt) {
		return nil, nil
	}
	cp := *sel
	return &cp, nil
}

func (m *memPendingRepo) Take(_ context.Context, userID string) (*model.PendingPageSelection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sel, ok := m.sels[userID]
	if !ok {
		return nil, nil
	}
	delete(m.sels, userID)
	if !time.Now().Before(sel.ExpiresAt) {
		return nil, nil
	}
	return sel, nil
}

func (m *memPendingRepo) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

// --- 偽プロバイダ ---

// fakeProvider はトークンエンドポイントとAPIを1つのhttptest.Serverで模擬する。
type fakeProvider struct {
	server   *httptest.Server
	calls    atomic.Int32
	mu       sync.Mutex
	requests []*http.Request
	forms    []map[string][]string
	handlers map[string]http.HandlerFunc
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{handlers: make(map[string]http.HandlerFunc)}
	fp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp.calls.Add(1)
		_ = r.ParseForm()
		fp.mu.Lock()
		fp.requests = append(fp.requests, r)
		fp.forms = append(fp.forms, r.Form)
		h, ok := fp.handlers[r.URL.Path]
		fp.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakeProvider) handle(path string, h http.HandlerFunc) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.handlers[path] = h
}

func (fp *fakeProvider) url(path string) string {
	return fp.server.URL + path
}

func (fp *fakeProvider) callCount() int {
	return int(fp.calls.Load())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pointAt は組み込み定義のエンドポイントを偽プロバイダへ向けたProviderConfigを返す。
func pointAt(t *testing.T, fp *fakeProvider, platform model.Platform) ProviderConfig {
	t.Helper()
	p, err := DefaultRegistry().Lookup(string(platform))
	if err != nil {
		t.Fatalf("Lookup(%s) error: %v", platform, err)
	}
	p.AuthorizationEndpoint = fp.url("/authorize")
	p.TokenEndpoint = fp.url("/token")
	if p.Identity.Source == IdentityFromEndpoint {
		p.Identity.Endpoint = fp.url("/me") + queryOf(p.Identity.Endpoint)
	}
	if p.PageSelection != nil {
		p.PageSelection = &PageSelection{Endpoint: fp.url("/me/accounts")}
	}
	return p
}

func queryOf(endpoint string) string {
	if i := strings.Index(endpoint, "?"); i >= 0 {
		return endpoint[i:]
	}
	return ""
}

func testCredentials(platforms ...model.Platform) map[model.Platform]Credentials {
	creds := make(map[model.Platform]Credentials, len(platforms))
	for _, p := range platforms {
		creds[p] = Credentials{
			ClientID:     string(p) + "-client",
			ClientSecret: string(p) + "-secret",
			RedirectURI:  "https://app.example.com/api/auth/connect/" + string(p) + "/callback",
		}
	}
	return creds
}

// testEnv はServiceとインメモリ依存をまとめたテスト環境。
type testEnv struct {
	service  *Service
	linker   *Linker
	states   *memStateRepo
	accounts *memAccountRepo
	pending  *memPendingRepo
}

func newTestEnv(t *testing.T, client *http.Client, rows ...ProviderConfig) *testEnv {
	t.Helper()
	states := newMemStateRepo()
	accounts := &memAccountRepo{}
	pendingRepo := newMemPendingRepo()
	store := NewPendingPageStore(pendingRepo)
	linker := NewLinker(accounts, store)

	platforms := make([]model.Platform, 0, len(rows))
	for _, r := range rows {
		platforms = append(platforms, r.Platform)
	}

	svc := NewService(ServiceConfig{
		Registry:    NewRegistry(rows...),
		Credentials: testCredentials(platforms...),
		StateSecret: []byte("test-state-secret"),
		HTTPClient:  client,
	}, states, linker, store)

	return &testEnv{service: svc, linker: linker, states: states, accounts: accounts, pending: pendingRepo}
}
