package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/timeroi/internal/auth"
	"github.com/hitoshi/timeroi/internal/model"
	"github.com/hitoshi/timeroi/internal/repository"
	"github.com/hitoshi/timeroi/internal/session"
)

// --- モック定義 ---

// memAccountRepo はバージョン管理付きのインメモリ連携情報リポジトリ。
type memAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*model.LinkedAccount

	findErr        error
	updateTokensFn func(account *model.LinkedAccount, expectedVersion int64) error
	updateCalls    int
}

func newMemAccountRepo(accounts ...*model.LinkedAccount) *memAccountRepo {
	r := &memAccountRepo{accounts: make(map[string]*model.LinkedAccount)}
	for _, a := range accounts {
		r.accounts[a.UserID+"/"+a.Provider] = a
	}
	return r
}

func (r *memAccountRepo) Find(_ context.Context, userID, provider string) (*model.LinkedAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	a, ok := r.accounts[userID+"/"+provider]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (r *memAccountRepo) Upsert(_ context.Context, account *model.LinkedAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *account
	r.accounts[account.UserID+"/"+account.Provider] = &c
	return nil
}

func (r *memAccountRepo) UpdateTokens(_ context.Context, account *model.LinkedAccount, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls++
	if r.updateTokensFn != nil {
		return r.updateTokensFn(account, expectedVersion)
	}
	key := account.UserID + "/" + account.Provider
	stored, ok := r.accounts[key]
	if !ok || stored.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	account.Version = expectedVersion + 1
	c := *account
	r.accounts[key] = &c
	return nil
}

func (r *memAccountRepo) Delete(_ context.Context, userID, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, userID+"/"+provider)
	return nil
}

func (r *memAccountRepo) ListByUserID(_ context.Context, _ string) ([]*model.LinkedAccount, error) {
	return nil, nil
}

func (r *memAccountRepo) stored(userID string) *model.LinkedAccount {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[userID+"/"+model.ProviderGoogle]
}

type mockRefresher struct {
	refreshFn func(ctx context.Context, refreshToken string) (*auth.TokenSet, error)
	calls     atomic.Int32
}

func (m *mockRefresher) Refresh(ctx context.Context, refreshToken string) (*auth.TokenSet, error) {
	m.calls.Add(1)
	return m.refreshFn(ctx, refreshToken)
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (c *countingRecorder) RecordTokenRefresh(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

// --- ヘルパー ---

var managerNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const fullScope = auth.ScopeCalendar + " " + auth.ScopeCalendarEvents

func expiredAccount() *model.LinkedAccount {
	return &model.LinkedAccount{
		ID:                "acct-1",
		UserID:            "user-1",
		Provider:          model.ProviderGoogle,
		ProviderAccountID: "g1",
		AccessToken:       "tok1",
		RefreshToken:      "r1",
		ExpiresAt:         managerNow.Add(-time.Minute).Unix(),
		Scope:             fullScope,
		Version:           1,
	}
}

func sessionFor(account *model.LinkedAccount) *session.Token {
	tok := &session.Token{UserID: "user-1", Email: "u@x.com"}
	tok.ApplyAccount(account)
	return tok
}

func newTestManager(repo *memAccountRepo, refresher *mockRefresher, recorder RefreshRecorder) *Manager {
	m := NewManager(repo, refresher, NewLocalLocker(), recorder)
	m.now = func() time.Time { return managerNow }
	return m
}

func refreshTo(accessToken string) *mockRefresher {
	return &mockRefresher{
		refreshFn: func(_ context.Context, rt string) (*auth.TokenSet, error) {
			return &auth.TokenSet{AccessToken: accessToken, RefreshToken: rt, Expiry: managerNow.Add(time.Hour)}, nil
		},
	}
}

// --- テスト ---

func TestManager_Resolve_NoLinkedAccount(t *testing.T) {
	repo := newMemAccountRepo()
	m := newTestManager(repo, refreshTo("unused"), nil)

	tok := sessionFor(expiredAccount())

	res, err := m.Resolve(context.Background(), tok)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Decision.Reason != ReasonNoLinkedAccount {
		t.Errorf("Reason = %q, want %q", res.Decision.Reason, ReasonNoLinkedAccount)
	}
	if !res.Changed || res.Session.AccessToken != "" {
		t.Errorf("stale provider tokens should be cleared: Changed=%v AccessToken=%q", res.Changed, res.Session.AccessToken)
	}
}

func TestManager_Resolve_FreshTokenSkipsRefresh(t *testing.T) {
	account := expiredAccount()
	account.ExpiresAt = managerNow.Add(time.Hour).Unix()
	repo := newMemAccountRepo(account)
	refresher := refreshTo("tok2")
	m := newTestManager(repo, refresher, nil)

	res, err := m.Resolve(context.Background(), sessionFor(account))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Decision.OK {
		t.Errorf("Decision = %+v, want OK", res.Decision)
	}
	if res.Changed {
		t.Error("Changed = true, want false")
	}
	if refresher.calls.Load() != 0 {
		t.Errorf("Refresh called %d times, want 0", refresher.calls.Load())
	}
}

func TestManager_Resolve_HydratesEmptySession(t *testing.T) {
	account := expiredAccount()
	account.ExpiresAt = managerNow.Add(time.Hour).Unix()
	repo := newMemAccountRepo(account)
	m := newTestManager(repo, refreshTo("unused"), nil)

	res, err := m.Resolve(context.Background(), &session.Token{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Session.AccessToken != "tok1" || res.Session.RefreshToken != "r1" {
		t.Errorf("session tokens = (%q, %q), want (tok1, r1)", res.Session.AccessToken, res.Session.RefreshToken)
	}
	if !res.Changed {
		t.Error("Changed = false, want true")
	}
	if !res.Decision.OK {
		t.Errorf("Decision = %+v, want OK", res.Decision)
	}
}

func TestManager_Resolve_RefreshesAndPersistsWithVersion(t *testing.T) {
	account := expiredAccount()
	repo := newMemAccountRepo(account)
	recorder := &countingRecorder{}
	m := newTestManager(repo, &mockRefresher{
		refreshFn: func(_ context.Context, _ string) (*auth.TokenSet, error) {
			// リフレッシュトークンを返さない
			return &auth.TokenSet{AccessToken: "tok2", Expiry: managerNow.Add(time.Hour)}, nil
		},
	}, recorder)

	res, err := m.Resolve(context.Background(), sessionFor(account))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if res.Outcome != session.OutcomeRefreshed {
		t.Errorf("Outcome = %q, want %q", res.Outcome, session.OutcomeRefreshed)
	}
	if res.Session.AccessToken != "tok2" || !res.Changed {
		t.Errorf("session AccessToken = %q, Changed = %v", res.Session.AccessToken, res.Changed)
	}

	stored := repo.stored("user-1")
	if stored.AccessToken != "tok2" {
		t.Errorf("stored AccessToken = %q, want %q", stored.AccessToken, "tok2")
	}
	if stored.RefreshToken != "r1" {
		t.Errorf("stored RefreshToken = %q, want retained %q", stored.RefreshToken, "r1")
	}
	if stored.Version != 2 {
		t.Errorf("stored Version = %d, want 2", stored.Version)
	}
	if stored.ExpiresAt != managerNow.Add(time.Hour).Unix() {
		t.Errorf("stored ExpiresAt = %d, want %d", stored.ExpiresAt, managerNow.Add(time.Hour).Unix())
	}
	if len(recorder.outcomes) != 1 || recorder.outcomes[0] != "refreshed" {
		t.Errorf("recorded outcomes = %v, want [refreshed]", recorder.outcomes)
	}
}

func TestManager_Resolve_VersionConflictAdoptsWinner(t *testing.T) {
	account := expiredAccount()
	repo := newMemAccountRepo(account)
	repo.updateTokensFn = func(_ *model.LinkedAccount, _ int64) error {
		// 別インスタンスが先に保存した状態を再現する
		winner := *account
		winner.AccessToken = "tok-winner"
		winner.ExpiresAt = managerNow.Add(time.Hour).Unix()
		winner.Version = 2
		repo.accounts["user-1/google"] = &winner
		return repository.ErrVersionConflict
	}
	m := newTestManager(repo, refreshTo("tok-loser"), nil)

	res, err := m.Resolve(context.Background(), sessionFor(account))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if res.Session.AccessToken != "tok-winner" {
		t.Errorf("session AccessToken = %q, want %q", res.Session.AccessToken, "tok-winner")
	}
	if stored := repo.stored("user-1"); stored.AccessToken != "tok-winner" {
		t.Errorf("stored AccessToken = %q, winner must not be overwritten", stored.AccessToken)
	}
	if !res.Decision.OK {
		t.Errorf("Decision = %+v, want OK", res.Decision)
	}
}

func TestManager_Resolve_ConcurrentRequestsRefreshOnce(t *testing.T) {
	account := expiredAccount()
	repo := newMemAccountRepo(account)

	var n atomic.Int32
	refresher := &mockRefresher{
		refreshFn: func(_ context.Context, rt string) (*auth.TokenSet, error) {
			time.Sleep(20 * time.Millisecond)
			return &auth.TokenSet{
				AccessToken:  fmt.Sprintf("tok-%d", n.Add(1)),
				RefreshToken: rt,
				Expiry:       managerNow.Add(time.Hour),
			}, nil
		},
	}
	m := newTestManager(repo, refresher, nil)

	const workers = 5
	results := make([]*Resolution, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Resolve(context.Background(), sessionFor(account))
		}(i)
	}
	wg.Wait()

	if got := refresher.calls.Load(); got != 1 {
		t.Errorf("Refresh called %d times, want 1", got)
	}

	stored := repo.stored("user-1")
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: Resolve() error = %v", i, errs[i])
		}
		if results[i].Session.AccessToken != stored.AccessToken {
			t.Errorf("worker %d: AccessToken = %q, want stored %q", i, results[i].Session.AccessToken, stored.AccessToken)
		}
	}
}

func TestManager_Resolve_DefinitiveFailureNeedsReauth(t *testing.T) {
	account := expiredAccount()
	repo := newMemAccountRepo(account)
	m := newTestManager(repo, &mockRefresher{
		refreshFn: func(_ context.Context, _ string) (*auth.TokenSet, error) {
			return nil, &auth.RefreshError{Status: 400, Body: `{"error":"invalid_grant"}`}
		},
	}, nil)

	res, err := m.Resolve(context.Background(), sessionFor(account))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if res.Decision.Reason != ReasonTokenErrored {
		t.Errorf("Reason = %q, want %q", res.Decision.Reason, ReasonTokenErrored)
	}
	if res.Session.Error != session.RefreshAccessTokenError {
		t.Errorf("session Error = %q, want %q", res.Session.Error, session.RefreshAccessTokenError)
	}
	if repo.updateCalls != 0 {
		t.Errorf("UpdateTokens called %d times, want 0", repo.updateCalls)
	}

	// Erroredのセッションは保存済みの同じトークンで復活しない
	res2, err := m.Resolve(context.Background(), res.Session)
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if res2.Decision.Reason != ReasonTokenErrored {
		t.Errorf("second Reason = %q, want %q", res2.Decision.Reason, ReasonTokenErrored)
	}
}

func TestManager_Resolve_TransientFailureRetriesLater(t *testing.T) {
	account := expiredAccount()
	repo := newMemAccountRepo(account)
	m := newTestManager(repo, &mockRefresher{
		refreshFn: func(_ context.Context, _ string) (*auth.TokenSet, error) {
			return nil, &auth.RefreshError{Status: 503, Transient: true}
		},
	}, nil)

	res, err := m.Resolve(context.Background(), sessionFor(account))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Outcome != session.OutcomeRetryLater {
		t.Errorf("Outcome = %q, want %q", res.Outcome, session.OutcomeRetryLater)
	}
	if res.Session.RefreshFailures != 1 {
		t.Errorf("RefreshFailures = %d, want 1", res.Session.RefreshFailures)
	}

	res2, err := m.Resolve(context.Background(), res.Session)
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if res2.Decision.Reason != ReasonTokenErrored {
		t.Errorf("second Reason = %q, want %q", res2.Decision.Reason, ReasonTokenErrored)
	}
}

func TestManager_Resolve_ErroredSessionStaysErrored(t *testing.T) {
	account := expiredAccount()
	repo := newMemAccountRepo(account)
	refresher := refreshTo("unused")
	m := newTestManager(repo, refresher, nil)

	errored := sessionFor(account)
	errored.Error = session.RefreshAccessTokenError

	// 別のセッションが更新に成功し、新しいトークンが保存された
	newer := *account
	newer.AccessToken = "tok-other-session"
	newer.ExpiresAt = managerNow.Add(time.Hour).Unix()
	newer.Version = 2
	repo.Upsert(context.Background(), &newer)

	res, err := m.Resolve(context.Background(), errored)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Decision.Reason != ReasonTokenErrored {
		t.Errorf("Reason = %q, want %q", res.Decision.Reason, ReasonTokenErrored)
	}
	if res.Changed {
		t.Error("Changed = true, want errored session left as is")
	}
	if res.Session.AccessToken != "tok1" || res.Session.Error != session.RefreshAccessTokenError {
		t.Errorf("session = (%q, %q), want original errored token", res.Session.AccessToken, res.Session.Error)
	}
	if refresher.calls.Load() != 0 {
		t.Errorf("Refresh called %d times, want 0", refresher.calls.Load())
	}
}

func TestManager_MarkUnauthorized_ForcesRefresh(t *testing.T) {
	account := expiredAccount()
	account.ExpiresAt = managerNow.Add(time.Hour).Unix()
	repo := newMemAccountRepo(account)
	refresher := refreshTo("tok2")
	m := newTestManager(repo, refresher, nil)

	marked := m.MarkUnauthorized(sessionFor(account))
	if session.Classify(marked, managerNow) != session.StateExpired {
		t.Fatalf("Classify(marked) = %q, want expired", session.Classify(marked, managerNow))
	}

	res, err := m.Resolve(context.Background(), marked)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("Refresh called %d times, want 1", refresher.calls.Load())
	}
	if res.Session.AccessToken != "tok2" {
		t.Errorf("AccessToken = %q, want %q", res.Session.AccessToken, "tok2")
	}
}

func TestManager_Resolve_RepoError(t *testing.T) {
	repo := newMemAccountRepo()
	repo.findErr = errors.New("connection refused")
	m := newTestManager(repo, refreshTo("unused"), nil)

	_, err := m.Resolve(context.Background(), &session.Token{UserID: "user-1"})
	if !errors.Is(err, repo.findErr) {
		t.Errorf("error = %v, want wrapped repo error", err)
	}
}
