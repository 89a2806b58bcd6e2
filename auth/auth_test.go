package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type stubRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	next    string
	err     error
}

func (s *stubRefresher) RefreshToken(ctx context.Context, current string) (string, error) {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	return s.next, s.err
}

func TestFetchAuthTokenSharesInFlightRefresh(t *testing.T) {
	ref := &stubRefresher{release: make(chan struct{}), next: "tok-2"}
	var persisted []string
	p := NewProvider("tok-1", ref, OnToken(func(tok string) { persisted = append(persisted, tok) }))

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := p.FetchAuthToken(context.Background())
			if err != nil {
				t.Errorf("FetchAuthToken: %v", err)
			}
			results[i] = tok
		}(i)
	}
	// Let every caller join the flight before it lands.
	time.Sleep(20 * time.Millisecond)
	close(ref.release)
	wg.Wait()

	if n := ref.calls.Load(); n != 1 {
		t.Fatalf("refresher called %d times, want 1", n)
	}
	for _, tok := range results {
		if tok != "tok-2" {
			t.Fatalf("results = %v", results)
		}
	}
	if p.CurrentToken() != "tok-2" {
		t.Fatalf("CurrentToken = %q", p.CurrentToken())
	}
	if len(persisted) != 1 || persisted[0] != "tok-2" {
		t.Fatalf("OnToken saw %v", persisted)
	}
}

func TestFetchAuthTokenFailureKeepsToken(t *testing.T) {
	p := NewProvider("tok-1", &stubRefresher{err: errors.New("down")})
	if _, err := p.FetchAuthToken(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if p.CurrentToken() != "tok-1" {
		t.Fatalf("token changed to %q", p.CurrentToken())
	}
}

func TestForceLogout(t *testing.T) {
	var logouts int
	p := NewProvider("tok-1", &stubRefresher{next: "tok-2"}, OnLogout(func() { logouts++ }))

	if err := p.ForceLogout(context.Background()); err != nil {
		t.Fatalf("ForceLogout: %v", err)
	}
	if err := p.ForceLogout(context.Background()); err != nil {
		t.Fatalf("second ForceLogout: %v", err)
	}
	if logouts != 1 {
		t.Fatalf("logout hook ran %d times, want 1", logouts)
	}
	if p.CurrentToken() != "" {
		t.Fatalf("token survived logout: %q", p.CurrentToken())
	}
	if _, err := p.FetchAuthToken(context.Background()); !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("expected ErrLoggedOut, got %v", err)
	}
}

func TestTokenClaims(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-42",
		"exp": exp.Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, ok := TokenExpiry(signed)
	if !ok || !got.Equal(exp) {
		t.Fatalf("TokenExpiry = %v, %v", got, ok)
	}
	sub, ok := TokenSubject(signed)
	if !ok || sub != "user-42" {
		t.Fatalf("TokenSubject = %q, %v", sub, ok)
	}

	if _, ok := TokenExpiry("not-a-jwt"); ok {
		t.Fatal("expected no expiry for garbage token")
	}
}
