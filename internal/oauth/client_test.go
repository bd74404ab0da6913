package oauth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/oauth"
)

func TestExchangeSnakeCaseResponse(t *testing.T) {
	var gotForm map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"A","refresh_token":"R","expires_in":3600}`))
	}))
	defer srv.Close()

	c := oauth.NewClient(srv.URL, "cid", "secret", "https://app/callback")
	tokens, err := c.Exchange(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tokens.AccessToken != "A" || tokens.RefreshToken != "R" || tokens.ExpiresIn != 3600 {
		t.Errorf("tokens = %+v, want A/R/3600", tokens)
	}

	for key, want := range map[string]string{
		"grant_type":    "authorization_code",
		"code":          "abc",
		"client_id":     "cid",
		"client_secret": "secret",
		"redirect_uri":  "https://app/callback",
	} {
		if got := gotForm[key]; len(got) != 1 || got[0] != want {
			t.Errorf("form[%s] = %v, want %q", key, got, want)
		}
	}
}

func TestRefreshCamelCaseResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if gt := r.PostForm.Get("grant_type"); gt != "refresh_token" {
			t.Errorf("grant_type = %q", gt)
		}
		if rt := r.PostForm.Get("refresh_token"); rt != "R0" {
			t.Errorf("refresh_token = %q", rt)
		}
		w.Write([]byte(`{"accessToken":"A2","refreshToken":"R2","expiresIn":"1800"}`))
	}))
	defer srv.Close()

	c := oauth.NewClient(srv.URL, "cid", "secret", "")
	tokens, err := c.Refresh(context.Background(), "R0")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tokens.AccessToken != "A2" || tokens.RefreshToken != "R2" || tokens.ExpiresIn != 1800 {
		t.Errorf("tokens = %+v, want A2/R2/1800", tokens)
	}
}

func TestErrorFieldIn200Body(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errorCode":"INVALID_GRANT","description":"code expired"}`))
	}))
	defer srv.Close()

	c := oauth.NewClient(srv.URL, "cid", "secret", "")
	_, err := c.Exchange(context.Background(), "stale")
	if err == nil {
		t.Fatal("Exchange succeeded on error body")
	}
	if !strings.Contains(err.Error(), "INVALID_GRANT") || !strings.Contains(err.Error(), "code expired") {
		t.Errorf("error = %v, want upstream code and description", err)
	}
}

func TestNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("oops"))
	}))
	defer srv.Close()

	c := oauth.NewClient(srv.URL, "cid", "secret", "")
	if _, err := c.Exchange(context.Background(), "abc"); err == nil {
		t.Fatal("Exchange succeeded on 502")
	}
}

func TestMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"expires_in":10}`))
	}))
	defer srv.Close()

	c := oauth.NewClient(srv.URL, "cid", "secret", "")
	if _, err := c.Exchange(context.Background(), "abc"); err == nil {
		t.Fatal("Exchange succeeded without an access token")
	}
}

func TestNormalizePrefersCamelCase(t *testing.T) {
	tokens := oauth.Normalize(map[string]any{
		"accessToken":  "camel",
		"access_token": "snake",
		"expires_in":   float64(60),
	})
	if tokens.AccessToken != "camel" {
		t.Errorf("AccessToken = %q, want camel", tokens.AccessToken)
	}
	if tokens.ExpiresIn != 60 {
		t.Errorf("ExpiresIn = %d, want 60", tokens.ExpiresIn)
	}
}
