package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func testCreds() Credentials {
	return Resolve(TenantCredentials{
		ClientID:     "tenant-client",
		ClientSecret: "tenant-secret",
		TenantID:     "tenant-123",
	}, "agent@example.com", "identity-client", "object-456")
}

func TestResolveAppliesDefaultAudience(t *testing.T) {
	creds := testCreds()
	if creds.Tenant.Audience != DefaultAudience {
		t.Errorf("Audience = %q, want default", creds.Tenant.Audience)
	}

	custom := Resolve(TenantCredentials{Audience: "my-audience"}, "a", "b", "c")
	if custom.Tenant.Audience != "my-audience" {
		t.Errorf("explicit audience overridden: %q", custom.Tenant.Audience)
	}
}

func TestMissingFields(t *testing.T) {
	creds := Credentials{AgentUserID: "agent@example.com"}
	missing := creds.MissingFields()
	if len(missing) != 5 {
		t.Fatalf("got %d missing fields, want 5: %v", len(missing), missing)
	}
	if err := creds.Validate(); err == nil {
		t.Fatal("Validate accepted empty credentials")
	}

	if err := testCreds().Validate(); err != nil {
		t.Fatalf("Validate rejected complete credentials: %v", err)
	}
}

func TestResourceTokenSequencing(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		grant := r.FormValue("grant_type")
		calls = append(calls, grant)

		if !strings.HasPrefix(r.URL.Path, "/tenant-123/") {
			t.Errorf("path = %q, want tenant-scoped endpoint", r.URL.Path)
		}

		switch len(calls) {
		case 1:
			if grant != "client_credentials" {
				t.Errorf("step 1 grant = %q", grant)
			}
			if got := r.FormValue("fmi_path"); got != "identity-client" {
				t.Errorf("step 1 fmi_path = %q", got)
			}
			if got := r.FormValue("client_secret"); got != "tenant-secret" {
				t.Errorf("step 1 client_secret = %q", got)
			}
			fmt.Fprint(w, `{"access_token":"token-one"}`)
		case 2:
			if got := r.FormValue("client_assertion"); got != "token-one" {
				t.Errorf("step 2 assertion = %q, want step 1 token", got)
			}
			if got := r.FormValue("client_id"); got != "identity-client" {
				t.Errorf("step 2 client_id = %q", got)
			}
			fmt.Fprint(w, `{"access_token":"token-two"}`)
		case 3:
			if grant != "user_fic" {
				t.Errorf("step 3 grant = %q", grant)
			}
			if got := r.FormValue("client_assertion"); got != "token-one" {
				t.Errorf("step 3 assertion = %q, want step 1 token", got)
			}
			if got := r.FormValue("user_federated_identity_credential"); got != "token-two" {
				t.Errorf("step 3 user credential = %q, want step 2 token", got)
			}
			if got := r.FormValue("user_id"); got != "object-456" {
				t.Errorf("step 3 user_id = %q", got)
			}
			if got := r.FormValue("scope"); got != DefaultAudience+"/.default" {
				t.Errorf("step 3 scope = %q", got)
			}
			fmt.Fprint(w, `{"access_token":"resource-token"}`)
		}
	}))
	defer srv.Close()

	x := NewExchangerWithAuthority(srv.URL, nil)
	token, err := x.ResourceToken(context.Background(), testCreds())
	if err != nil {
		t.Fatalf("ResourceToken: %v", err)
	}
	if token != "resource-token" {
		t.Errorf("token = %q", token)
	}
	if len(calls) != 3 {
		t.Errorf("made %d calls, want 3", len(calls))
	}
}

func TestResourceTokenShortCircuits(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			fmt.Fprint(w, `{"access_token":"token-one"}`)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"AADSTS700016: assertion rejected"}`)
	}))
	defer srv.Close()

	x := NewExchangerWithAuthority(srv.URL, nil)
	_, err := x.ResourceToken(context.Background(), testCreds())
	if err == nil {
		t.Fatal("expected error from failing step")
	}

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("error type = %T, want *StepError", err)
	}
	if stepErr.Step != 2 {
		t.Errorf("failed step = %d, want 2", stepErr.Step)
	}
	if !strings.Contains(stepErr.Provider, "AADSTS700016") {
		t.Errorf("provider text lost: %q", stepErr.Provider)
	}
	if calls != 2 {
		t.Errorf("made %d calls, want 2 (no step after the failure)", calls)
	}
}

func TestResourceTokenRejectsIncompleteCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made with incomplete credentials")
	}))
	defer srv.Close()

	creds := testCreds()
	creds.UserObjectID = ""
	x := NewExchangerWithAuthority(srv.URL, nil)
	if _, err := x.ResourceToken(context.Background(), creds); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestClaimSummary(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": "resource-app",
		"upn": "agent@example.com",
		"sub": "not-summarized",
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}

	summary := claimSummary(signed)
	if summary["aud"] != "resource-app" {
		t.Errorf("aud = %v", summary["aud"])
	}
	if summary["upn"] != "agent@example.com" {
		t.Errorf("upn = %v", summary["upn"])
	}
	if _, present := summary["sub"]; present {
		t.Error("sub should not appear in summary")
	}

	if got := claimSummary("not-a-jwt"); len(got) != 0 {
		t.Errorf("garbage token summary = %v, want empty", got)
	}
}
