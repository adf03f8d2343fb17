package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/edgecmd/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			log.Debug().Str("stored", tc.stored).Str("input", tc.input).Msg("auth/static-token")
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestTokenTableResolve(t *testing.T) {
	testlog.Start(t)
	table := NewTokenTable(
		Credential{Token: " root-token ", Principal: Principal{Name: "root", SiteAdmin: true}},
		Credential{Token: "viewer-token", Principal: Principal{Name: "viewer"}},
		Credential{Token: "   ", Principal: Principal{Name: "blank", SiteAdmin: true}},
	)
	if table.Len() != 2 {
		t.Fatalf("expected blank token skipped, len=%d", table.Len())
	}

	p, err := table.Resolve("root-token")
	if err != nil || p.Name != "root" || !p.SiteAdmin {
		t.Fatalf("unexpected root resolve: %+v err=%v", p, err)
	}
	p, err = table.Resolve("viewer-token")
	if err != nil || p.SiteAdmin {
		t.Fatalf("viewer must resolve without admin: %+v err=%v", p, err)
	}
	p, err = table.Resolve("nope")
	if !errors.Is(err, ErrUnauthorized) || p.DisplayName() != AnonymousName {
		t.Fatalf("unknown token must be anonymous: %+v err=%v", p, err)
	}
	if _, err := (*TokenTable)(nil).Resolve("root-token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("nil table must reject, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"Bearer abc":      "abc",
		"bearer  abc ":    "abc",
		"Basic abc":       "",
		"":                "",
		"Bearer":          "",
		"BEARER tok.en-1": "tok.en-1",
	}
	for header, want := range cases {
		if got := BearerToken(header); got != want {
			t.Fatalf("BearerToken(%q)=%q want %q", header, got, want)
		}
	}
}
