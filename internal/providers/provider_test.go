package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/llm-gateway/pkg/gatewayerr"
)

type fakeStatusErr struct {
	status int
}

func (e *fakeStatusErr) Error() string   { return "provider error" }
func (e *fakeStatusErr) HTTPStatus() int { return e.status }

func TestClassifyErrorStatusCoder(t *testing.T) {
	cases := []struct {
		status int
		want   gatewayerr.Kind
	}{
		{429, gatewayerr.RateLimited},
		{401, gatewayerr.Unauthorized},
		{403, gatewayerr.Unauthorized},
		{400, gatewayerr.InvalidRequest},
		{500, gatewayerr.ProviderTransient},
		{503, gatewayerr.ProviderTransient},
		{404, gatewayerr.ProviderPermanent},
	}
	for _, c := range cases {
		got := ClassifyError(&fakeStatusErr{status: c.status})
		if got != c.want {
			t.Errorf("status %d: got %s, want %s", c.status, got, c.want)
		}
	}
}

func TestClassifyErrorDeadlineExceeded(t *testing.T) {
	if got := ClassifyError(context.DeadlineExceeded); got != gatewayerr.Timeout {
		t.Fatalf("got %s, want Timeout", got)
	}
}

func TestClassifyErrorPassesThroughTypedError(t *testing.T) {
	ge := gatewayerr.New(gatewayerr.BudgetExhausted, "over budget")
	if got := ClassifyError(ge); got != gatewayerr.BudgetExhausted {
		t.Fatalf("got %s, want BudgetExhausted", got)
	}
}

func TestClassifyErrorUnrecognizedShapeDefaultsTransient(t *testing.T) {
	if got := ClassifyError(errors.New("connection reset")); got != gatewayerr.ProviderTransient {
		t.Fatalf("got %s, want ProviderTransient", got)
	}
}

func TestWrapErrorPreservesTypedError(t *testing.T) {
	ge := gatewayerr.New(gatewayerr.Unauthorized, "bad key")
	wrapped := WrapError(ge, "openai")
	var out *gatewayerr.Error
	if !gatewayerr.As(wrapped, &out) || out != ge {
		t.Fatalf("expected WrapError to return the same typed error unchanged")
	}
}

func TestWrapErrorClassifiesStatusCoder(t *testing.T) {
	wrapped := WrapError(&fakeStatusErr{status: 429}, "anthropic")
	var out *gatewayerr.Error
	if !gatewayerr.As(wrapped, &out) {
		t.Fatalf("expected WrapError to produce a *gatewayerr.Error")
	}
	if out.Kind != gatewayerr.RateLimited {
		t.Fatalf("got kind %s, want RateLimited", out.Kind)
	}
	if out.Provider != "anthropic" {
		t.Fatalf("got provider %q, want anthropic", out.Provider)
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError(nil, "openai") != nil {
		t.Fatal("expected nil error to pass through as nil")
	}
}
