package routeerr

import (
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{LogicalModelNotFound, http.StatusNotFound},
		{NoAuthorizedProvider, http.StatusForbidden},
		{NoUpstreamAvailable, http.StatusServiceUnavailable},
		{UpstreamAllFailed, http.StatusBadGateway},
		{ModerationBlocked, http.StatusBadRequest},
		{AccountUnusable, http.StatusPaymentRequired},
	}
	for _, c := range cases {
		if got := c.kind.HTTPStatus(); got != c.want {
			t.Errorf("%s: got %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestErrorPrefersUpstreamStatusCode(t *testing.T) {
	e := &Error{Kind: UpstreamFatal, StatusCode: 429}
	if got := e.HTTPStatus(); got != 429 {
		t.Errorf("expected relayed upstream status 429, got %d", got)
	}
}

func TestErrorMessage(t *testing.T) {
	e := New(NoUpstreamAvailable, "all candidates filtered out")
	if e.Error() != "all candidates filtered out" {
		t.Errorf("unexpected message: %s", e.Error())
	}

	bare := &Error{Kind: StateStoreUnavailable}
	if bare.Error() != "state-store-unavailable" {
		t.Errorf("expected bare Kind string fallback, got %s", bare.Error())
	}
}
