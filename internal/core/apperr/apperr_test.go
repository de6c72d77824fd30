package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus_Kinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Validation("endDate", "range too wide"), http.StatusBadRequest},
		{"wrapped validation", fmt.Errorf("parse: %w", Validation("", "bad")), http.StatusBadRequest},
		{"tile missing", fmt.Errorf("tile 1/2/3: %w", ErrTileNotFound), http.StatusNotFound},
		{"upstream", Upstream("osm", errors.New("dial tcp: refused")), http.StatusBadGateway},
		{"store", Store("get", errors.New("i/o timeout")), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("%s: status=%d want %d", tc.name, got, tc.want)
		}
	}
}

func TestUpstream_KeepsCause(t *testing.T) {
	cause := errors.New("status 503")
	err := Upstream("geocoder", cause)
	if !errors.Is(err, ErrUpstreamUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("expected both kind and cause in chain: %v", err)
	}
	if Upstream("x", nil) != nil {
		t.Fatalf("nil cause must stay nil")
	}
}

func TestValidationError_Message(t *testing.T) {
	err := Validation("startDate", "invalid date %q", "2024-13-01")
	if got := err.Error(); got != `startDate: invalid date "2024-13-01"` {
		t.Fatalf("message=%q", got)
	}
}
