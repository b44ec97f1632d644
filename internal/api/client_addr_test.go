package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientAddr(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trust      bool
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "203.0.113.9:51234",
			want:       "203.0.113.9",
		},
		{
			name:       "forwarded header ignored when untrusted",
			remoteAddr: "203.0.113.9:51234",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.7"},
			want:       "203.0.113.9",
		},
		{
			name:       "forwarded header first hop when trusted",
			remoteAddr: "203.0.113.9:51234",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.1"},
			trust:      true,
			want:       "198.51.100.7",
		},
		{
			name:       "real ip fallback when trusted",
			remoteAddr: "203.0.113.9:51234",
			headers:    map[string]string{"X-Real-IP": "198.51.100.7"},
			trust:      true,
			want:       "198.51.100.7",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.9",
			want:       "203.0.113.9",
		},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tc.remoteAddr
		for key, value := range tc.headers {
			r.Header.Set(key, value)
		}
		if got := ClientAddr(r, tc.trust); got != tc.want {
			t.Fatalf("%s: ClientAddr = %q, want %q", tc.name, got, tc.want)
		}
	}
}
