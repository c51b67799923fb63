package intercept

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

var errConnRefused = errors.New("dial tcp: connection refused")

func failedRequest(method, target string, header map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return req
}

func TestShouldQueue(t *testing.T) {
	p := NewPolicy(DefaultRules(), nil)

	tests := []struct {
		name string
		req  *http.Request
		resp *http.Response
		err  error
		want bool
	}{
		{
			name: "mutating network failure",
			req:  failedRequest("POST", "http://api/api/cows", nil),
			err:  errConnRefused,
			want: true,
		},
		{
			name: "delete network failure",
			req:  failedRequest("DELETE", "http://api/api/cows/3", nil),
			err:  errConnRefused,
			want: true,
		},
		{
			name: "read is never queued",
			req:  failedRequest("GET", "http://api/api/cows", nil),
			err:  errConnRefused,
			want: false,
		},
		{
			name: "no error means no queue",
			req:  failedRequest("POST", "http://api/api/cows", nil),
			want: false,
		},
		{
			name: "server verdict is not a network failure",
			req:  failedRequest("POST", "http://api/api/cows", nil),
			resp: &http.Response{StatusCode: 500},
			err:  errConnRefused,
			want: false,
		},
		{
			name: "replay marker blocks re-queue",
			req:  failedRequest("POST", "http://api/api/cows", map[string]string{ReplayHeader: "1"}),
			err:  errConnRefused,
			want: false,
		},
		{
			name: "multipart upload excluded",
			req: failedRequest("POST", "http://api/api/photos", map[string]string{
				"Content-Type": "multipart/form-data; boundary=x",
			}),
			err:  errConnRefused,
			want: false,
		},
		{
			name: "binary upload excluded",
			req: failedRequest("PUT", "http://api/api/attachments/1", map[string]string{
				"Content-Type": "application/octet-stream",
			}),
			err:  errConnRefused,
			want: false,
		},
		{
			name: "login excluded",
			req:  failedRequest("POST", "http://api/api/auth/login", nil),
			err:  errConnRefused,
			want: false,
		},
		{
			name: "register excluded",
			req:  failedRequest("POST", "http://api/api/auth/register", nil),
			err:  errConnRefused,
			want: false,
		},
		{
			name: "json create queued",
			req: failedRequest("POST", "http://api/api/cows", map[string]string{
				"Content-Type": "application/json",
			}),
			err:  errConnRefused,
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ShouldQueue(tt.req, tt.resp, tt.err); got != tt.want {
				t.Errorf("ShouldQueue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicySetRules(t *testing.T) {
	p := NewPolicy(DefaultRules(), nil)

	req := failedRequest("POST", "http://api/api/reports", nil)
	if !p.ShouldQueue(req, nil, errConnRefused) {
		t.Fatal("expected queue-worthy before rule change")
	}

	p.SetRules(Rules{SkipPaths: []string{"/api/reports"}})
	if p.ShouldQueue(req, nil, errConnRefused) {
		t.Error("expected exclusion after rule change")
	}
}
