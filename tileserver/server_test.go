package tileserver_test

import (
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/azargarov/mandy/engine"
	"github.com/azargarov/mandy/fixed"
	"github.com/azargarov/mandy/tileserver"
)

var limits = tileserver.Limits{MaxPixels: engine.MaxPixels, MaxIter: 4096}

func TestParseQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    engine.Request
		param   string
		wantErr error
	}{
		{
			name: "defaults",
			raw:  "",
			want: engine.Request{X: -2, Y: -1.25, Step: 2.5, Width: 64, Height: 64, MaxIter: 255},
		},
		{
			name: "full",
			raw:  "x=-0.5&y=0.25&s=0.125&w=32&h=16&m=1000&t=1",
			want: engine.Request{X: -0.5, Y: 0.25, Step: 0.125, Width: 32, Height: 16, MaxIter: 1000, Arith: engine.Fixed64},
		},
		{
			name: "hex size",
			raw:  "w=0x20",
			want: engine.Request{X: -2, Y: -1.25, Step: 2.5, Width: 32, Height: 64, MaxIter: 255},
		},
		{
			name: "julia",
			raw:  "j=-0.75,0.125&s=1",
			want: engine.Request{X: -2, Y: -1.25, Step: 1, Width: 64, Height: 64, MaxIter: 255, Kind: engine.Julia, CX: -0.75, CY: 0.125},
		},
		{name: "julia without comma", raw: "j=0.3", param: "j", wantErr: fixed.ErrInvalidFormat},
		{name: "julia out of range", raw: "j=0,300", param: "j", wantErr: fixed.ErrOutOfRange},
		{name: "unknown", raw: "z=1", param: "z", wantErr: tileserver.ErrUnknownParam},
		{name: "bad x", raw: "x=abc", param: "x", wantErr: fixed.ErrInvalidFormat},
		{name: "huge y", raw: "y=1000", param: "y", wantErr: fixed.ErrOutOfRange},
		{name: "zero step", raw: "s=0", param: "s", wantErr: tileserver.ErrNotPositive},
		{name: "negative step", raw: "s=-1", param: "s", wantErr: tileserver.ErrNotPositive},
		{name: "too wide", raw: "w=257", param: "w", wantErr: fixed.ErrOutOfRange},
		{name: "zero height", raw: "h=0", param: "h", wantErr: tileserver.ErrNotPositive},
		{name: "bad iter", raw: "m=lots", param: "m", wantErr: fixed.ErrInvalidFormat},
		{name: "too many iter", raw: "m=5000", param: "m", wantErr: fixed.ErrOutOfRange},
		{name: "bad arith", raw: "t=2", param: "t", wantErr: fixed.ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tileserver.ParseQuery(tt.raw, limits)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ParseQuery(%q): %v", tt.raw, err)
				}
				if got != tt.want {
					t.Fatalf("ParseQuery(%q) = %+v, want %+v", tt.raw, got, tt.want)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseQuery(%q) error = %v, want %v", tt.raw, err, tt.wantErr)
			}
			var pe *tileserver.ParamError
			if !errors.As(err, &pe) || pe.Param != tt.param {
				t.Fatalf("ParseQuery(%q) error = %#v, want param %q", tt.raw, err, tt.param)
			}
		})
	}
}

func newServer(t *testing.T, opts tileserver.Options) *httptest.Server {
	t.Helper()
	eng := engine.NewLocal(engine.LocalOptions{Workers: 2})
	ts := httptest.NewServer(tileserver.New(eng, opts))
	t.Cleanup(func() {
		ts.Close()
		eng.Close()
	})
	return ts
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestServeTile(t *testing.T) {
	t.Parallel()
	ts := newServer(t, tileserver.Options{})

	resp, body := get(t, ts.URL+"/tile?x=-1&y=-0.5&s=0.5&w=16&h=8&m=64")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "max-age=3600") {
		t.Fatalf("Cache-Control = %q", cc)
	}
	img, err := png.Decode(strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := img.Bounds(); got != image.Rect(0, 0, 16, 8) {
		t.Fatalf("bounds = %v", got)
	}
}

func TestServeTileRejects(t *testing.T) {
	t.Parallel()
	ts := newServer(t, tileserver.Options{})

	tests := []struct {
		query string
		want  string
	}{
		{"x=abc", "invalid format"},
		{"x=1000", "value out of range"},
		{"q=1", "unrecognized parameter"},
		{"w=1000", "value out of range"},
		{"s=0", "must be positive"},
	}
	for _, tt := range tests {
		resp, body := get(t, ts.URL+"/tile?"+tt.query)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", tt.query, resp.StatusCode)
		}
		if !strings.Contains(string(body), tt.want) {
			t.Fatalf("%s: body %q, want it to mention %q", tt.query, body, tt.want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	ts := newServer(t, tileserver.Options{Rate: 0.001, Burst: 1})

	resp, _ := get(t, ts.URL+"/tile?w=4&h=4")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	resp, _ = get(t, ts.URL+"/tile?w=4&h=4")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", resp.StatusCode)
	}

	_, body := get(t, ts.URL+"/stats")
	var st tileserver.Stats
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("stats: %v (%s)", err, body)
	}
	if st.Served != 1 || st.Rejected != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.Pool == nil || st.Pool.Executed != 1 {
		t.Fatalf("pool stats = %+v", st.Pool)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	ts := newServer(t, tileserver.Options{})
	resp, body := get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}
}

type failing struct{ err error }

func (f failing) RenderSync(context.Context, engine.Request) (image.Image, error) {
	return nil, f.err
}

func TestRenderFailureStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{errors.New("boom"), http.StatusInternalServerError},
		{context.Canceled, http.StatusServiceUnavailable},
		{engine.ErrInvalidRequest, http.StatusBadRequest},
	}
	for _, tt := range tests {
		srv := tileserver.New(failing{tt.err}, tileserver.Options{Rate: -1})
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tile?w=4&h=4", nil))
		if rec.Code != tt.want {
			t.Fatalf("%v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
		if st := srv.Stats(); st.Failed != 1 || st.Pool != nil {
			t.Fatalf("%v: stats = %+v", tt.err, st)
		}
	}
}
