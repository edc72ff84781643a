package libsim

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/mux"
)

func TestRegisterRoutes(t *testing.T) {
	api := &resultsAPI{results: new(Results), resultsDir: fstest.MapFS{}}
	router := mux.NewRouter()
	api.registerRoutes(router)

	routes := []struct {
		path   string
		method string
	}{
		{"/report", "GET"},
		{"/report/cases/0", "GET"},
		{"/report/cases/12", "GET"},
		{"/resources", "GET"},
		{"/listing.jsonl", "GET"},
		{"/results/20240301120000/report.json", "GET"},
	}
	for _, route := range routes {
		if !router.Match(&http.Request{Method: route.method, URL: &url.URL{Path: route.path}}, &mux.RouteMatch{}) {
			t.Errorf("Route %s %s not registered", route.method, route.path)
		}
	}
	if router.Match(&http.Request{Method: "GET", URL: &url.URL{Path: "/report/cases/x"}}, &mux.RouteMatch{}) {
		t.Error("non-numeric case index matched")
	}
}

func newTestAPI(t *testing.T) (*httptest.Server, *Pool, *Results) {
	t.Helper()
	pool, err := NewPool(LocalResources("xsim", []string{"xsim"}, DefaultArgsFlag, 2), PoolConfig{})
	if err != nil {
		t.Fatal(err)
	}
	results := new(Results)
	srv := httptest.NewServer(NewAPI(pool, results, nil))
	t.Cleanup(srv.Close)
	return srv, pool, results
}

func getJSON(t *testing.T, url string, wantStatus int, v interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status %d, want %d: %s", url, resp.StatusCode, wantStatus, body)
	}
	if ct := resp.Header.Get("content-type"); ct != "application/json" {
		t.Fatalf("GET %s: wrong content type %q", url, ct)
	}
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v", url, err)
	}
}

func TestAPIReport(t *testing.T) {
	srv, _, results := newTestAPI(t)

	var apiErr apiError
	getJSON(t, srv.URL+"/report", http.StatusNotFound, &apiErr)
	if apiErr.Error != errNoReport.Error() {
		t.Fatalf("wrong error %q", apiErr.Error)
	}

	results.Set(testReport())
	var report Report
	getJSON(t, srv.URL+"/report", http.StatusOK, &report)
	if report.Counts != testReport().Counts || len(report.Cases) != 4 {
		t.Fatalf("wrong report: %s", spew.Sdump(report))
	}

	var c CaseResult
	getJSON(t, srv.URL+"/report/cases/1", http.StatusOK, &c)
	if c.Name != "extended" || c.Verdict.Kind != VerdictMismatch || c.Verdict.Line != 1 {
		t.Fatalf("wrong case: %s", spew.Sdump(c))
	}
	getJSON(t, srv.URL+"/report/cases/4", http.StatusNotFound, &apiErr)
	if apiErr.Error != errNoSuchCase.Error() {
		t.Fatalf("wrong error %q", apiErr.Error)
	}
}

func TestAPIResources(t *testing.T) {
	srv, pool, _ := newTestAPI(t)
	r, err := pool.Acquire(context.Background(), "xsim")
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Release(r)

	var status []ResourceStatus
	getJSON(t, srv.URL+"/resources", http.StatusOK, &status)
	if len(status) != 2 {
		t.Fatalf("wrong status: %s", spew.Sdump(status))
	}
	held := 0
	for _, s := range status {
		if s.Held {
			held++
			if s.Resource.Name != r.Name {
				t.Fatalf("wrong resource held: %s", s.Resource.Name)
			}
		}
	}
	if held != 1 {
		t.Fatalf("%d resources reported held, want 1", held)
	}
}

func TestAPIListing(t *testing.T) {
	pool, err := NewPool(LocalResources("xsim", []string{"xsim"}, DefaultArgsFlag, 1), PoolConfig{})
	if err != nil {
		t.Fatal(err)
	}
	enc, err := json.Marshal(testReport())
	if err != nil {
		t.Fatal(err)
	}
	dir := fstest.MapFS{
		"20240301120000/report.json": {Data: enc},
		"20240302120000/report.json": {Data: enc},
		"20240303120000/report.json": {Data: []byte("{")},
	}
	srv := httptest.NewServer(NewAPI(pool, new(Results), dir))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/listing.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 2 {
		t.Fatalf("wrong listing:\n%s", body)
	}
	var first listingEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Name != "20240302120000" || first.FileName != "20240302120000/report.json" || !first.Failed {
		t.Fatalf("wrong first entry: %s", spew.Sdump(first))
	}

	resp, err = http.Get(srv.URL + "/results/20240301120000/report.json")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != string(enc) {
		t.Fatalf("stored report not served: %d %s", resp.StatusCode, body)
	}
}
