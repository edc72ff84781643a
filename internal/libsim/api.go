package libsim

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"gopkg.in/inconshreveable/log15.v2"
)

var (
	errNoReport   = errors.New("no report available yet")
	errNoSuchCase = errors.New("no such test case")
)

// Results holds the most recent report of a run.
type Results struct {
	mu     sync.RWMutex
	report *Report
}

// Set stores the report.
func (r *Results) Set(report *Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report = report
}

// Get returns the stored report, or nil.
func (r *Results) Get() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.report
}

// NewAPI creates the handler of the results API. When resultsDir is not nil,
// the API also serves the stored results of earlier runs from it.
func NewAPI(pool *Pool, results *Results, resultsDir fs.FS) http.Handler {
	api := &resultsAPI{pool: pool, results: results, resultsDir: resultsDir}
	router := mux.NewRouter()
	api.registerRoutes(router)
	return router
}

type resultsAPI struct {
	pool       *Pool
	results    *Results
	resultsDir fs.FS
}

func (api *resultsAPI) registerRoutes(router *mux.Router) {
	router.HandleFunc("/report", api.getReport).Methods("GET")
	router.HandleFunc("/report/cases/{index:[0-9]+}", api.getCase).Methods("GET")
	router.HandleFunc("/resources", api.getResources).Methods("GET")
	if api.resultsDir != nil {
		router.HandleFunc("/listing.jsonl", api.getListing).Methods("GET")
		router.PathPrefix("/results/").Handler(http.StripPrefix("/results/", http.FileServer(http.FS(api.resultsDir))))
	}
}

// getReport serves the full report.
func (api *resultsAPI) getReport(w http.ResponseWriter, r *http.Request) {
	report := api.results.Get()
	if report == nil {
		serveError(w, errNoReport, http.StatusNotFound)
		return
	}
	serveJSON(w, report)
}

// getCase serves one case of the report.
func (api *resultsAPI) getCase(w http.ResponseWriter, r *http.Request) {
	report := api.results.Get()
	if report == nil {
		serveError(w, errNoReport, http.StatusNotFound)
		return
	}
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil || index >= len(report.Cases) {
		serveError(w, errNoSuchCase, http.StatusNotFound)
		return
	}
	serveJSON(w, &report.Cases[index])
}

// getResources serves the state of the resource pool.
func (api *resultsAPI) getResources(w http.ResponseWriter, r *http.Request) {
	serveJSON(w, api.pool.Status())
}

// getListing serves the listing of stored runs, newest first.
func (api *resultsAPI) getListing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/x-ndjson")
	if err := GenerateListing(api.resultsDir, w); err != nil {
		log15.Error("API: can't generate listing", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

type apiError struct {
	Error string `json:"error"`
}

func serveJSON(w http.ResponseWriter, value interface{}) {
	resp, err := json.Marshal(value)
	if err != nil {
		log15.Error("API: internal error while encoding response", "error", err)
		serveError(w, errors.New("internal error"), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func serveError(w http.ResponseWriter, err error, status int) {
	resp, _ := json.Marshal(&apiError{Error: err.Error()})
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	w.Write(resp)
}
