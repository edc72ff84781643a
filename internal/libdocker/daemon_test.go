package libdocker

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/gorilla/mux"
)

// fakeDaemon is an in-memory docker daemon serving the API calls made by
// ContainerBackend. Exec output is streamed over a hijacked connection like
// the real daemon does.
type fakeDaemon struct {
	srv *httptest.Server

	mu         sync.Mutex
	nextID     int
	images     map[string]bool
	pulls      []string
	containers map[string]*fakeContainer
	execs      map[string]*fakeExec
	removed    []string

	// Behavior knobs, set by tests between runs.
	pullFails   bool
	execRunning bool                                                // reported by exec inspection
	execBlocks  bool                                                // exec output lasts until the container is removed
	execStarted func()                                              // called when an exec starts
	execResult  func(e *fakeExec) (stdout, stderr string, code int) // default: no output, exit code 0
}

type fakeContainer struct {
	ID      string
	Name    string
	Image   string
	Labels  map[string]string
	Running bool
	Uploads []string // tar entry names
	removed chan struct{}
}

type fakeExec struct {
	ID         string
	Container  string
	Cmd        []string
	Env        []string
	WorkingDir string
	ExitCode   int
}

var apiVersionPrefix = regexp.MustCompile(`^/v[0-9.]+/`)

func newFakeDaemon(t *testing.T) *fakeDaemon {
	d := &fakeDaemon{
		images:     make(map[string]bool),
		containers: make(map[string]*fakeContainer),
		execs:      make(map[string]*fakeExec),
	}
	router := mux.NewRouter()
	router.HandleFunc("/version", d.version).Methods("GET")
	router.HandleFunc("/images/create", d.pullImage).Methods("POST")
	router.HandleFunc("/images/{name:.*}/json", d.inspectImage).Methods("GET")
	router.HandleFunc("/containers/json", d.listContainers).Methods("GET")
	router.HandleFunc("/containers/create", d.createContainer).Methods("POST")
	router.HandleFunc("/containers/{id}/start", d.startContainer).Methods("POST")
	router.HandleFunc("/containers/{id}/archive", d.upload).Methods("PUT")
	router.HandleFunc("/containers/{id}/exec", d.createExec).Methods("POST")
	router.HandleFunc("/containers/{id}", d.removeContainer).Methods("DELETE")
	router.HandleFunc("/exec/{id}/start", d.startExec).Methods("POST")
	router.HandleFunc("/exec/{id}/json", d.inspectExec).Methods("GET")

	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = apiVersionPrefix.ReplaceAllString(r.URL.Path, "/")
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(d.srv.Close)
	return d
}

// client returns a docker client connected to the daemon.
func (d *fakeDaemon) client(t *testing.T) *docker.Client {
	t.Helper()
	c, err := docker.NewClient(d.srv.URL)
	if err != nil {
		t.Fatal("can't create docker client:", err)
	}
	return c
}

// addContainer registers a container that was not created through the API.
func (d *fakeDaemon) addContainer(name string, labels map[string]string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeContainer{ID: d.newID(), Name: name, Labels: labels, removed: make(chan struct{})}
	d.containers[c.ID] = c
	return c.ID
}

func (d *fakeDaemon) containerList() []*fakeContainer {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := make([]*fakeContainer, 0, len(d.containers))
	for _, c := range d.containers {
		list = append(list, c)
	}
	return list
}

func (d *fakeDaemon) hasContainer(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.containers[id]
	return ok
}

func (d *fakeDaemon) execList() []*fakeExec {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := make([]*fakeExec, 0, len(d.execs))
	for _, e := range d.execs {
		list = append(list, e)
	}
	return list
}

func (d *fakeDaemon) pulled() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.pulls...)
}

// newID must be called with d.mu held.
func (d *fakeDaemon) newID() string {
	d.nextID++
	sum := sha256.Sum256([]byte(strconv.Itoa(d.nextID)))
	return hex.EncodeToString(sum[:])
}

func serveJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func serveError(w http.ResponseWriter, status int, msg string) {
	serveJSON(w, status, map[string]string{"message": msg})
}

func (d *fakeDaemon) version(w http.ResponseWriter, r *http.Request) {
	serveJSON(w, http.StatusOK, map[string]string{"ApiVersion": "1.41", "Version": "24.0.0"})
}

func (d *fakeDaemon) inspectImage(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	d.mu.Lock()
	ok := d.images[name]
	d.mu.Unlock()
	if !ok {
		serveError(w, http.StatusNotFound, "No such image: "+name)
		return
	}
	serveJSON(w, http.StatusOK, map[string]string{"Id": "sha256:" + name})
}

func (d *fakeDaemon) pullImage(w http.ResponseWriter, r *http.Request) {
	repo, tag := r.URL.Query().Get("fromImage"), r.URL.Query().Get("tag")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pulls = append(d.pulls, repo+":"+tag)
	if d.pullFails {
		serveError(w, http.StatusNotFound, "pull access denied for "+repo)
		return
	}
	d.images[repo+":"+tag] = true
	if tag == "latest" {
		d.images[repo] = true
	}
	serveJSON(w, http.StatusOK, map[string]string{"status": "Downloaded newer image for " + repo + ":" + tag})
}

func (d *fakeDaemon) listContainers(w http.ResponseWriter, r *http.Request) {
	var filters map[string][]string
	if f := r.URL.Query().Get("filters"); f != "" {
		if err := json.Unmarshal([]byte(f), &filters); err != nil {
			serveError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	list := []docker.APIContainers{}
	for _, c := range d.containers {
		if matchLabels(c.Labels, filters["label"]) {
			list = append(list, docker.APIContainers{ID: c.ID, Names: []string{"/" + c.Name}, Image: c.Image, Labels: c.Labels})
		}
	}
	serveJSON(w, http.StatusOK, list)
}

func matchLabels(labels map[string]string, filters []string) bool {
	for _, f := range filters {
		key, value, hasValue := strings.Cut(f, "=")
		v, ok := labels[key]
		if !ok || (hasValue && v != value) {
			return false
		}
	}
	return true
}

func (d *fakeDaemon) createContainer(w http.ResponseWriter, r *http.Request) {
	var config struct {
		Image  string
		Labels map[string]string
	}
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		serveError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := r.URL.Query().Get("name")

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.images[config.Image] {
		serveError(w, http.StatusNotFound, "No such image: "+config.Image)
		return
	}
	for _, c := range d.containers {
		if c.Name == name {
			serveError(w, http.StatusConflict, "name already in use")
			return
		}
	}
	c := &fakeContainer{ID: d.newID(), Name: name, Image: config.Image, Labels: config.Labels, removed: make(chan struct{})}
	d.containers[c.ID] = c
	serveJSON(w, http.StatusCreated, map[string]interface{}{"Id": c.ID, "Warnings": []string{}})
}

func (d *fakeDaemon) startContainer(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[mux.Vars(r)["id"]]
	if !ok {
		serveError(w, http.StatusNotFound, "No such container")
		return
	}
	c.Running = true
	w.WriteHeader(http.StatusNoContent)
}

func (d *fakeDaemon) upload(w http.ResponseWriter, r *http.Request) {
	var names []string
	tr := tar.NewReader(r.Body)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			serveError(w, http.StatusBadRequest, err.Error())
			return
		}
		names = append(names, hdr.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[mux.Vars(r)["id"]]
	if !ok {
		serveError(w, http.StatusNotFound, "No such container")
		return
	}
	c.Uploads = append(c.Uploads, names...)
	w.WriteHeader(http.StatusOK)
}

func (d *fakeDaemon) createExec(w http.ResponseWriter, r *http.Request) {
	var config struct {
		Cmd        []string
		Env        []string
		WorkingDir string
	}
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		serveError(w, http.StatusBadRequest, err.Error())
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[mux.Vars(r)["id"]]
	if !ok {
		serveError(w, http.StatusNotFound, "No such container")
		return
	}
	if !c.Running {
		serveError(w, http.StatusConflict, "container is not running")
		return
	}
	e := &fakeExec{ID: d.newID(), Container: c.ID, Cmd: config.Cmd, Env: config.Env, WorkingDir: config.WorkingDir}
	d.execs[e.ID] = e
	serveJSON(w, http.StatusCreated, map[string]string{"Id": e.ID})
}

func (d *fakeDaemon) startExec(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	e, ok := d.execs[mux.Vars(r)["id"]]
	var c *fakeContainer
	if ok {
		c = d.containers[e.Container]
	}
	started, blocks, result := d.execStarted, d.execBlocks, d.execResult
	d.mu.Unlock()
	if !ok || c == nil {
		serveError(w, http.StatusNotFound, "No such exec instance")
		return
	}

	conn, buf, err := w.(http.Hijacker).Hijack()
	if err != nil {
		return
	}
	defer conn.Close()
	buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: application/vnd.docker.raw-stream\r\n\r\n")
	buf.Flush()

	if started != nil {
		started()
	}
	if blocks {
		select {
		case <-c.removed:
			return
		case <-time.After(10 * time.Second):
		}
	}
	var stdout, stderr string
	code := 0
	if result != nil {
		stdout, stderr, code = result(e)
	}
	d.mu.Lock()
	e.ExitCode = code
	d.mu.Unlock()
	writeFrame(buf, 1, stdout)
	writeFrame(buf, 2, stderr)
	buf.Flush()
}

// writeFrame writes data in the multiplexed stream format of docker.
func writeFrame(w io.Writer, stream byte, data string) {
	if data == "" {
		return
	}
	var hdr [8]byte
	hdr[0] = stream
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(data)))
	w.Write(hdr[:])
	io.WriteString(w, data)
}

func (d *fakeDaemon) inspectExec(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.execs[mux.Vars(r)["id"]]
	if !ok {
		serveError(w, http.StatusNotFound, "No such exec instance")
		return
	}
	serveJSON(w, http.StatusOK, map[string]interface{}{
		"ID":          e.ID,
		"ContainerID": e.Container,
		"Running":     d.execRunning,
		"ExitCode":    e.ExitCode,
	})
}

func (d *fakeDaemon) removeContainer(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := mux.Vars(r)["id"]
	c, ok := d.containers[id]
	if !ok {
		serveError(w, http.StatusNotFound, fmt.Sprintf("No such container: %s", id))
		return
	}
	delete(d.containers, id)
	close(c.removed)
	d.removed = append(d.removed, id)
	w.WriteHeader(http.StatusNoContent)
}
