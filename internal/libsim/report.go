package libsim

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"github.com/pkg/errors"
	"gopkg.in/inconshreveable/log15.v2"
)

const (
	ReportFileName  = "report.json"
	ListingFileName = "listing.jsonl"
)

// WriteSummary writes a human-readable summary of the report to w.
func (r *Report) WriteSummary(w io.Writer) error {
	var b strings.Builder
	for _, c := range r.Cases {
		fmt.Fprintf(&b, "%-40s %-10s %s\n", c.Name, c.Level, c.Verdict)
	}
	fmt.Fprintf(&b, "\n%d tests: %d passed, %d failed, %d errors, %d skipped (%v)\n",
		r.Counts.Total, r.Counts.Passed, r.Counts.Failed, r.Counts.Errors, r.Counts.Skipped,
		r.End.Sub(r.Start).Round(time.Millisecond))
	if r.Aborted {
		b.WriteString("run was interrupted\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// ReadReport reads a report written by WriteResults.
func ReadReport(path string) (*Report, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(content, &r); err != nil {
		return nil, errors.Wrapf(err, "invalid report %s", path)
	}
	return &r, nil
}

// listingEntry is one line of the listing file.
type listingEntry struct {
	Name      string    `json:"name"`
	Start     time.Time `json:"start"`
	Threshold TestLevel `json:"threshold"`
	Counts    Counts    `json:"counts"`
	Failed    bool      `json:"failed"`
	Aborted   bool      `json:"aborted,omitempty"`
	FileName  string    `json:"fileName"` // report file, relative to the results root
	Digest    string    `json:"digest,omitempty"`
}

// Digest returns a hash of the verdicts of the report. Reports of runs that
// produced the same verdicts for the same cases have equal digests, regardless
// of timing and resource assignment.
func (r *Report) Digest() (string, error) {
	type caseOutcome struct {
		Name    string    `json:"name"`
		Level   TestLevel `json:"level"`
		Verdict Verdict   `json:"verdict"`
	}
	outcomes := make([]caseOutcome, len(r.Cases))
	for i, c := range r.Cases {
		outcomes[i] = caseOutcome{c.Name, c.Level, c.Verdict}
	}
	enc, err := json.Marshal(struct {
		Threshold TestLevel     `json:"threshold"`
		Cases     []caseOutcome `json:"cases"`
	}{r.Threshold, outcomes})
	if err != nil {
		return "", err
	}
	canon, err := jsoncanonicalizer.Transform(enc)
	if err != nil {
		return "", errors.Wrap(err, "can't canonicalize report")
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func newListingEntry(r *Report, runName, file string) listingEntry {
	digest, err := r.Digest()
	if err != nil {
		log15.Warn("can't compute report digest", "run", runName, "err", err)
	}
	return listingEntry{
		Digest:    digest,
		Name:      runName,
		Start:     r.Start,
		Threshold: r.Threshold,
		Counts:    r.Counts,
		Failed:    r.Failed(),
		Aborted:   r.Aborted,
		FileName:  file,
	}
}

// WriteResults stores the report as <root>/<runName>/report.json and appends
// a summary line for it to <root>/listing.jsonl.
func (r *Report) WriteResults(root, runName string) (string, error) {
	dir := filepath.Join(root, runName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	enc, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	file := filepath.Join(dir, ReportFileName)
	if err := os.WriteFile(file, enc, 0644); err != nil {
		return "", err
	}

	entry := newListingEntry(r, runName, filepath.ToSlash(filepath.Join(runName, ReportFileName)))
	line, err := json.Marshal(&entry)
	if err != nil {
		return "", err
	}
	listing, err := os.OpenFile(filepath.Join(root, ListingFileName), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return "", err
	}
	defer listing.Close()
	if _, err := listing.Write(append(line, '\n')); err != nil {
		return "", err
	}
	return file, nil
}
