package libsim

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/inconshreveable/log15.v2"
)

const listLimit = 200 // number of runs reported

var errStopWalk = errors.New("stop")

// WalkReports calls fn for every report file below the root of fsys, newest
// run first. Run directories are named by start time, so name order is time
// order. Invalid reports are skipped. Returning a non-nil error from fn ends
// the walk with that error.
func WalkReports(fsys fs.FS, fn func(file string, r *Report) error) error {
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && p != "." && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		if !d.IsDir() && d.Name() == ReportFileName {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	for _, file := range files {
		r, err := parseReport(fsys, file)
		if err != nil {
			log15.Warn("skipping invalid report", "file", file, "err", err)
			continue
		}
		if err := fn(file, r); err != nil {
			return err
		}
	}
	return nil
}

func parseReport(fsys fs.FS, file string) (*Report, error) {
	content, err := fs.ReadFile(fsys, file)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(content, &r); err != nil {
		return nil, err
	}
	if r.Start.IsZero() {
		return nil, errors.New("report has no start time")
	}
	return &r, nil
}

// GenerateListing writes listing lines for the newest runs below the root of
// fsys to output. It rebuilds what WriteResults appends to the listing file.
func GenerateListing(fsys fs.FS, output io.Writer) error {
	var entries []listingEntry
	err := WalkReports(fsys, func(file string, r *Report) error {
		entries = append(entries, newListingEntry(r, path.Base(path.Dir(file)), file))
		if len(entries) >= listLimit {
			return errStopWalk
		}
		return nil
	})
	if err != nil && err != errStopWalk {
		return err
	}

	enc := json.NewEncoder(output)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			// The client has already started reading, it can't be told anymore.
			break
		}
	}
	return nil
}
