// Command xsimcioutput converts xsimtest reports into xunit XML for CI systems.
package main

import (
	"encoding/xml"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/firmsim/xsimtest/internal/libsim"
	"gopkg.in/inconshreveable/log15.v2"
)

type Testsuites struct {
	XMLName   xml.Name    `xml:"testsuites"`
	ID        string      `xml:"id,attr"`
	Name      string      `xml:"name,attr"`
	Tests     int         `xml:"tests,attr"`
	Failures  int         `xml:"failures,attr"`
	Errors    int         `xml:"errors,attr"`
	Skipped   int         `xml:"skipped,attr"`
	Time      string      `xml:"time,attr"`
	Testsuite []Testsuite `xml:"testsuite"`
}

type Testsuite struct {
	XMLName  xml.Name   `xml:"testsuite"`
	ID       int        `xml:"id,attr"`
	Name     string     `xml:"name,attr"`
	Tests    int        `xml:"tests,attr"`
	Failures int        `xml:"failures,attr"`
	Errors   int        `xml:"errors,attr"`
	Skipped  int        `xml:"skipped,attr"`
	Time     string     `xml:"time,attr"`
	Testcase []Testcase `xml:"testcase"`
}

type Testcase struct {
	XMLName   xml.Name `xml:"testcase"`
	ID        int      `xml:"id,attr"`
	Name      string   `xml:"name,attr"`
	Classname string   `xml:"classname,attr,omitempty"`
	Time      string   `xml:"time,attr"`
	Failure   *Problem `xml:"failure,omitempty"`
	Error     *Problem `xml:"error,omitempty"`
	Skipped   *Skipped `xml:"skipped,omitempty"`
}

// Problem is the body of a failure or error element.
type Problem struct {
	Text    string `xml:",chardata"`
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
}

type Skipped struct {
	Message string `xml:"message,attr"`
}

func main() {
	var exitcode bool
	flag.BoolVar(&exitcode, "exitcode", true, "Return exit code 1 on failed tests")

	var (
		resultsdir = flag.String("resultsdir", "workspace/results", "Results dir to scan")
		outdir     = flag.String("outdir", "/tmp/", "Output dir for xunit xml")
	)
	flag.Parse()

	log15.Info(fmt.Sprintf("loading results from %s", *resultsdir))
	log15.Info(fmt.Sprintf("outputting xunit xml to %s", *outdir))

	reports, err := collectReports(os.DirFS(*resultsdir))
	if err != nil {
		log15.Error("error reading results", "err", err)
		os.Exit(1)
	}
	out := buildXUnit(reports)
	if err := writeXUnit(out, filepath.Join(*outdir, "output.xml")); err != nil {
		log15.Error("can't write xunit output", "err", err)
		os.Exit(1)
	}

	if out.Failures == 0 && out.Errors == 0 {
		log15.Info("tests passed!")
		os.Exit(0)
	}
	log15.Info("tests failed!")
	if exitcode {
		os.Exit(1)
	}
}

// collectReports loads all reports below the root of fsys, newest run first.
func collectReports(fsys fs.FS) ([]*libsim.Report, error) {
	var reports []*libsim.Report
	err := libsim.WalkReports(fsys, func(file string, r *libsim.Report) error {
		log15.Debug("loaded report", "file", file, "tests", r.Counts.Total)
		reports = append(reports, r)
		return nil
	})
	return reports, err
}

// buildXUnit groups the cases of all reports into test suites named by
// product and group.
func buildXUnit(reports []*libsim.Report) *Testsuites {
	out := &Testsuites{ID: "0", Name: "xsimtest run"}
	index := make(map[string]int)
	durations := make(map[string]time.Duration)
	var total time.Duration

	for _, r := range reports {
		for _, c := range r.Cases {
			name := suiteName(&c)
			i, ok := index[name]
			if !ok {
				i = len(out.Testsuite)
				index[name] = i
				out.Testsuite = append(out.Testsuite, Testsuite{ID: i + 1, Name: name})
			}
			ts := &out.Testsuite[i]

			d := c.End.Sub(c.Start)
			if d < 0 {
				d = 0
			}
			durations[name] += d
			total += d

			tc := Testcase{
				ID:        len(ts.Testcase) + 1,
				Name:      c.Name,
				Classname: c.Level.String(),
				Time:      seconds(d),
			}
			ts.Tests++
			out.Tests++
			switch c.Verdict.Kind {
			case libsim.VerdictMismatch:
				tc.Failure = &Problem{Message: c.Verdict.String(), Type: "MISMATCH", Text: strings.Join(c.Output, "\n")}
				ts.Failures++
				out.Failures++
			case libsim.VerdictError:
				tc.Error = &Problem{Message: c.Verdict.Error, Type: "ERROR", Text: strings.Join(c.Output, "\n")}
				ts.Errors++
				out.Errors++
			case libsim.VerdictSkipped:
				tc.Skipped = &Skipped{Message: c.Verdict.Reason}
				ts.Skipped++
				out.Skipped++
			}
			ts.Testcase = append(ts.Testcase, tc)
		}
	}
	for i := range out.Testsuite {
		out.Testsuite[i].Time = seconds(durations[out.Testsuite[i].Name])
	}
	out.Time = seconds(total)
	return out
}

func suiteName(c *libsim.CaseResult) string {
	switch {
	case c.Product != "" && c.Group != "":
		return path.Join(c.Product, c.Group)
	case c.Product != "":
		return c.Product
	case c.Group != "":
		return c.Group
	}
	return "xsimtest"
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%v", d.Seconds())
}

func writeXUnit(ts *Testsuites, file string) error {
	content, err := xml.MarshalIndent(ts, "", " ")
	if err != nil {
		return err
	}
	return os.WriteFile(file, append([]byte(xml.Header), content...), 0644)
}
