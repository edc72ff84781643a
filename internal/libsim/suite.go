package libsim

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Suite is a parsed suite descriptor.
type Suite struct {
	Path      string
	Threshold *TestLevel    // default threshold, nil if the file sets none
	Timeout   time.Duration // default case timeout
	Cases     []TestCase
}

// suiteFile is the on-disk form of a suite descriptor. Since JSON is a
// subset of YAML, descriptors may be written in either.
type suiteFile struct {
	Product   string        `yaml:"product"`
	Group     string        `yaml:"group"`
	Threshold *TestLevel    `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
	Tests     []suiteEntry  `yaml:"tests"`
}

type suiteEntry struct {
	Name     string            `yaml:"name"`
	Product  string            `yaml:"product"`
	Group    string            `yaml:"group"`
	Binary   string            `yaml:"binary"`
	Expect   string            `yaml:"expect"` // golden file
	Output   []string          `yaml:"output"` // inline expected lines
	Level    TestLevel         `yaml:"level"`
	Args     []string          `yaml:"args"`
	SimArgs  []string          `yaml:"simargs"`
	Resource string            `yaml:"resource"`
	Timeout  time.Duration     `yaml:"timeout"`
	Config   map[string]string `yaml:"config"`
}

// LoadSuite reads a suite descriptor file. Relative binary and expect paths
// are resolved against the directory of the file.
func LoadSuite(path string) (*Suite, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "can't open suite")
	}
	defer f.Close()

	suite, err := ReadSuite(f, filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrapf(err, "suite %s", path)
	}
	suite.Path = path
	return suite, nil
}

// ReadSuite parses a suite descriptor from r, resolving relative paths
// against baseDir.
func ReadSuite(r io.Reader, baseDir string) (*Suite, error) {
	var file suiteFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, errors.Wrap(err, "can't decode suite")
	}

	suite := &Suite{Threshold: file.Threshold, Timeout: file.Timeout}
	for i, e := range file.Tests {
		if e.Binary == "" {
			return nil, errors.Errorf("test %d (%s): binary is required", i, e.Name)
		}
		if e.Expect != "" && e.Output != nil {
			return nil, errors.Errorf("test %d (%s): expect and output are mutually exclusive", i, e.Name)
		}
		tc := TestCase{
			Name:     e.Name,
			Product:  firstNonEmpty(e.Product, file.Product),
			Group:    firstNonEmpty(e.Group, file.Group),
			Binary:   resolvePath(baseDir, e.Binary),
			Expect:   e.Output,
			Level:    e.Level,
			Args:     e.Args,
			SimArgs:  e.SimArgs,
			Resource: e.Resource,
			Timeout:  e.Timeout,
			Config:   e.Config,
		}
		if e.Expect != "" {
			tc.ExpectFile = resolvePath(baseDir, e.Expect)
		}
		suite.Cases = append(suite.Cases, tc)
	}
	return suite, nil
}

func resolvePath(baseDir, p string) string {
	if filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}
