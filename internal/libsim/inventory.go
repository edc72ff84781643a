package libsim

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// DefaultArgsFlag is the flag that passes program arguments to xsim.
const DefaultArgsFlag = "--args"

type inventoryFile struct {
	Resources []*Resource `yaml:"resources"`
}

// LoadInventory reads the resource inventory file at path.
//
// Resources without a command start a simulator named like their kind.
func LoadInventory(path string) ([]*Resource, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseInventory(content)
}

// ParseInventory parses a resource inventory document.
func ParseInventory(content []byte) ([]*Resource, error) {
	var inv inventoryFile
	if err := yaml.UnmarshalWithOptions(content, &inv, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("invalid resource inventory:\n%s", yaml.FormatError(err, false, true))
	}
	if len(inv.Resources) == 0 {
		return nil, fmt.Errorf("resource inventory lists no resources")
	}
	for _, r := range inv.Resources {
		if len(r.Command) == 0 && r.Kind != "" {
			r.Command = []string{r.Kind}
		}
	}
	return inv.Resources, nil
}

// LocalResources creates n identical resources of the given kind, named
// kind-0, kind-1, ...
func LocalResources(kind string, command []string, argsFlag string, n int) []*Resource {
	res := make([]*Resource, n)
	for i := range res {
		res[i] = &Resource{
			Name:     fmt.Sprintf("%s-%d", kind, i),
			Kind:     kind,
			Command:  append([]string(nil), command...),
			ArgsFlag: argsFlag,
		}
	}
	return res
}
