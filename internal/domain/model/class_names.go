package model

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ClassNames maps the detection engine's class indices to human-readable names.
// It is built once at startup and never mutated.
type ClassNames struct {
	names []string
}

// NewClassNames copies names into an immutable table.
func NewClassNames(names []string) *ClassNames {
	return &ClassNames{names: append([]string(nil), names...)}
}

//go:embed coco_classes.yaml
var cocoClasses []byte

var defaultClassNames = sync.OnceValue(func() *ClassNames {
	names, err := ParseClassNames(cocoClasses)
	if err != nil {
		panic(fmt.Sprintf("embedded class table: %v", err))
	}
	return names
})

// DefaultClassNames returns the 80-class COCO table used by stock YOLOv5 weights.
func DefaultClassNames() *ClassNames {
	return defaultClassNames()
}

// LoadClassNames reads the `names` entry of a YOLO dataset description file.
func LoadClassNames(path string) (*ClassNames, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read class names %s: %w", path, err)
	}
	return ParseClassNames(data)
}

// ParseClassNames accepts `names` either as a sequence or as an index-keyed mapping.
func ParseClassNames(data []byte) (*ClassNames, error) {
	var doc struct {
		Names yaml.Node `yaml:"names"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse class names: %w", err)
	}

	switch doc.Names.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := doc.Names.Decode(&names); err != nil {
			return nil, fmt.Errorf("decode class name list: %w", err)
		}
		if len(names) == 0 {
			return nil, errors.New("class name list is empty")
		}
		return NewClassNames(names), nil
	case yaml.MappingNode:
		var byIndex map[int]string
		if err := doc.Names.Decode(&byIndex); err != nil {
			return nil, fmt.Errorf("decode class name map: %w", err)
		}
		return classNamesFromMap(byIndex)
	case 0:
		return nil, errors.New("class names: missing names entry")
	default:
		return nil, errors.New("class names: names must be a list or a map")
	}
}

func classNamesFromMap(byIndex map[int]string) (*ClassNames, error) {
	if len(byIndex) == 0 {
		return nil, errors.New("class name map is empty")
	}
	indices := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	names := make([]string, len(indices))
	for pos, idx := range indices {
		if idx != pos {
			return nil, fmt.Errorf("class name map is not contiguous: missing index %d", pos)
		}
		names[pos] = byIndex[idx]
	}
	return &ClassNames{names: names}, nil
}

// Name returns the class name for index.
func (c *ClassNames) Name(index int) (string, bool) {
	if c == nil || index < 0 || index >= len(c.names) {
		return "", false
	}
	return c.names[index], true
}

// Len returns the number of known classes.
func (c *ClassNames) Len() int {
	if c == nil {
		return 0
	}
	return len(c.names)
}
