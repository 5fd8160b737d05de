package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Detection is one object found in an image. Coordinates are fractions of the
// image dimensions kept as exact decimals from the engine's text output.
type Detection struct {
	Class  string          `json:"class"`
	CX     decimal.Decimal `json:"cx"`
	CY     decimal.Decimal `json:"cy"`
	Width  decimal.Decimal `json:"width"`
	Height decimal.Decimal `json:"height"`
}

// labelFieldCount is the number of leading columns of a label line: class cx cy w h.
// Engines that append a confidence column produce more; the extras are ignored.
const labelFieldCount = 5

var (
	unitMin = decimal.Zero
	unitMax = decimal.NewFromInt(1)
)

// ParseLabelLine parses "<classIndex> <cx> <cy> <width> <height>".
func ParseLabelLine(line string, names *ClassNames) (Detection, error) {
	fields := strings.Fields(line)
	if len(fields) < labelFieldCount {
		return Detection{}, fmt.Errorf("label line %q: expected %d fields, got %d", line, labelFieldCount, len(fields))
	}

	index, err := strconv.Atoi(fields[0])
	if err != nil {
		return Detection{}, fmt.Errorf("label line %q: class index: %w", line, err)
	}
	class, ok := names.Name(index)
	if !ok {
		return Detection{}, fmt.Errorf("label line %q: unknown class index %d", line, index)
	}

	coords := make([]decimal.Decimal, labelFieldCount-1)
	for i := range coords {
		v, perr := decimal.NewFromString(fields[i+1])
		if perr != nil {
			return Detection{}, fmt.Errorf("label line %q: field %d: %w", line, i+1, perr)
		}
		if v.LessThan(unitMin) || v.GreaterThan(unitMax) {
			return Detection{}, fmt.Errorf("label line %q: field %d out of range [0,1]", line, i+1)
		}
		coords[i] = v
	}

	return Detection{
		Class:  class,
		CX:     coords[0],
		CY:     coords[1],
		Width:  coords[2],
		Height: coords[3],
	}, nil
}

// ParseLabels parses engine output in order, skipping blank lines.
// No lines yields an empty, non-nil slice.
func ParseLabels(lines []string, names *ClassNames) ([]Detection, error) {
	out := make([]Detection, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		d, err := ParseLabelLine(line, names)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
