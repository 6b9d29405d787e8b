// Package unit canonicalizes quantity-valued constraints to the knowledge
// graph's base units via a fixed conversion table.
package unit

import (
	"log/slog"
	"strconv"
	"strings"

	"cgot.sh/engine/internal/domain"
)

// propertyUnitMap maps a property label substring to the base unit its
// values are stored in on the KG. Matched case-insensitively against
// Constraint.PropertyLabel.
var propertyUnitMap = map[string]string{
	"runtime":   "seconds",
	"duration":  "seconds",
	"elevation": "meters",
	"height":    "meters",
	"length":    "meters",
	"distance":  "meters",
	"mass":      "kilograms",
	"weight":    "kilograms",
	"area":      "km2",
}

// conversionFactors maps (base unit, source unit) to the multiplier that
// converts a value expressed in the source unit to the base unit.
var conversionFactors = map[string]map[string]float64{
	"seconds": {
		"minute": 60,
		"min":    60,
		"hour":   3600,
		"hr":     3600,
		"day":    86400,
	},
	"meters": {
		"km":        1000,
		"kilometer": 1000,
		"cm":        0.01,
		"foot":      0.3048,
		"inch":      0.0254,
	},
	"kilograms": {
		"tonne": 1000,
		"gram":  0.001,
		"lb":    0.453592,
		"pound": 0.453592,
	},
	"km2": {
		"hectare": 0.01,
		"mile2":   2.5899,
		"sqmi":    2.5899,
	},
}

// Normalize converts every numeric-valued, unit-tagged constraint to its
// property's base unit in place, then clears the Unit field. Constraints
// with no recognized unit, or whose property has no base-unit mapping, are
// left untouched and a warning logged.
func Normalize(constraints []*domain.Constraint) {
	for _, c := range constraints {
		normalizeOne(c)
	}
}

func normalizeOne(c *domain.Constraint) {
	if c.Unit == "" {
		return
	}

	base, ok := baseUnitFor(c.PropertyLabel)
	if !ok {
		slog.Warn("unit normalizer: no base unit mapping for property", "property", c.PropertyLabel, "unit", c.Unit)
		return
	}

	// Strip a trailing s so plural tokens ("minutes", "hours") convert
	// the same as their singular forms.
	token := strings.TrimSuffix(strings.ToLower(c.Unit), "s")
	factor, ok := conversionFactors[base][token]
	if !ok {
		slog.Warn("unit normalizer: unrecognized source unit", "unit", c.Unit, "base", base)
		return
	}

	value, err := strconv.ParseFloat(c.Value, 64)
	if err != nil {
		slog.Warn("unit normalizer: non-numeric value for unit-tagged constraint", "value", c.Value)
		return
	}

	c.Value = strconv.FormatFloat(value*factor, 'f', -1, 64)
	c.Unit = ""
}

func baseUnitFor(propertyLabel string) (string, bool) {
	lower := strings.ToLower(propertyLabel)
	for keyword, base := range propertyUnitMap {
		if strings.Contains(lower, keyword) {
			return base, true
		}
	}
	return "", false
}
