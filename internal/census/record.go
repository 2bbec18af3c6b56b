// Copyright 2025 James Ross
package census

import (
	"fmt"
	"strings"

	"github.com/flyingrobots/census-ingest/internal/catalog"
)

// Record is the internal, level-normalized shape every service response
// row is transformed into before validation and persistence.
type Record struct {
	Dataset        string
	Year           int
	GeographyLevel catalog.GeographyLevel
	GeographyCode  string
	Name           string
	StateCode      string
	CountyCode     string
	TractCode      string
	BlockGroupCode string
	ZipCode        string
	VariableValues map[string]Value
}

// GeographyCode derives the dedup-key geography code for a response row's
// header/value pair, per the level-specific rule in spec.md §4.6/§6.
func GeographyCode(level catalog.GeographyLevel, fields map[string]string) (string, error) {
	switch level {
	case catalog.LevelState:
		v := fields["state"]
		if v == "" {
			return "", fmt.Errorf("parse/shape: missing state field for level state")
		}
		return v, nil
	case catalog.LevelCounty:
		state, county := fields["state"], fields["county"]
		if state == "" || county == "" {
			return "", fmt.Errorf("parse/shape: missing state/county field for level county")
		}
		return state + county, nil
	case catalog.LevelZcta:
		v := fields["zip code tabulation area"]
		if v == "" {
			return "", fmt.Errorf("parse/shape: missing zcta field for level zcta")
		}
		return v, nil
	case catalog.LevelBlockGroup:
		state, county, tract, bg := fields["state"], fields["county"], fields["tract"], fields["block group"]
		if state == "" || county == "" || tract == "" || bg == "" {
			return "", fmt.Errorf("parse/shape: missing state/county/tract/block group field for level block_group")
		}
		return state + county + tract + bg, nil
	case catalog.LevelMetro:
		v := fields["metropolitan statistical area/micropolitan statistical area"]
		if v == "" {
			return "", fmt.Errorf("parse/shape: missing metro field for level metro")
		}
		return v, nil
	case catalog.LevelPlace:
		state, place := fields["state"], fields["place"]
		if state == "" || place == "" {
			return "", fmt.Errorf("parse/shape: missing state/place field for level place")
		}
		return state + place, nil
	case catalog.LevelTract:
		state, county, tract := fields["state"], fields["county"], fields["tract"]
		if state == "" || county == "" || tract == "" {
			return "", fmt.Errorf("parse/shape: missing state/county/tract field for level tract")
		}
		return state + county + tract, nil
	case catalog.LevelNation:
		return "01", nil
	default:
		return "", fmt.Errorf("parse/shape: unsupported geography level %q", level)
	}
}

// DedupKey is the tuple that uniquely identifies a stored fact row.
type DedupKey struct {
	GeographyLevel catalog.GeographyLevel
	GeographyCode  string
	VariableName   string
	Dataset        string
	Year           int
}

func (r Record) DedupKeys() []DedupKey {
	keys := make([]DedupKey, 0, len(r.VariableValues))
	for name := range r.VariableValues {
		keys = append(keys, DedupKey{
			GeographyLevel: r.GeographyLevel,
			GeographyCode:  r.GeographyCode,
			VariableName:   name,
			Dataset:        r.Dataset,
			Year:           r.Year,
		})
	}
	return keys
}

// GeographyCodePattern reports whether a code matches the level's expected
// length and digit-class (Validator check #2).
func GeographyCodePattern(level catalog.GeographyLevel, code string) bool {
	var wantLen int
	switch level {
	case catalog.LevelState:
		wantLen = 2
	case catalog.LevelCounty:
		wantLen = 5
	case catalog.LevelTract:
		wantLen = 11
	case catalog.LevelBlockGroup:
		wantLen = 12
	case catalog.LevelZcta:
		wantLen = 5
	case catalog.LevelPlace:
		wantLen = 7
	case catalog.LevelMetro:
		wantLen = 5
	case catalog.LevelNation:
		wantLen = 2
	default:
		return false
	}
	if len(code) != wantLen {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ParentCodeCoherent checks that a child code's state (or state+county)
// prefix matches the supplied parent code, Validator check #4.
func ParentCodeCoherent(level catalog.GeographyLevel, code, parentState, parentCounty string) bool {
	switch level {
	case catalog.LevelCounty, catalog.LevelPlace, catalog.LevelTract:
		if parentState == "" {
			return true
		}
		return strings.HasPrefix(code, parentState)
	case catalog.LevelBlockGroup:
		if parentState == "" && parentCounty == "" {
			return true
		}
		return strings.HasPrefix(code, parentState+parentCounty)
	default:
		return true
	}
}
