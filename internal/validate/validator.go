// Copyright 2025 James Ross

// Package validate implements the data-quality Validator (spec.md §4.3):
// per-record structural/plausibility checks and per-batch quality scoring.
package validate

import (
	"github.com/go-playground/validator/v10"

	"github.com/flyingrobots/census-ingest/internal/catalog"
	"github.com/flyingrobots/census-ingest/internal/census"
)

// PlausibilityBand bounds a variable's expected numeric range, keyed by
// category (check #3).
type PlausibilityBand struct {
	Min float64
	Max float64
}

var categoryBands = map[catalog.VariableCategory]PlausibilityBand{
	catalog.CategoryPopulation:  {Min: 0, Max: 4e9},
	catalog.CategoryHousing:     {Min: 0, Max: 4e9},
	catalog.CategoryEconomic:    {Min: 0, Max: 1e12},
	catalog.CategoryDemographic: {Min: 0, Max: 100}, // percentages
}

// recordShape is what check #1 validates via struct tags: presence of the
// required identity fields. go-playground/validator covers exactly this
// narrow "required field present" vocabulary; the remaining checks need
// catalog lookups and cross-field batch context no tag expresses, so they
// stay hand-written below.
type recordShape struct {
	GeographyLevel string `validate:"required"`
	GeographyCode  string `validate:"required"`
	Dataset        string `validate:"required"`
	Year           int    `validate:"required"`
}

type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
	SeverityInfo    IssueSeverity = "info"
)

type IssueType string

const (
	IssueMissingField       IssueType = "missing_field"
	IssueBadGeographyFormat IssueType = "bad_geography_format"
	IssueOutOfBand          IssueType = "out_of_band"
	IssueIncoherentParent   IssueType = "incoherent_parent"
)

type Issue struct {
	Type     IssueType
	Severity IssueSeverity
	Count    int
	Sample   string
}

type BatchReport struct {
	Completeness float64
	Accuracy     float64
	Consistency  float64
	Passed       bool
	Issues       []Issue
}

// Thresholds mirrors config.Quality, kept decoupled from the config package
// to avoid an import cycle (config depends on nothing from validate).
type Thresholds struct {
	MinCompleteness float64
	MinAccuracy     float64
	MinConsistency  float64
	Strict          bool
}

type Validator struct {
	structValidate *validator.Validate
	thresholds     Thresholds
	variableCat    map[string]catalog.VariableCategory
}

func New(thresholds Thresholds) *Validator {
	cats := make(map[string]catalog.VariableCategory, len(catalog.VariablePriority))
	for code, def := range catalog.VariablePriority {
		cats[code] = def.Category
	}
	return &Validator{
		structValidate: validator.New(),
		thresholds:     thresholds,
		variableCat:    cats,
	}
}

type recordOutcome struct {
	hasRequired     bool
	passedAllChecks bool
	coherentParent  bool
}

// ValidateBatch runs the four per-record checks over recs and aggregates
// per-batch scoring. parentState and parentCounty supply the optional
// referential check's known-parent scope; empty strings skip check 4.
func (v *Validator) ValidateBatch(recs []census.Record, parentState, parentCounty string) BatchReport {
	if len(recs) == 0 {
		return BatchReport{Completeness: 1, Accuracy: 1, Consistency: 1, Passed: true}
	}

	var (
		nonNullRequired  int
		rowsPassingAll   int
		rowsCoherent     int
		badFormatCount   int
		outOfBandCount   int
		missingCount     int
		incoherentCount  int
		sampleBadFormat  string
		sampleOutOfBand  string
		sampleMissing    string
	)
	expectedRequired := len(recs)

	for _, rec := range recs {
		outcome := recordOutcome{hasRequired: true, passedAllChecks: true, coherentParent: true}

		// Check 1: required fields present.
		shape := recordShape{
			GeographyLevel: string(rec.GeographyLevel),
			GeographyCode:  rec.GeographyCode,
			Dataset:        rec.Dataset,
			Year:           rec.Year,
		}
		if err := v.structValidate.Struct(shape); err != nil || len(rec.VariableValues) == 0 {
			outcome.hasRequired = false
			outcome.passedAllChecks = false
			missingCount++
			if sampleMissing == "" {
				sampleMissing = rec.GeographyCode
			}
		} else {
			nonNullRequired++
		}

		// Check 2: geography code format.
		if !census.GeographyCodePattern(rec.GeographyLevel, rec.GeographyCode) {
			outcome.passedAllChecks = false
			badFormatCount++
			if sampleBadFormat == "" {
				sampleBadFormat = rec.GeographyCode
			}
		}

		// Check 3: plausibility bands.
		for code, val := range rec.VariableValues {
			f, ok := val.AsFloat64()
			if !ok {
				continue
			}
			cat := v.variableCat[code]
			band, ok := categoryBands[cat]
			if !ok {
				continue
			}
			if f < band.Min || f > band.Max {
				outcome.passedAllChecks = false
				outOfBandCount++
				if sampleOutOfBand == "" {
					sampleOutOfBand = code
				}
			}
		}

		// Check 4: optional referential parent coherence.
		if !census.ParentCodeCoherent(rec.GeographyLevel, rec.GeographyCode, parentState, parentCounty) {
			outcome.coherentParent = false
			incoherentCount++
		}

		if outcome.passedAllChecks {
			rowsPassingAll++
		}
		if outcome.coherentParent {
			rowsCoherent++
		}
	}

	total := len(recs)
	report := BatchReport{
		Completeness: float64(nonNullRequired) / float64(expectedRequired),
		Accuracy:     float64(rowsPassingAll) / float64(total),
		Consistency:  float64(rowsCoherent) / float64(total),
	}

	addIssue := func(t IssueType, sev IssueSeverity, count int, sample string) {
		if count == 0 {
			return
		}
		report.Issues = append(report.Issues, Issue{Type: t, Severity: sev, Count: count, Sample: sample})
	}
	addIssue(IssueMissingField, SeverityError, missingCount, sampleMissing)
	addIssue(IssueBadGeographyFormat, SeverityError, badFormatCount, sampleBadFormat)
	addIssue(IssueOutOfBand, SeverityWarning, outOfBandCount, sampleOutOfBand)
	addIssue(IssueIncoherentParent, SeverityInfo, incoherentCount, "")

	report.Passed = report.Completeness >= v.thresholds.MinCompleteness &&
		report.Accuracy >= v.thresholds.MinAccuracy &&
		report.Consistency >= v.thresholds.MinConsistency

	if v.thresholds.Strict {
		for _, issue := range report.Issues {
			if issue.Severity == SeverityError {
				report.Passed = false
				break
			}
		}
	}

	return report
}
