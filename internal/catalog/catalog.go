// Copyright 2025 James Ross

// Package catalog holds the immutable priority and phase tables that drive
// job scoring and phase sequencing: geography and variable weights, the
// curated priority metro/state lists, and the ordered phase DAG.
package catalog

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// GeographyLevel enumerates the supported census geography granularities,
// ordered coarse to fine.
type GeographyLevel string

const (
	LevelNation     GeographyLevel = "nation"
	LevelState      GeographyLevel = "state"
	LevelMetro      GeographyLevel = "metro"
	LevelCounty     GeographyLevel = "county"
	LevelPlace      GeographyLevel = "place"
	LevelTract      GeographyLevel = "tract"
	LevelBlockGroup GeographyLevel = "block_group"
	LevelZcta       GeographyLevel = "zcta"
)

// VariableCategory groups census variables by their subject-matter concept.
type VariableCategory string

const (
	CategoryPopulation VariableCategory = "population"
	CategoryHousing    VariableCategory = "housing"
	CategoryEconomic   VariableCategory = "economic"
	CategoryDemographic VariableCategory = "demographic"
)

// GeographyPriority maps a geography level to its business-value weight,
// 0..100.
var GeographyPriority = map[GeographyLevel]int{
	LevelNation:     100,
	LevelState:      90,
	LevelMetro:      80,
	LevelCounty:     70,
	LevelZcta:       55,
	LevelPlace:      60,
	LevelTract:      50,
	LevelBlockGroup: 40,
}

// VariableDefinition describes one named census attribute code.
type VariableDefinition struct {
	Code        string
	Weight      int
	Category    VariableCategory
	Description string
}

// VariablePriority maps a variable code to its definition. A small curated
// set; codes outside this core list score a neutral weight of 50 in
// MeanVariableWeight.
var VariablePriority = map[string]VariableDefinition{
	"B01003_001E": {Code: "B01003_001E", Weight: 100, Category: CategoryPopulation, Description: "Total population"},
	"B19013_001E": {Code: "B19013_001E", Weight: 90, Category: CategoryEconomic, Description: "Median household income"},
	"B25001_001E": {Code: "B25001_001E", Weight: 70, Category: CategoryHousing, Description: "Total housing units"},
	"B25077_001E": {Code: "B25077_001E", Weight: 65, Category: CategoryHousing, Description: "Median home value"},
	"B02001_002E": {Code: "B02001_002E", Weight: 60, Category: CategoryDemographic, Description: "White alone population"},
	"B02001_003E": {Code: "B02001_003E", Weight: 60, Category: CategoryDemographic, Description: "Black or African American alone population"},
	"B15003_022E": {Code: "B15003_022E", Weight: 55, Category: CategoryDemographic, Description: "Bachelor's degree attainment"},
	"B23025_005E": {Code: "B23025_005E", Weight: 75, Category: CategoryEconomic, Description: "Unemployed civilian labor force"},
}

// PriorityMetroEntry and PriorityStateEntry carry a curated per-entry weight
// bump, used to front-load high-population geographies within a level.
type PriorityMetroEntry struct {
	CBSACode string
	Name     string
	Weight   int
}

type PriorityStateEntry struct {
	FIPS   string
	Name   string
	Weight int
}

var PriorityMetros = []PriorityMetroEntry{
	{CBSACode: "35620", Name: "New York-Newark-Jersey City", Weight: 100},
	{CBSACode: "31080", Name: "Los Angeles-Long Beach-Anaheim", Weight: 95},
	{CBSACode: "16980", Name: "Chicago-Naperville-Elgin", Weight: 90},
	{CBSACode: "19100", Name: "Dallas-Fort Worth-Arlington", Weight: 85},
	{CBSACode: "26420", Name: "Houston-The Woodlands-Sugar Land", Weight: 85},
}

var PriorityStates = []PriorityStateEntry{
	{FIPS: "06", Name: "California", Weight: 100},
	{FIPS: "48", Name: "Texas", Weight: 95},
	{FIPS: "12", Name: "Florida", Weight: 90},
	{FIPS: "36", Name: "New York", Weight: 90},
	{FIPS: "17", Name: "Illinois", Weight: 80},
}

// PhaseName identifies a named loading phase.
type PhaseName string

const (
	PhaseFoundation    PhaseName = "foundation"
	PhaseExpansion     PhaseName = "expansion"
	PhaseComprehensive PhaseName = "comprehensive"
	PhaseDetailed      PhaseName = "detailed"
)

// PhaseDefinition is a static, immutable description of one loading phase.
type PhaseDefinition struct {
	Name               PhaseName
	Priority           int
	Description        string
	Dependencies       []PhaseName
	Geographies        []GeographyLevel
	Variables          []string
	EstimatedJobs      int
	EstimatedAPICalls  int
}

// Phases is the ordered phase DAG, strictly decreasing priority, each
// phase depending on the completion of all phases listed before it.
var Phases = []PhaseDefinition{
	{
		Name:              PhaseFoundation,
		Priority:          100,
		Description:       "Nation- and state-level core population and economic variables",
		Dependencies:      nil,
		Geographies:       []GeographyLevel{LevelNation, LevelState},
		Variables:         []string{"B01003_001E", "B19013_001E", "B23025_005E"},
		EstimatedJobs:     2,
		EstimatedAPICalls: 2,
	},
	{
		Name:              PhaseExpansion,
		Priority:          80,
		Description:       "Priority metros and counties, housing and demographic variables",
		Dependencies:      []PhaseName{PhaseFoundation},
		Geographies:       []GeographyLevel{LevelMetro, LevelCounty},
		Variables:         []string{"B01003_001E", "B25001_001E", "B25077_001E", "B02001_002E", "B02001_003E"},
		EstimatedJobs:     60,
		EstimatedAPICalls: 60,
	},
	{
		Name:              PhaseComprehensive,
		Priority:          60,
		Description:       "All places and zip code tabulation areas, full variable set",
		Dependencies:      []PhaseName{PhaseFoundation, PhaseExpansion},
		Geographies:       []GeographyLevel{LevelPlace, LevelZcta},
		Variables:         []string{"B01003_001E", "B19013_001E", "B25001_001E", "B25077_001E", "B15003_022E"},
		EstimatedJobs:     200,
		EstimatedAPICalls: 200,
	},
	{
		Name:              PhaseDetailed,
		Priority:          40,
		Description:       "Tract and block-group level detail for priority states",
		Dependencies:      []PhaseName{PhaseFoundation, PhaseExpansion, PhaseComprehensive},
		Geographies:       []GeographyLevel{LevelTract, LevelBlockGroup},
		Variables:         []string{"B01003_001E", "B19013_001E", "B02001_002E", "B02001_003E"},
		EstimatedJobs:     3000,
		EstimatedAPICalls: 3000,
	},
}

// PhaseByName looks up a phase by name.
func PhaseByName(name PhaseName) (PhaseDefinition, bool) {
	for _, p := range Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseDefinition{}, false
}

// PhasesDescendingPriority returns the phase DAG sorted by descending
// priority, the order the orchestrator evaluates them in.
func PhasesDescendingPriority() []PhaseDefinition {
	out := make([]PhaseDefinition, len(Phases))
	copy(out, Phases)
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// recordCountEstimate is a fixed national-scale lookup per geography level.
var recordCountEstimate = map[GeographyLevel]int{
	LevelNation:     1,
	LevelState:      52,
	LevelMetro:      392,
	LevelCounty:     3144,
	LevelPlace:      29500,
	LevelZcta:       33000,
	LevelTract:      85000,
	LevelBlockGroup: 220740,
}

// EstimateRecords returns the fixed national estimate for a level, clamped
// to the cardinality of an explicit filter set when one is supplied.
func EstimateRecords(level GeographyLevel, filterCodes []string) int {
	est := recordCountEstimate[level]
	if len(filterCodes) > 0 && len(filterCodes) < est {
		return len(filterCodes)
	}
	return est
}

// MeanVariableWeight returns the mean weight over a set of variable codes;
// unknown codes contribute a neutral weight of 50.
func MeanVariableWeight(codes []string) float64 {
	if len(codes) == 0 {
		return 50
	}
	total := 0
	for _, c := range codes {
		if def, ok := VariablePriority[c]; ok {
			total += def.Weight
		} else {
			total += 50
		}
	}
	return float64(total) / float64(len(codes))
}

// JobPriorityInput carries the inputs to the scoring function.
type JobPriorityInput struct {
	Geography GeographyLevel
	Variables []string
	Phase     PhaseName
}

// JobPriority computes job_priority = round(0.5*geo_weight + 0.3*mean(var_weights) + 0.2*phase_weight).
func JobPriority(in JobPriorityInput) int {
	geoWeight := float64(GeographyPriority[in.Geography])
	varWeight := MeanVariableWeight(in.Variables)
	phaseWeight := 0.0
	if p, ok := PhaseByName(in.Phase); ok {
		phaseWeight = float64(p.Priority)
	}
	score := 0.5*geoWeight + 0.3*varWeight + 0.2*phaseWeight
	return int(math.Round(score))
}

// DependenciesSatisfied reports whether every phase in deps is terminal
// according to the supplied lookup.
func DependenciesSatisfied(deps []PhaseName, isTerminal func(PhaseName) bool) bool {
	for _, d := range deps {
		if !isTerminal(d) {
			return false
		}
	}
	return true
}

// Tie-break helper: earlier created_at wins among equal priority.
func LessByPriorityThenAge(aPriority, bPriority int, aCreated, bCreated time.Time) bool {
	if aPriority != bPriority {
		return aPriority > bPriority
	}
	return aCreated.Before(bCreated)
}

// ValidateDAG returns an error if a phase depends on an unknown phase or on
// a phase whose priority is not strictly higher than its own. init panics
// on that error: it is a programmer error, not a runtime condition, so it
// fails loudly at package load.
func ValidateDAG() error {
	seen := map[PhaseName]int{}
	for _, p := range Phases {
		seen[p.Name] = p.Priority
	}
	for _, p := range Phases {
		for _, d := range p.Dependencies {
			depPriority, ok := seen[d]
			if !ok {
				return fmt.Errorf("catalog: phase %q depends on unknown phase %q", p.Name, d)
			}
			if depPriority <= p.Priority {
				return fmt.Errorf("catalog: phase %q must have lower priority than its dependency %q", p.Name, d)
			}
		}
	}
	return nil
}

func init() {
	if err := ValidateDAG(); err != nil {
		panic(err)
	}
}
