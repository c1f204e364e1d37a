package failure

import (
	"strings"
	"time"
)

// Subsystem is the vehicle subsystem a failure belongs to.
type Subsystem string

const (
	SubsystemBattery      Subsystem = "battery"
	SubsystemMotor        Subsystem = "motor"
	SubsystemController   Subsystem = "controller"
	SubsystemCharger      Subsystem = "charger"
	SubsystemBMS          Subsystem = "bms"
	SubsystemBrakes       Subsystem = "brakes"
	SubsystemSuspension   Subsystem = "suspension"
	SubsystemElectrical   Subsystem = "electrical"
	SubsystemDisplay      Subsystem = "display"
	SubsystemTransmission Subsystem = "transmission"
	SubsystemCooling      Subsystem = "cooling"
	SubsystemBody         Subsystem = "body"
	SubsystemOther        Subsystem = "other"
)

var validSubsystems = map[Subsystem]bool{
	SubsystemBattery: true, SubsystemMotor: true, SubsystemController: true,
	SubsystemCharger: true, SubsystemBMS: true, SubsystemBrakes: true,
	SubsystemSuspension: true, SubsystemElectrical: true, SubsystemDisplay: true,
	SubsystemTransmission: true, SubsystemCooling: true, SubsystemBody: true,
	SubsystemOther: true,
}

// Valid reports whether s is a known subsystem.
func (s Subsystem) Valid() bool { return validSubsystems[s] }

// FailureMode describes how a failure manifests.
type FailureMode string

const (
	ModeIntermittent        FailureMode = "intermittent"
	ModeCompleteFailure     FailureMode = "complete_failure"
	ModeDegradedPerformance FailureMode = "degraded_performance"
	ModeNoise               FailureMode = "noise"
	ModeOverheating         FailureMode = "overheating"
	ModeLeakage             FailureMode = "leakage"
	ModeElectricalShort     FailureMode = "electrical_short"
	ModeCommunicationLoss   FailureMode = "communication_loss"
	ModeOther               FailureMode = "other"
)

// Status is the lifecycle state of a card.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusApproved   Status = "approved"
	StatusDeprecated Status = "deprecated"
)

// SourceType records where a card came from.
type SourceType string

const (
	SourceFieldDiscovery SourceType = "field_discovery"
	SourceCurated        SourceType = "curated"
	SourceOEMManual      SourceType = "oem_manual"
	SourceImported       SourceType = "imported"
)

// ConfidenceLevel is the discrete bucket for a confidence score.
type ConfidenceLevel string

const (
	LevelLow      ConfidenceLevel = "LOW"
	LevelMedium   ConfidenceLevel = "MEDIUM"
	LevelHigh     ConfidenceLevel = "HIGH"
	LevelVerified ConfidenceLevel = "VERIFIED"
)

// Confidence history reasons.
const (
	ReasonInitial            = "initial"
	ReasonExpertApproval     = "expert_approval"
	ReasonManualUpdate       = "manual_update"
	ReasonTechnicianFeedback = "technician_feedback"
)

// Signature is the structured fingerprint of a failure.
type Signature struct {
	PrimarySymptoms  []string    `json:"primary_symptoms"`
	ErrorCodes       []string    `json:"error_codes"`
	Subsystem        Subsystem   `json:"subsystem"`
	FailureMode      FailureMode `json:"failure_mode,omitempty"`
	TemperatureRange string      `json:"temperature_range,omitempty"`
	LoadCondition    string      `json:"load_condition,omitempty"`
}

// ResolutionStep is one ordered repair step.
type ResolutionStep struct {
	Order            int      `json:"order"`
	Action           string   `json:"action"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	Tools            []string `json:"tools,omitempty"`
}

// RequiredPart is a part needed to apply a resolution.
type RequiredPart struct {
	PartNumber string  `json:"part_number"`
	Name       string  `json:"name"`
	Quantity   int     `json:"quantity"`
	UnitCost   float64 `json:"unit_cost"`
}

// VehicleModel identifies a make/model a card applies to.
type VehicleModel struct {
	Make     string `json:"make"`
	Model    string `json:"model,omitempty"`
	YearFrom int    `json:"year_from,omitempty"`
	YearTo   int    `json:"year_to,omitempty"`
}

// ConfidenceEntry is one append-only confidence change.
type ConfidenceEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	PreviousScore float64   `json:"previous_score"`
	NewScore      float64   `json:"new_score"`
	Reason        string    `json:"change_reason"`
	Notes         string    `json:"notes,omitempty"`
}

// VersionEntry records the fields changed by one mutation.
type VersionEntry struct {
	Version       int       `json:"version"`
	ChangedFields []string  `json:"changed_fields"`
	ChangedBy     string    `json:"changed_by,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Card is a stored unit of diagnostic knowledge.
type Card struct {
	FailureID       string           `json:"failure_id"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Subsystem       Subsystem        `json:"subsystem"`
	FailureMode     FailureMode      `json:"failure_mode,omitempty"`
	SymptomText     string           `json:"symptom_text"`
	Keywords        []string         `json:"keywords"`
	ErrorCodes      []string         `json:"error_codes"`
	RootCause       string           `json:"root_cause"`
	ResolutionSteps []ResolutionStep `json:"resolution_steps"`
	RequiredParts   []RequiredPart   `json:"required_parts"`
	VehicleModels   []VehicleModel   `json:"vehicle_models"`

	Signature     Signature `json:"failure_signature"`
	SignatureHash string    `json:"signature_hash"`

	ConfidenceScore   float64           `json:"confidence_score"`
	ConfidenceLevel   ConfidenceLevel   `json:"confidence_level"`
	ConfidenceHistory []ConfidenceEntry `json:"confidence_history,omitempty"`

	UsageCount         int64   `json:"usage_count"`
	SuccessCount       int64   `json:"success_count"`
	FailureCount       int64   `json:"failure_count"`
	EffectivenessScore float64 `json:"effectiveness_score"`

	Status            Status         `json:"status"`
	DeprecationReason string         `json:"deprecation_reason,omitempty"`
	Version           int            `json:"version"`
	VersionHistory    []VersionEntry `json:"version_history,omitempty"`

	SourceType     SourceType `json:"source_type"`
	SourceTicketID string     `json:"source_ticket_id,omitempty"`
	CreatedBy      string     `json:"created_by,omitempty"`

	EstimatedPartsCost    float64 `json:"estimated_parts_cost"`
	EstimatedLaborMinutes int     `json:"estimated_labor_minutes"`
	EstimatedLaborCost    float64 `json:"estimated_labor_cost"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RefreshDerived recomputes the confidence level and effectiveness from
// the stored score and counters.
func (c *Card) RefreshDerived() {
	c.ConfidenceLevel = LevelFor(c.ConfidenceScore)
	c.EffectivenessScore = Effectiveness(c.SuccessCount, c.FailureCount, c.UsageCount)
}

// vehicleBonus scores how well the card's vehicle list fits a make/model.
func (c *Card) vehicleBonus(vehicleMake, vehicleModel string) float64 {
	if vehicleMake == "" {
		return 0
	}
	best := 0.0
	for _, vm := range c.VehicleModels {
		if !strings.EqualFold(vm.Make, vehicleMake) {
			continue
		}
		bonus := 0.15
		if vehicleModel != "" && strings.EqualFold(vm.Model, vehicleModel) {
			bonus += 0.10
		}
		if bonus > best {
			best = bonus
		}
	}
	return best
}

// CreateCardRequest carries the fields for a new card.
type CreateCardRequest struct {
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Subsystem       Subsystem        `json:"subsystem"`
	FailureMode     FailureMode      `json:"failure_mode,omitempty"`
	SymptomText     string           `json:"symptom_text"`
	Keywords        []string         `json:"keywords,omitempty"`
	ErrorCodes      []string         `json:"error_codes,omitempty"`
	RootCause       string           `json:"root_cause"`
	ResolutionSteps []ResolutionStep `json:"resolution_steps,omitempty"`
	RequiredParts   []RequiredPart   `json:"required_parts,omitempty"`
	VehicleModels   []VehicleModel   `json:"vehicle_models,omitempty"`
	Signature       *Signature       `json:"failure_signature,omitempty"`
	SourceType      SourceType       `json:"source_type,omitempty"`
	SourceTicketID  string           `json:"source_ticket_id,omitempty"`
	CreatedBy       string           `json:"created_by,omitempty"`
}

// UpdateCardRequest carries optional field changes. Nil fields are left as-is.
type UpdateCardRequest struct {
	Title           *string          `json:"title,omitempty"`
	Description     *string          `json:"description,omitempty"`
	Subsystem       *Subsystem       `json:"subsystem,omitempty"`
	FailureMode     *FailureMode     `json:"failure_mode,omitempty"`
	SymptomText     *string          `json:"symptom_text,omitempty"`
	Keywords        []string         `json:"keywords,omitempty"`
	ErrorCodes      []string         `json:"error_codes,omitempty"`
	RootCause       *string          `json:"root_cause,omitempty"`
	ResolutionSteps []ResolutionStep `json:"resolution_steps,omitempty"`
	RequiredParts   []RequiredPart   `json:"required_parts,omitempty"`
	VehicleModels   []VehicleModel   `json:"vehicle_models,omitempty"`
	Signature       *Signature       `json:"failure_signature,omitempty"`
	ConfidenceScore *float64         `json:"confidence_score,omitempty"`
	ConfidenceNotes string           `json:"confidence_notes,omitempty"`
	UpdatedBy       string           `json:"updated_by,omitempty"`

	// ExpectedVersion guards against lost updates when non-zero.
	ExpectedVersion int `json:"expected_version,omitempty"`
}

// CardFilter selects cards for listing.
type CardFilter struct {
	Status           Status     `json:"status,omitempty"`
	Subsystem        Subsystem  `json:"subsystem,omitempty"`
	SourceType       SourceType `json:"source_type,omitempty"`
	MinConfidence    float64    `json:"min_confidence,omitempty"`
	MinEffectiveness float64    `json:"min_effectiveness,omitempty"`

	// Search matches title, description, symptom text, root cause or keywords.
	Search    string `json:"search,omitempty"`
	Keyword   string `json:"keyword,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	ExcludeDeprecated bool `json:"exclude_deprecated,omitempty"`

	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Outcome is the result of a repair episode.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomePartial Outcome = "partial"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailed, OutcomePartial:
		return true
	}
	return false
}

// Observation is a measurement taken during diagnosis.
type Observation struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// NewFailureReport describes a failure the technician could not find a card for.
type NewFailureReport struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Subsystem   Subsystem `json:"subsystem,omitempty"`
	ErrorCodes  []string  `json:"error_codes,omitempty"`
	RootCause   string    `json:"root_cause,omitempty"`
	Resolution  string    `json:"resolution,omitempty"`
}

// TechnicianAction is an immutable record of a diagnostic/repair episode.
type TechnicianAction struct {
	ActionID           string            `json:"action_id"`
	TicketID           string            `json:"ticket_id"`
	TechnicianID       string            `json:"technician_id"`
	FailureID          string            `json:"failure_id,omitempty"`
	DiagnosticSteps    []string          `json:"diagnostic_steps,omitempty"`
	RejectedHypotheses []string          `json:"rejected_hypotheses,omitempty"`
	Observations       []Observation     `json:"observations,omitempty"`
	PartsUsed          []RequiredPart    `json:"parts_used,omitempty"`
	Outcome            Outcome           `json:"outcome"`
	HelpfulnessRating  int               `json:"helpfulness_rating,omitempty"`
	AccuracyRating     int               `json:"accuracy_rating,omitempty"`
	UnsafeOutcome      bool              `json:"unsafe_outcome,omitempty"`
	Notes              string            `json:"notes,omitempty"`
	NewFailure         *NewFailureReport `json:"new_failure,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// RecordActionRequest is the input for RecordTechnicianAction.
type RecordActionRequest struct {
	TicketID           string            `json:"ticket_id"`
	TechnicianID       string            `json:"technician_id"`
	FailureID          string            `json:"failure_id,omitempty"`
	DiagnosticSteps    []string          `json:"diagnostic_steps,omitempty"`
	RejectedHypotheses []string          `json:"rejected_hypotheses,omitempty"`
	Observations       []Observation     `json:"observations,omitempty"`
	PartsUsed          []RequiredPart    `json:"parts_used,omitempty"`
	Outcome            Outcome           `json:"outcome"`
	HelpfulnessRating  int               `json:"helpfulness_rating,omitempty"`
	AccuracyRating     int               `json:"accuracy_rating,omitempty"`
	UnsafeOutcome      bool              `json:"unsafe_outcome,omitempty"`
	Notes              string            `json:"notes,omitempty"`
	NewFailure         *NewFailureReport `json:"new_failure,omitempty"`
}

// PartUsage is an immutable record of a part consumed on a ticket.
type PartUsage struct {
	UsageID      string    `json:"usage_id"`
	TicketID     string    `json:"ticket_id"`
	FailureID    string    `json:"failure_id,omitempty"`
	TechnicianID string    `json:"technician_id,omitempty"`
	PartNumber   string    `json:"part_number"`
	PartName     string    `json:"part_name,omitempty"`
	Quantity     int       `json:"quantity"`
	UnitCost     float64   `json:"unit_cost"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ticket is the host application's service ticket as seen by this engine.
type Ticket struct {
	TicketID            string    `json:"ticket_id"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	ErrorCodes          []string  `json:"error_codes,omitempty"`
	VehicleMake         string    `json:"vehicle_make,omitempty"`
	VehicleModel        string    `json:"vehicle_model,omitempty"`
	Subsystem           Subsystem `json:"subsystem,omitempty"`
	SuggestedFailureIDs []string  `json:"suggested_failure_ids,omitempty"`
}

// MatchType names the strategy that produced a match score.
type MatchType string

const (
	MatchSignature        MatchType = "signature"
	MatchSubsystemVehicle MatchType = "subsystem_vehicle"
	MatchSemantic         MatchType = "semantic"
	MatchHybrid           MatchType = "hybrid"
	MatchKeyword          MatchType = "keyword"
)

// MatchRequest is a symptom report to match against stored cards.
type MatchRequest struct {
	Symptoms         string      `json:"symptoms"`
	ErrorCodes       []string    `json:"error_codes,omitempty"`
	VehicleMake      string      `json:"vehicle_make,omitempty"`
	VehicleModel     string      `json:"vehicle_model,omitempty"`
	SubsystemHint    Subsystem   `json:"subsystem_hint,omitempty"`
	FailureModeHint  FailureMode `json:"failure_mode_hint,omitempty"`
	TemperatureRange string      `json:"temperature_range,omitempty"`
	LoadCondition    string      `json:"load_condition,omitempty"`
	Limit            int         `json:"limit,omitempty"`
}

// MatchResult is one ranked candidate card.
type MatchResult struct {
	FailureID          string          `json:"failure_id"`
	Title              string          `json:"title"`
	MatchScore         float64         `json:"match_score"`
	MatchType          MatchType       `json:"match_type"`
	MatchStage         int             `json:"match_stage"`
	ConfidenceLevel    ConfidenceLevel `json:"confidence_level"`
	ConfidenceScore    float64         `json:"confidence_score"`
	EffectivenessScore float64         `json:"effectiveness_score"`
	MatchedErrorCodes  []string        `json:"matched_error_codes,omitempty"`
	MatchedSymptoms    []string        `json:"matched_symptoms,omitempty"`
}

// MatchResponse is the ranked output of the cascade.
type MatchResponse struct {
	Matches        []MatchResult `json:"matches"`
	StagesUsed     []string      `json:"stages_used"`
	SignatureHash  string        `json:"signature_hash"`
	ProcessingTime time.Duration `json:"processing_time_ns"`
}

// AnalyticsOverview aggregates the knowledge base state.
type AnalyticsOverview struct {
	TotalCards         int                     `json:"total_cards"`
	ByStatus           map[Status]int          `json:"by_status"`
	BySubsystem        map[Subsystem]int       `json:"by_subsystem"`
	BySourceType       map[SourceType]int      `json:"by_source_type"`
	ByConfidenceLevel  map[ConfidenceLevel]int `json:"by_confidence_level"`
	TotalUsage         int64                   `json:"total_usage"`
	TotalSuccess       int64                   `json:"total_success"`
	TotalFailure       int64                   `json:"total_failure"`
	AverageConfidence  float64                 `json:"average_confidence"`
	TopByUsage         []CardSummary           `json:"top_by_usage"`
	TopByEffectiveness []CardSummary           `json:"top_by_effectiveness"`
	ActionsByOutcome   map[Outcome]int         `json:"actions_by_outcome"`
	TopParts           []PartSummary           `json:"top_parts"`
}

// CardSummary is a compact card view used in analytics.
type CardSummary struct {
	FailureID          string    `json:"failure_id"`
	Title              string    `json:"title"`
	Subsystem          Subsystem `json:"subsystem"`
	UsageCount         int64     `json:"usage_count"`
	EffectivenessScore float64   `json:"effectiveness_score"`
	ConfidenceScore    float64   `json:"confidence_score"`
}

// PartSummary aggregates usage of one part number.
type PartSummary struct {
	PartNumber    string  `json:"part_number"`
	PartName      string  `json:"part_name,omitempty"`
	TotalQuantity int     `json:"total_quantity"`
	TotalCost     float64 `json:"total_cost"`
}
