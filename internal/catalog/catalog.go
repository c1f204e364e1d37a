// Package catalog imports curated failure cards from TOML files.
//
// A catalog file holds one [[card]] table per card:
//
//	[[card]]
//	title = "BMS cell imbalance cutoff"
//	subsystem = "bms"
//	failure_mode = "intermittent"
//	symptom_text = "Vehicle cuts out under load, battery shows 40%"
//	error_codes = ["BMS-017"]
//	approve = true
//
//	  [[card.steps]]
//	  action = "Read per-cell voltages"
//	  minutes = 15
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"go.uber.org/zap"
)

// ErrInvalidCatalog is returned when a catalog file cannot be parsed or
// contains an invalid card.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Catalog is a parsed catalog file.
type Catalog struct {
	Cards []Entry `toml:"card"`
}

// Entry is one curated card.
type Entry struct {
	Title       string   `toml:"title"`
	Description string   `toml:"description"`
	Subsystem   string   `toml:"subsystem"`
	FailureMode string   `toml:"failure_mode"`
	SymptomText string   `toml:"symptom_text"`
	Keywords    []string `toml:"keywords"`
	ErrorCodes  []string `toml:"error_codes"`
	RootCause   string   `toml:"root_cause"`
	Approve     bool     `toml:"approve"`

	Steps    []Step    `toml:"steps"`
	Parts    []Part    `toml:"parts"`
	Vehicles []Vehicle `toml:"vehicles"`
}

// Step is a resolution step.
type Step struct {
	Action  string   `toml:"action"`
	Minutes int      `toml:"minutes"`
	Tools   []string `toml:"tools"`
}

// Part is a required part.
type Part struct {
	Number   string  `toml:"number"`
	Name     string  `toml:"name"`
	Quantity int     `toml:"quantity"`
	UnitCost float64 `toml:"unit_cost"`
}

// Vehicle is an applicable vehicle model range.
type Vehicle struct {
	Make     string `toml:"make"`
	Model    string `toml:"model"`
	YearFrom int    `toml:"year_from"`
	YearTo   int    `toml:"year_to"`
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	cat, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cat, nil
}

// Parse decodes a catalog. Unknown keys are rejected so typos in field
// names do not silently drop data.
func Parse(r io.Reader) (*Catalog, error) {
	var cat Catalog
	md, err := toml.NewDecoder(r).Decode(&cat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidCatalog, strings.Join(keys, ", "))
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks every entry and reports all problems at once.
func (c *Catalog) Validate() error {
	var errs []error
	for i, e := range c.Cards {
		if strings.TrimSpace(e.Title) == "" {
			errs = append(errs, fmt.Errorf("%w: card %d: title is required", ErrInvalidCatalog, i))
		}
		if !failure.Subsystem(e.Subsystem).Valid() {
			errs = append(errs, fmt.Errorf("%w: card %d: unknown subsystem %q", ErrInvalidCatalog, i, e.Subsystem))
		}
		for _, p := range e.Parts {
			if p.Quantity < 0 || p.UnitCost < 0 {
				errs = append(errs, fmt.Errorf("%w: card %d: part %s has negative quantity or cost", ErrInvalidCatalog, i, p.Number))
			}
		}
	}
	return errors.Join(errs...)
}

// Request converts the entry into a card creation request.
func (e Entry) Request(createdBy string) *failure.CreateCardRequest {
	req := &failure.CreateCardRequest{
		Title:       strings.TrimSpace(e.Title),
		Description: e.Description,
		Subsystem:   failure.Subsystem(e.Subsystem),
		FailureMode: failure.FailureMode(e.FailureMode),
		SymptomText: e.SymptomText,
		Keywords:    e.Keywords,
		ErrorCodes:  e.ErrorCodes,
		RootCause:   e.RootCause,
		SourceType:  failure.SourceCurated,
		CreatedBy:   createdBy,
	}
	if req.FailureMode == "" {
		req.FailureMode = failure.ModeOther
	}
	for i, s := range e.Steps {
		req.ResolutionSteps = append(req.ResolutionSteps, failure.ResolutionStep{
			Order:            i + 1,
			Action:           s.Action,
			EstimatedMinutes: s.Minutes,
			Tools:            s.Tools,
		})
	}
	for _, p := range e.Parts {
		qty := p.Quantity
		if qty == 0 {
			qty = 1
		}
		req.RequiredParts = append(req.RequiredParts, failure.RequiredPart{
			PartNumber: p.Number,
			Name:       p.Name,
			Quantity:   qty,
			UnitCost:   p.UnitCost,
		})
	}
	for _, v := range e.Vehicles {
		req.VehicleModels = append(req.VehicleModels, failure.VehicleModel{
			Make:     v.Make,
			Model:    v.Model,
			YearFrom: v.YearFrom,
			YearTo:   v.YearTo,
		})
	}
	return req
}

// CardService is the subset of failure.Service used by Import.
type CardService interface {
	CreateCard(ctx context.Context, req *failure.CreateCardRequest) (*failure.Card, error)
	ApproveCard(ctx context.Context, failureID, approvedBy, notes string) (*failure.Card, error)
	ListCards(ctx context.Context, filter failure.CardFilter) ([]*failure.Card, error)
}

// ImportOptions controls Import.
type ImportOptions struct {
	// Actor is recorded as creator and approver. Default: "catalog".
	Actor string

	// DryRun validates and reports without writing.
	DryRun bool
}

// ImportResult summarizes an import.
type ImportResult struct {
	Created  []string `json:"created"`
	Approved []string `json:"approved"`
	Skipped  []string `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Import creates every entry whose title is not already present in its
// subsystem. Titles compare case-insensitively, so re-running an import is
// a no-op. A failing entry is recorded and the import continues.
func Import(ctx context.Context, svc CardService, cat *Catalog, opts ImportOptions, logger *zap.Logger) (*ImportResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Actor == "" {
		opts.Actor = "catalog"
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}

	existing := make(map[failure.Subsystem]map[string]bool)
	result := &ImportResult{}

	for _, e := range cat.Cards {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		sub := failure.Subsystem(e.Subsystem)
		titles, ok := existing[sub]
		if !ok {
			cards, err := svc.ListCards(ctx, failure.CardFilter{Subsystem: sub})
			if err != nil {
				return result, fmt.Errorf("list %s cards: %w", sub, err)
			}
			titles = make(map[string]bool, len(cards))
			for _, c := range cards {
				titles[titleKey(c.Title)] = true
			}
			existing[sub] = titles
		}

		key := titleKey(e.Title)
		if titles[key] {
			result.Skipped = append(result.Skipped, e.Title)
			continue
		}
		titles[key] = true
		if opts.DryRun {
			result.Created = append(result.Created, e.Title)
			continue
		}

		card, err := svc.CreateCard(ctx, e.Request(opts.Actor))
		if err != nil {
			logger.Warn("catalog entry rejected", zap.String("title", e.Title), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", e.Title, err))
			continue
		}
		result.Created = append(result.Created, card.FailureID)

		if e.Approve {
			if _, err := svc.ApproveCard(ctx, card.FailureID, opts.Actor, "imported from catalog"); err != nil {
				logger.Warn("catalog approval failed", zap.String("failure_id", card.FailureID), zap.Error(err))
				result.Errors = append(result.Errors, fmt.Sprintf("%s: approve: %v", e.Title, err))
				continue
			}
			result.Approved = append(result.Approved, card.FailureID)
		}
	}

	logger.Info("catalog imported",
		zap.Int("created", len(result.Created)),
		zap.Int("approved", len(result.Approved)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

func titleKey(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}
