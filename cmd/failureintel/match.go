package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"github.com/spf13/cobra"
)

type matchOptions struct {
	symptoms     string
	errorCodes   []string
	vehicleMake  string
	vehicleModel string
	subsystem    string
	limit        int
	ticketID     string
}

func newMatchCmd(root *rootOptions) *cobra.Command {
	opts := &matchOptions{}
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Match a symptom report or ticket against the card store",
		Long: `Run the matching cascade locally and print the ranked cards as JSON.

Examples:
  # Match by symptoms and error code
  failureintel match --symptoms "range drops suddenly at 40%" --error-code BMS-017

  # Narrow by vehicle and subsystem
  failureintel match --symptoms "charger fan noise" --make Ather --subsystem charger

  # Match a stored ticket and save the suggestions on it
  failureintel match --ticket T-1042`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ticketID == "" && opts.symptoms == "" && len(opts.errorCodes) == 0 {
				return errors.New("one of --symptoms, --error-code or --ticket is required")
			}
			return runMatch(cmd.Context(), root, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.symptoms, "symptoms", "", "free-text symptom description")
	f.StringSliceVar(&opts.errorCodes, "error-code", nil, "diagnostic error code (repeatable)")
	f.StringVar(&opts.vehicleMake, "make", "", "vehicle make")
	f.StringVar(&opts.vehicleModel, "model", "", "vehicle model")
	f.StringVar(&opts.subsystem, "subsystem", "", "subsystem hint (battery, motor, bms, ...)")
	f.IntVar(&opts.limit, "limit", 0, "maximum results (default from config)")
	f.StringVar(&opts.ticketID, "ticket", "", "match a stored ticket instead of flags")
	return cmd
}

func runMatch(ctx context.Context, root *rootOptions, opts *matchOptions, out, logOut io.Writer) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logOut)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	var resp *failure.MatchResponse
	if opts.ticketID != "" {
		resp, err = a.svc.MatchTicketToFailures(ctx, opts.ticketID)
	} else {
		resp, err = a.svc.Match(ctx, &failure.MatchRequest{
			Symptoms:      opts.symptoms,
			ErrorCodes:    opts.errorCodes,
			VehicleMake:   opts.vehicleMake,
			VehicleModel:  opts.vehicleModel,
			SubsystemHint: failure.Subsystem(opts.subsystem),
			Limit:         opts.limit,
		})
	}
	if err != nil {
		return fmt.Errorf("match failed: %w", err)
	}
	return writeJSON(out, resp)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
