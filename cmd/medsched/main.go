// Package main provides the medsched command line tool for working with medication files
// offline.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-medsched/internal/domain/medication"
	fhir "github.com/drfirst/go-medsched/internal/fhir/r5"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "medsched",
		Short:        "Medication schedule and adherence tool",
		SilenceUsage: true,
	}
	root.AddCommand(interpretCmd())
	root.AddCommand(scheduleCmd())
	root.AddCommand(adherenceCmd())
	root.AddCommand(fhirCmd())
	return root
}

func interpretCmd() *cobra.Command {
	var (
		frequency string
		timing    []string
	)
	cmd := &cobra.Command{
		Use:   "interpret",
		Short: "Show the daily dose times derived from frequency text and timing",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := medication.Interpret(frequency, timing)
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"kind":         in.Kind.String(),
				"from_timing":  in.FromTiming,
				"needs_review": in.NeedsReview,
				"note":         in.Note,
				"phrase":       medication.FrequencyPhrase(len(in.Slots)),
				"slots":        in.Slots,
			})
		},
	}
	cmd.Flags().StringVarP(&frequency, "frequency", "f", "", "frequency text, e.g. \"twice daily\"")
	cmd.Flags().StringSliceVarP(&timing, "timing", "t", nil, "explicit HH:MM times")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var (
		date string
		at   string
		tz   string
	)
	cmd := &cobra.Command{
		Use:   "schedule FILE",
		Short: "Print the summary and the doses of one day for a medication JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var med medication.Medication
			if err := readJSON(args[0], &med); err != nil {
				return err
			}
			med.ScheduledDoses = medication.CalculateSchedule(&med)

			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("timezone: %w", err)
			}
			now := time.Now().In(loc)
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--now: %w", err)
				}
				now = now.In(loc)
			}
			day := medication.DateOf(now)
			if date != "" {
				if day, err = medication.ParseDate(date); err != nil {
					return err
				}
			}

			doses := make([]medication.DayDose, 0)
			for _, occ := range medication.Materialize(&med, day) {
				doses = append(doses, medication.DayDose{DoseOccurrence: occ, Display: medication.Classify(occ, now)})
			}
			today := medication.DateOf(now)
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"summary":        medication.Summary(&med, today),
				"active":         medication.IsActive(&med, day),
				"remaining_days": medication.RemainingDays(&med, today),
				"date":           day.String(),
				"doses":          doses,
				"upcoming":       medication.Upcoming(&med, now),
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to materialize (YYYY-MM-DD), defaults to today")
	cmd.Flags().StringVar(&at, "now", "", "evaluate as of this RFC 3339 instant")
	cmd.Flags().StringVar(&tz, "tz", "Local", "time zone for wall-clock dose times")
	return cmd
}

func adherenceCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "adherence FILE",
		Short: "Aggregate dose records from a JSON array or a medication file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readRecords(args[0])
			if err != nil {
				return err
			}
			var lo, hi medication.CalendarDate
			if from != "" {
				if lo, err = medication.ParseDate(from); err != nil {
					return err
				}
			}
			if to != "" {
				if hi, err = medication.ParseDate(to); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), medication.Aggregate(medication.FilterRecords(records, lo, hi)))
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first scheduled date to include")
	cmd.Flags().StringVar(&to, "to", "", "last scheduled date to include")
	return cmd
}

func fhirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fhir FILE",
		Short: "Convert a FHIR R5 MedicationRequest into a medication create request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var mr fhir.MedicationRequest
			if err := readJSON(args[0], &mr); err != nil {
				return err
			}
			in, err := fhir.ToCreateInput(&mr)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), in)
		},
	}
}

// readRecords accepts either a bare record array or a medication with dose_records
func readRecords(path string) ([]medication.DoseRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []medication.DoseRecord
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil
	}
	var med medication.Medication
	if err := json.Unmarshal(data, &med); err != nil {
		return nil, fmt.Errorf("%s: expected a record array or a medication: %w", path, err)
	}
	return med.DoseRecords, nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
