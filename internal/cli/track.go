package cli

import (
	"time"

	"geotrack/internal/location"
	"geotrack/pkg/geotrack"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

// trackResult is what track prints on stdout.
type trackResult struct {
	Status   string           `json:"status"`
	Location *geotrack.Fix    `json:"location,omitempty"`
	Events   []geotrack.Event `json:"events"`
	User     *geotrack.User   `json:"user,omitempty"`
}

func newTrackCommand(root *rootOptions) *cobra.Command {
	var (
		lat, lng, accuracy float64
		replay             string
	)
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Report one position and print the resulting events",
		Long: `Report one position for the user. With --lat and --lng the position is
sent as a manual update; with --replay the first fix of the file is used as
if the device had measured it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			manual := cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng")
			if manual == (replay != "") {
				return xerrors.New("pass either --lat/--lng or --replay")
			}

			var driver location.Driver
			if replay != "" {
				fixes, err := location.LoadReplayFile(replay)
				if err != nil {
					return err
				}
				driver = location.NewReplayDriver(fixes, 0, nil)
			}

			ctx := cmd.Context()
			t, logger, err := root.open(ctx, cmd, driver)
			if err != nil {
				return err
			}
			defer t.Close()

			done := make(chan trackResult, 1)
			handler := func(status geotrack.Status, fix *geotrack.Fix, events []geotrack.Event, u *geotrack.User) {
				done <- trackResult{Status: status.String(), Location: fix, Events: events, User: u}
			}
			if manual {
				fix := geotrack.Fix{Latitude: lat, Longitude: lng, Accuracy: accuracy, Timestamp: time.Now()}
				t.UpdateLocation(ctx, fix, handler)
			} else {
				t.TrackOnce(ctx, handler)
			}

			var res trackResult
			select {
			case res = <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if res.Events == nil {
				res.Events = []geotrack.Event{}
			}
			if res.Status == geotrack.StatusSuccess.String() {
				root.flush(ctx, t, logger)
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Status != geotrack.StatusSuccess.String() {
				return xerrors.Errorf("track failed: %s", res.Status)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&lat, "lat", 0, "Latitude in degrees")
	cmd.Flags().Float64Var(&lng, "lng", 0, "Longitude in degrees")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 10, "Horizontal accuracy in meters")
	cmd.Flags().StringVar(&replay, "replay", "", "JSON lines file of recorded fixes")
	return cmd
}
