package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/verdant/plantcare/internal/care"
	"github.com/verdant/plantcare/internal/engine"
	"github.com/verdant/plantcare/internal/notify"
	"github.com/verdant/plantcare/internal/offline"
	"github.com/verdant/plantcare/internal/propagation"
	"github.com/verdant/plantcare/internal/storage"
)

var (
	careDate      string
	careNotes     string
	careOffline   bool
	historyLimit  int
	scientific    string
	location      string
	schedFlag     string
	lastFert      string
	nickname      string
	parentID      int64
	externalFrom  string
	externalNotes string
	startedOn     string
	watchEndpoint string
)

func addCommands() {
	dashboardCmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show every plant grouped by care urgency",
		Args:  cobra.NoArgs,
		RunE:  showDashboard,
	}

	urgencyCmd := &cobra.Command{
		Use:   "urgency [plant-instance-id]",
		Short: "Show when a plant next needs fertilizing",
		Args:  cobra.ExactArgs(1),
		RunE:  showUrgency,
	}

	careCmd := &cobra.Command{
		Use:   "care",
		Short: "Log and list care events",
	}
	careLogCmd := &cobra.Command{
		Use:   "log [plant-instance-id] [fertilize|repot|water|prune|other]",
		Short: "Log a care event, queueing it if the store is unreachable",
		Args:  cobra.ExactArgs(2),
		RunE:  logCare,
	}
	careLogCmd.Flags().StringVar(&careDate, "date", "", "Care date (YYYY-MM-DD, default today)")
	careLogCmd.Flags().StringVar(&careNotes, "notes", "", "Notes")
	careLogCmd.Flags().BoolVar(&careOffline, "offline", false, "Queue without contacting the store")
	careHistoryCmd := &cobra.Command{
		Use:   "history [plant-instance-id]",
		Short: "Show care history from the local store",
		Args:  cobra.ExactArgs(1),
		RunE:  showHistory,
	}
	careHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of records to show")
	careCmd.AddCommand(careLogCmd, careHistoryCmd)

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Sync queued offline care events now",
		Args:  cobra.NoArgs,
		RunE:  reconcile,
	}

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "Show queued offline care events",
		Args:  cobra.NoArgs,
		RunE:  showPending,
	}

	plantCmd := &cobra.Command{
		Use:   "plant",
		Short: "Manage the plant catalogue",
	}
	plantAddCmd := &cobra.Command{
		Use:   "add [common-name]",
		Short: "Add a plant to the catalogue",
		Args:  cobra.ExactArgs(1),
		RunE:  addPlant,
	}
	plantAddCmd.Flags().StringVar(&scientific, "scientific", "", "Scientific name")
	plantCmd.AddCommand(plantAddCmd)

	instanceCmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage plants in the collection",
	}
	instanceAddCmd := &cobra.Command{
		Use:   "add [plant-id] [nickname]",
		Short: "Add a plant to the collection",
		Args:  cobra.ExactArgs(2),
		RunE:  addInstance,
	}
	instanceAddCmd.Flags().StringVar(&location, "location", "", "Where the plant lives")
	instanceAddCmd.Flags().StringVar(&schedFlag, "schedule", "every_4_weeks", "Fertilizing cadence")
	instanceAddCmd.Flags().StringVar(&lastFert, "last-fertilized", "", "Last fertilized (YYYY-MM-DD)")
	instanceCmd.AddCommand(instanceAddCmd)

	propagationCmd := &cobra.Command{
		Use:     "propagation",
		Aliases: []string{"prop"},
		Short:   "Track propagations",
	}
	propAddCmd := &cobra.Command{
		Use:   "add [plant-id]",
		Short: "Start a propagation from a parent plant or an outside source",
		Args:  cobra.ExactArgs(1),
		RunE:  addPropagation,
	}
	propAddCmd.Flags().Int64Var(&parentID, "parent", 0, "Parent plant instance ID")
	propAddCmd.Flags().StringVar(&externalFrom, "external", "", "Outside source, e.g. a nursery")
	propAddCmd.Flags().StringVar(&externalNotes, "external-details", "", "Details about the outside source")
	propAddCmd.Flags().StringVar(&nickname, "nickname", "", "Nickname")
	propAddCmd.Flags().StringVar(&location, "location", "", "Where the propagation lives")
	propAddCmd.Flags().StringVar(&startedOn, "started", "", "Start date (YYYY-MM-DD, default today)")
	propListCmd := &cobra.Command{
		Use:   "list",
		Short: "List propagations in the local store",
		Args:  cobra.NoArgs,
		RunE:  listPropagations,
	}
	propShowCmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a propagation",
		Args:  cobra.ExactArgs(1),
		RunE:  showPropagation,
	}
	propAdvanceCmd := &cobra.Command{
		Use:   "advance [id]",
		Short: "Move a propagation to its next stage",
		Args:  cobra.ExactArgs(1),
		RunE:  advancePropagation,
	}
	propConvertCmd := &cobra.Command{
		Use:   "convert [id]",
		Short: "Turn a finished propagation into a plant in the collection",
		Args:  cobra.ExactArgs(1),
		RunE:  convertPropagation,
	}
	propOverrideCmd := &cobra.Command{
		Use:   "override [id] [status]",
		Short: "Set any stage, including an earlier one",
		Args:  cobra.ExactArgs(2),
		RunE:  overridePropagation,
	}
	propStagesCmd := &cobra.Command{
		Use:   "stages",
		Short: "Show the propagation lifecycle",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(renderStageTable())
		},
	}
	propagationCmd.AddCommand(propAddCmd, propListCmd, propShowCmd, propAdvanceCmd,
		propConvertCmd, propOverrideCmd, propStagesCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Print care events published by a running service",
		Args:  cobra.NoArgs,
		RunE:  watchEvents,
	}
	watchCmd.Flags().StringVar(&watchEndpoint, "endpoint", "", "Publisher endpoint (default notify.endpoint)")

	rootCmd.AddCommand(dashboardCmd, urgencyCmd, careCmd, reconcileCmd, pendingCmd,
		plantCmd, instanceCmd, propagationCmd, watchCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// parseDate reads YYYY-MM-DD in local time. Empty means now.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

// explain adds the user-facing context typed errors carry.
func explain(err error) error {
	var te *propagation.TransitionError
	var nr *propagation.NotReadyError
	var sc *propagation.SourceConfigError
	switch {
	case errors.As(err, &te):
		return fmt.Errorf("cannot advance propagation %d from %s: %s", te.ID, te.From.Label(), te.Reason)
	case errors.As(err, &nr):
		return fmt.Errorf("propagation %d is %s; it can be converted once it is %s",
			nr.ID, nr.Status.Label(), nr.Required.Label())
	case errors.As(err, &sc):
		return fmt.Errorf("propagation source is invalid: %s", sc.Rule)
	case errors.Is(err, storage.ErrVersionConflict):
		return fmt.Errorf("%w: it was changed elsewhere, try again", err)
	}
	return err
}

func showDashboard(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.engine.Dashboard(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(d)
	}
	fmt.Print(renderDashboard(d))
	return nil
}

func showUrgency(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.engine.InstanceStatus(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(entry)
	}
	fmt.Println(renderEntry(entry))
	if entry.Status.DueAt != nil {
		fmt.Println(dimStyle.Render("  next due " + entry.Status.DueAt.Format("Mon 2006-01-02")))
	}
	return nil
}

func logCare(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	date, err := parseDate(careDate)
	if err != nil {
		return err
	}
	req := care.LogRequest{
		PlantInstanceID: id,
		Type:            care.EventType(args[1]),
		CareDate:        date,
		Notes:           careNotes,
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var res engine.LogResult
	if careOffline {
		res.Queued = true
		res.LocalID, err = a.engine.EnqueueOfflineCare(ctx, req)
	} else {
		res, err = a.engine.LogCare(ctx, req)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(res)
	}
	if res.Queued {
		fmt.Printf("Queued as %s; it will sync when the store is reachable\n", res.LocalID)
		return nil
	}
	fmt.Printf("Logged %s for plant instance %d (record %d)\n",
		res.Record.Type, res.Record.PlantInstanceID, res.Record.ID)
	return nil
}

func showHistory(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	db, err := a.localDB()
	if err != nil {
		return err
	}

	records, err := db.ListCareRecords(cmd.Context(), id, historyLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tDATE\tNOTES")
	fmt.Fprintln(w, "--\t----\t----\t-----")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ID, r.Type, r.CareDate.Format("2006-01-02"), r.Notes)
	}
	return w.Flush()
}

func reconcile(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.ReconcileOfflineQueue(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	printSyncResult(res)
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d care events failed to sync", len(res.Failed))
	}
	return nil
}

func printSyncResult(res offline.SyncResult) {
	if res.Skipped {
		fmt.Println("A sync is already running")
		return
	}
	fmt.Printf("%d synced, %d failed, %d held back (%s)\n",
		len(res.Synced), len(res.Failed), len(res.Deferred), res.Duration.Round(time.Millisecond))
	for _, f := range res.Failed {
		fmt.Println(errorStyle.Render(fmt.Sprintf("  %s plant #%d: %s", f.LocalID, f.PlantInstanceID, f.Reason)))
	}
	for _, d := range res.Deferred {
		fmt.Println(dimStyle.Render(fmt.Sprintf("  %s plant #%d: waiting for %s", d.LocalID, d.PlantInstanceID, d.BlockedBy)))
	}
}

func showPending(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	entries, err := a.engine.PendingCare(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOCAL ID\tINSTANCE\tTYPE\tDATE\tSTATUS\tATTEMPTS\tLAST TRY\tLAST ERROR")
	fmt.Fprintln(w, "--------\t--------\t----\t----\t------\t--------\t--------\t----------")
	for _, e := range entries {
		tryStr := "-"
		if e.LastAttemptAt != nil {
			tryStr = e.LastAttemptAt.Format("01-02 15:04")
		}
		errStr := e.LastError
		if errStr == "" {
			errStr = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.LocalID, e.Request.PlantInstanceID, e.Request.Type, e.Request.CareDate.Format("2006-01-02"),
			e.Status, e.Attempts, tryStr, errStr)
	}
	w.Flush()

	stats, err := a.db.GetStats(ctx)
	if err != nil {
		return err
	}
	fmt.Println(dimStyle.Render(fmt.Sprintf("%d queued, %d failed, %d syncing",
		stats.PendingQueued, stats.PendingFailed, stats.PendingSyncing)))
	return nil
}

func addPlant(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	db, err := a.localDB()
	if err != nil {
		return err
	}

	id, err := db.CreatePlant(cmd.Context(), &storage.Plant{CommonName: args[0], ScientificName: scientific})
	if err != nil {
		return err
	}
	fmt.Printf("Added plant %d: %s\n", id, args[0])
	return nil
}

func addInstance(cmd *cobra.Command, args []string) error {
	plantID, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	db, err := a.localDB()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if _, err := db.GetPlant(ctx, plantID); err != nil {
		return err
	}
	inst := care.Instance{
		UserID:   a.cfg.User.ID,
		PlantID:  plantID,
		Nickname: args[1],
		Location: location,
		Schedule: schedFlag,
	}
	if lastFert != "" {
		t, err := parseDate(lastFert)
		if err != nil {
			return err
		}
		inst.LastFertilized = &t
	}
	inst, err = db.AddPlantInstance(ctx, inst)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(inst)
	}
	fmt.Printf("Added plant instance %d: %s (%s)\n", inst.ID, inst.Nickname, inst.Schedule)
	return nil
}

func addPropagation(cmd *cobra.Command, args []string) error {
	plantID, err := parseID(args[0])
	if err != nil {
		return err
	}
	started, err := parseDate(startedOn)
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	db, err := a.localDB()
	if err != nil {
		return err
	}

	r := propagation.Record{
		UserID:                a.cfg.User.ID,
		PlantID:               plantID,
		Nickname:              nickname,
		Location:              location,
		SourceType:            propagation.SourceExternal,
		ExternalSource:        externalFrom,
		ExternalSourceDetails: externalNotes,
		DateStarted:           started,
	}
	if parentID != 0 {
		r.SourceType = propagation.SourceInternal
		r.ParentInstanceID = &parentID
	}
	r, err = db.CreatePropagation(cmd.Context(), r)
	if err != nil {
		return explain(err)
	}
	if jsonOutput {
		return printJSON(r)
	}
	fmt.Print(renderPropagation(r))
	return nil
}

func listPropagations(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	db, err := a.localDB()
	if err != nil {
		return err
	}

	records, err := db.ListPropagations(cmd.Context(), a.cfg.User.ID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(records)
	}
	for _, r := range records {
		fmt.Print(renderPropagation(r))
	}
	return nil
}

// propagationCommand runs fn against the engine for the propagation in
// args[0] and prints the result.
func propagationCommand(cmd *cobra.Command, args []string, fn func(context.Context, *app, int64) (interface{}, error)) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(cmd.Context(), a, id)
	if err != nil {
		return explain(err)
	}
	if jsonOutput {
		return printJSON(out)
	}
	switch v := out.(type) {
	case propagation.Record:
		fmt.Print(renderPropagation(v))
	default:
		return printJSON(v)
	}
	return nil
}

func showPropagation(cmd *cobra.Command, args []string) error {
	return propagationCommand(cmd, args, func(ctx context.Context, a *app, id int64) (interface{}, error) {
		return a.engine.GetPropagation(ctx, id)
	})
}

func advancePropagation(cmd *cobra.Command, args []string) error {
	return propagationCommand(cmd, args, func(ctx context.Context, a *app, id int64) (interface{}, error) {
		return a.engine.AdvancePropagation(ctx, id)
	})
}

func overridePropagation(cmd *cobra.Command, args []string) error {
	status, err := propagation.ParseStatus(args[1])
	if err != nil {
		return err
	}
	return propagationCommand(cmd, args, func(ctx context.Context, a *app, id int64) (interface{}, error) {
		return a.engine.OverridePropagationStatus(ctx, id, status)
	})
}

func convertPropagation(cmd *cobra.Command, args []string) error {
	return propagationCommand(cmd, args, func(ctx context.Context, a *app, id int64) (interface{}, error) {
		conv, err := a.engine.ConvertPropagation(ctx, id)
		if err != nil {
			return nil, err
		}
		if !jsonOutput {
			fmt.Printf("Created plant instance %d (%s) from propagation %d\n",
				conv.Instance.ID, conv.Instance.Nickname, id)
		}
		return conv.Propagation, nil
	})
}

func watchEvents(cmd *cobra.Command, args []string) error {
	endpoint := watchEndpoint
	if endpoint == "" {
		a, err := loadApp()
		if err != nil {
			return err
		}
		endpoint = a.cfg.Notify.Endpoint
		a.Close()
	}
	if endpoint == "" {
		return fmt.Errorf("no endpoint: set notify.endpoint or --endpoint")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, err := notify.Subscribe(ctx, endpoint)
	if err != nil {
		return err
	}
	fmt.Println(dimStyle.Render("Watching " + endpoint))
	for ev := range events {
		ts := dimStyle.Render(time.Now().Format("15:04:05"))
		switch ev.Topic {
		case notify.TopicCareStale:
			id, err := ev.PlantInstanceID()
			if err != nil {
				continue
			}
			fmt.Printf("%s plant instance %d changed\n", ts, id)
		case notify.TopicSyncResult:
			res, err := ev.SyncResult()
			if err != nil {
				continue
			}
			fmt.Print(ts + " ")
			printSyncResult(res)
		}
	}
	return nil
}
