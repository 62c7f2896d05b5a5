// Plantcare Database CLI Tool
// Read-only access to the local plantcare database
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/verdant/plantcare/internal/propagation"
	"github.com/verdant/plantcare/internal/schedule"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "plantcare-db",
		Short: "Plantcare Database CLI",
		Long:  "Command-line tool for inspecting the plantcare database.",
	}

	plantsCmd = &cobra.Command{
		Use:   "plants",
		Short: "List the plant catalogue",
		RunE:  listPlants,
	}

	instancesCmd = &cobra.Command{
		Use:   "instances [user-id]",
		Short: "List plant instances with their next fertilizing date",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listInstances,
	}

	careCmd = &cobra.Command{
		Use:   "care [plant-instance-id]",
		Short: "Show care records",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showCare,
	}

	propagationsCmd = &cobra.Command{
		Use:   "propagations",
		Short: "Show propagations",
		RunE:  showPropagations,
	}

	pendingCmd = &cobra.Command{
		Use:   "pending",
		Short: "Show care events waiting to sync",
		RunE:  showPending,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/plantcare/plantcare.db", "Database file path")

	careCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(plantsCmd)
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(careCmd)
	rootCmd.AddCommand(propagationsCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	return sql.Open("sqlite3", dbPath+"?mode=ro")
}

func listPlants(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT p.id, p.common_name, p.scientific_name, COUNT(i.id)
		FROM plants p
		LEFT JOIN plant_instances i ON i.plant_id = p.id
		GROUP BY p.id
		ORDER BY p.common_name
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMMON NAME\tSCIENTIFIC NAME\tINSTANCES")
	fmt.Fprintln(w, "--\t-----------\t---------------\t---------")

	for rows.Next() {
		var id int64
		var commonName string
		var scientificName sql.NullString
		var instances int
		if err := rows.Scan(&id, &commonName, &scientificName, &instances); err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", id, commonName, dash(scientificName.String), instances)
	}
	w.Flush()
	return rows.Err()
}

func listInstances(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := `
		SELECT i.id, i.user_id, i.nickname, p.common_name, i.location,
			   i.fertilizer_schedule, i.last_fertilized, i.last_repot, i.source_propagation_id
		FROM plant_instances i
		JOIN plants p ON p.id = i.plant_id
	`
	var queryArgs []interface{}
	if len(args) > 0 {
		query += " WHERE i.user_id = ?"
		queryArgs = append(queryArgs, args[0])
	}
	query += " ORDER BY i.user_id, i.id"

	rows, err := db.Query(query, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tNICKNAME\tPLANT\tLOCATION\tSCHEDULE\tFERTILIZED\tNEXT DUE\tREPOTTED\tFROM PROP")
	fmt.Fprintln(w, "--\t----\t--------\t-----\t--------\t--------\t----------\t--------\t--------\t---------")

	for rows.Next() {
		var id, userID int64
		var nickname, plant, sched string
		var location sql.NullString
		var lastFertilized, lastRepot sql.NullTime
		var sourceProp sql.NullInt64
		if err := rows.Scan(&id, &userID, &nickname, &plant, &location, &sched, &lastFertilized, &lastRepot, &sourceProp); err != nil {
			return err
		}

		iv, ok := schedule.Lookup(sched)
		schedStr := iv.String()
		if !ok {
			schedStr = fmt.Sprintf("%q?", sched)
			iv = schedule.DefaultInterval
		}
		nextStr := "-"
		if lastFertilized.Valid {
			nextStr = schedule.NextDue(lastFertilized.Time, iv).Format("2006-01-02")
		}
		propStr := "-"
		if sourceProp.Valid {
			propStr = fmt.Sprintf("#%d", sourceProp.Int64)
		}

		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			id, userID, nickname, plant, dash(location.String), schedStr,
			dateStr(lastFertilized), nextStr, dateStr(lastRepot), propStr)
	}
	w.Flush()
	return rows.Err()
}

func showCare(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var query string
	var queryArgs []interface{}

	if len(args) > 0 {
		query = `
			SELECT id, plant_instance_id, care_type, care_date, notes, idempotency_key, created_at
			FROM care_records WHERE plant_instance_id = ? ORDER BY care_date DESC LIMIT ?
		`
		queryArgs = []interface{}{args[0], limit}
	} else {
		query = `
			SELECT id, plant_instance_id, care_type, care_date, notes, idempotency_key, created_at
			FROM care_records ORDER BY care_date DESC LIMIT ?
		`
		queryArgs = []interface{}{limit}
	}

	rows, err := db.Query(query, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tINSTANCE\tTYPE\tDATE\tKEY\tLOGGED\tNOTES")
	fmt.Fprintln(w, "--\t--------\t----\t----\t---\t------\t-----")

	for rows.Next() {
		var id, instanceID int64
		var careType, key string
		var careDate, createdAt time.Time
		var notes sql.NullString
		if err := rows.Scan(&id, &instanceID, &careType, &careDate, &notes, &key, &createdAt); err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			id, instanceID, careType, careDate.Format("2006-01-02"), shortKey(key),
			createdAt.Format("01-02 15:04"), dash(notes.String))
	}
	w.Flush()
	return rows.Err()
}

func showPropagations(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT id, user_id, nickname, status, source_type, parent_instance_id, external_source,
			   date_started, converted, converted_instance_id, version
		FROM propagations ORDER BY user_id, id
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tNICKNAME\tSTAGE\tSOURCE\tSTARTED\tCONVERTED\tVER")
	fmt.Fprintln(w, "--\t----\t--------\t-----\t------\t-------\t---------\t---")

	for rows.Next() {
		var id, userID, version int64
		var nickname, externalSource sql.NullString
		var status, sourceType string
		var parent, convertedInstance sql.NullInt64
		var started time.Time
		var converted bool
		if err := rows.Scan(&id, &userID, &nickname, &status, &sourceType, &parent, &externalSource,
			&started, &converted, &convertedInstance, &version); err != nil {
			return err
		}

		sourceStr := sourceType
		if parent.Valid {
			sourceStr = fmt.Sprintf("cutting of #%d", parent.Int64)
		} else if externalSource.Valid {
			sourceStr = externalSource.String
		}
		convStr := "N"
		if converted {
			convStr = "Y"
			if convertedInstance.Valid {
				convStr = fmt.Sprintf("Y (#%d)", convertedInstance.Int64)
			}
		}

		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
			id, userID, dash(nickname.String), propagation.Status(status).Label(), sourceStr,
			started.Format("2006-01-02"), convStr, version)
	}
	w.Flush()
	return rows.Err()
}

func showPending(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT seq, local_id, plant_instance_id, care_type, care_date, status, attempts, last_error, last_attempt_at
		FROM pending_care ORDER BY seq
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tLOCAL ID\tINSTANCE\tTYPE\tDATE\tSTATUS\tATTEMPTS\tLAST TRY\tLAST ERROR")
	fmt.Fprintln(w, "---\t--------\t--------\t----\t----\t------\t--------\t--------\t----------")

	for rows.Next() {
		var seq, instanceID int64
		var localID, careType, status string
		var careDate time.Time
		var attempts int
		var lastError sql.NullString
		var lastAttempt sql.NullTime
		if err := rows.Scan(&seq, &localID, &instanceID, &careType, &careDate, &status, &attempts, &lastError, &lastAttempt); err != nil {
			return err
		}
		tryStr := "-"
		if lastAttempt.Valid {
			tryStr = lastAttempt.Time.Format("01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			seq, shortKey(localID), instanceID, careType, careDate.Format("2006-01-02"),
			status, attempts, tryStr, dash(lastError.String))
	}
	w.Flush()
	return rows.Err()
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("=== Database Statistics ===")
	fmt.Println()

	var plantCount, instanceCount int
	db.QueryRow("SELECT COUNT(*) FROM plants").Scan(&plantCount)
	db.QueryRow("SELECT COUNT(*) FROM plant_instances").Scan(&instanceCount)
	fmt.Printf("Plants: %d (instances: %d)\n", plantCount, instanceCount)

	var careCount int
	db.QueryRow("SELECT COUNT(*) FROM care_records").Scan(&careCount)
	fmt.Printf("Care records: %d\n", careCount)

	fmt.Println("\nCare by type:")
	rows, err := db.Query("SELECT care_type, COUNT(*) FROM care_records GROUP BY care_type ORDER BY care_type")
	if err == nil {
		for rows.Next() {
			var careType string
			var count int
			rows.Scan(&careType, &count)
			fmt.Printf("  %s: %d\n", careType, count)
		}
		rows.Close()
	}

	var propCount, convertedCount int
	db.QueryRow("SELECT COUNT(*) FROM propagations").Scan(&propCount)
	db.QueryRow("SELECT COUNT(*) FROM propagations WHERE converted = 1").Scan(&convertedCount)
	fmt.Printf("\nPropagations: %d (converted: %d)\n", propCount, convertedCount)

	var queued, failed, syncing int
	db.QueryRow("SELECT COUNT(*) FROM pending_care WHERE status = 'queued'").Scan(&queued)
	db.QueryRow("SELECT COUNT(*) FROM pending_care WHERE status = 'failed'").Scan(&failed)
	db.QueryRow("SELECT COUNT(*) FROM pending_care WHERE status = 'syncing'").Scan(&syncing)
	fmt.Printf("Pending care: %d queued, %d failed, %d syncing\n", queued, failed, syncing)

	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			case time.Time:
				row = append(row, val.Format(time.RFC3339))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return rows.Err()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func dateStr(t sql.NullTime) string {
	if !t.Valid {
		return "-"
	}
	return t.Time.Format("2006-01-02")
}

// shortKey trims UUIDs to their first group.
func shortKey(k string) string {
	if len(k) > 8 {
		return k[:8]
	}
	return k
}
