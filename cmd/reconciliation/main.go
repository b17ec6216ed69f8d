package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
)

// 内存账本是权威状态，流水是唯一持久化痕迹。对账只能在流水内部
// 做自洽性检查：增量累加必须等于最后一条流水的快照余额，快照余额
// 永远不允许为负。
const (
	availableIntegrityQuery = `
WITH latest AS (
    SELECT DISTINCT ON (user_id, asset)
        user_id, asset, available_after
    FROM trading.ledger_entries
    ORDER BY user_id, asset, ledger_id DESC
)
SELECT
    le.user_id,
    le.asset,
    SUM(le.available_delta) as ledger_available_sum,
    l.available_after as snapshot_available,
    SUM(le.available_delta) - l.available_after as available_diff
FROM trading.ledger_entries le
JOIN latest l
    ON le.user_id = l.user_id AND le.asset = l.asset
GROUP BY le.user_id, le.asset, l.available_after
HAVING SUM(le.available_delta) != l.available_after;
`
	lockedIntegrityQuery = `
WITH latest AS (
    SELECT DISTINCT ON (user_id, asset)
        user_id, asset, locked_after
    FROM trading.ledger_entries
    ORDER BY user_id, asset, ledger_id DESC
)
SELECT
    le.user_id,
    le.asset,
    SUM(le.locked_delta) as ledger_locked_sum,
    l.locked_after as snapshot_locked,
    SUM(le.locked_delta) - l.locked_after as locked_diff
FROM trading.ledger_entries le
JOIN latest l
    ON le.user_id = l.user_id AND le.asset = l.asset
GROUP BY le.user_id, le.asset, l.locked_after
HAVING SUM(le.locked_delta) != l.locked_after;
`
	negativeBalanceQuery = `
SELECT user_id, asset, available_after, locked_after, ledger_id
FROM trading.ledger_entries
WHERE available_after < 0 OR locked_after < 0
ORDER BY ledger_id;
`
	ledgerAccountCountQuery = `
SELECT COUNT(DISTINCT user_id), COUNT(DISTINCT asset)
FROM trading.ledger_entries;
`
)

type reconciliationConfig struct {
	DBURL           string
	Verbose         bool
	Alert           bool
	WebhookURL      string
	SlackWebhookURL string
	ReportPath      string
	Cron            string
	StoreHistory    bool
}

type discrepancy struct {
	UserID    int64  `json:"user_id"`
	Asset     string `json:"asset"`
	Kind      string `json:"kind"`
	Diff      string `json:"diff"`
	LedgerSum string `json:"ledger_sum"`
	Snapshot  string `json:"snapshot"`
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (reconciliationConfig, error) {
	fs := flag.NewFlagSet("reconciliation", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg reconciliationConfig
	fs.StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection string")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.BoolVar(&cfg.Alert, "alert", true, "return non-zero exit code on discrepancy")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "webhook url for discrepancy alerts")
	fs.StringVar(&cfg.SlackWebhookURL, "slack-webhook-url", "", "slack webhook url for discrepancy alerts")
	fs.StringVar(&cfg.ReportPath, "report", "", "write detailed report to file")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled reconciliation runs")
	fs.BoolVar(&cfg.StoreHistory, "history", false, "store reconciliation history in database")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, cfg, out, errOut, opener)
	}

	return runOnce(ctx, cfg, out, errOut, opener)
}

func runOnce(ctx context.Context, cfg reconciliationConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	db, err := opener(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	code, err := runWithDB(ctx, db, cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		if code == 0 {
			code = 2
		}
	}
	return code
}

func runScheduled(ctx context.Context, cfg reconciliationConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled reconciliation...")
	}

	scheduledCfg := cfg
	scheduledCfg.Alert = false

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled reconciliation...")
		}
		if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code != 0 {
			fmt.Fprintf(errOut, "scheduled reconciliation exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

func runWithDB(ctx context.Context, db *sql.DB, cfg reconciliationConfig, out, errOut io.Writer) (int, error) {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting ledger integrity checks...")
	}

	userCount, assetCount, err := fetchCounts(ctx, db)
	if err != nil {
		return 2, fmt.Errorf("failed to count ledger accounts: %w", err)
	}

	if cfg.Verbose {
		fmt.Fprintln(out, "Checking available balance integrity...")
	}
	availableDiscrepancies, err := fetchDiscrepancies(ctx, db, availableIntegrityQuery, "available")
	if err != nil {
		return 2, fmt.Errorf("failed to query available discrepancies: %w", err)
	}

	if cfg.Verbose {
		fmt.Fprintln(out, "Checking locked balance integrity...")
	}
	lockedDiscrepancies, err := fetchDiscrepancies(ctx, db, lockedIntegrityQuery, "locked")
	if err != nil {
		return 2, fmt.Errorf("failed to query locked discrepancies: %w", err)
	}

	if cfg.Verbose {
		fmt.Fprintln(out, "Checking for negative balances...")
	}
	negatives, err := fetchNegatives(ctx, db)
	if err != nil {
		return 2, fmt.Errorf("failed to query negative balances: %w", err)
	}

	discrepancies := append(availableDiscrepancies, lockedDiscrepancies...)
	discrepancies = append(discrepancies, negatives...)

	report := buildReport(userCount, assetCount, discrepancies)
	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, report); err != nil {
			return 2, fmt.Errorf("failed to write report: %w", err)
		}
	}
	if cfg.StoreHistory {
		if err := storeHistory(ctx, db, report); err != nil {
			return 2, fmt.Errorf("failed to store history: %w", err)
		}
	}

	if len(discrepancies) == 0 {
		fmt.Fprintf(out, "✓ Ledger integrity passed: %d users, %d assets checked\n", userCount, assetCount)
		return 0, nil
	}

	for _, d := range discrepancies {
		fmt.Fprintf(errOut, "✗ Discrepancy found: user_id=%d, asset=%s, type=%s, diff=%s\n", d.UserID, d.Asset, d.Kind, d.Diff)
	}

	if cfg.WebhookURL != "" {
		if err := sendWebhook(ctx, cfg.WebhookURL, discrepancies); err != nil {
			fmt.Fprintf(errOut, "webhook alert failed: %v\n", err)
		}
	}
	if cfg.SlackWebhookURL != "" {
		if err := sendSlackWebhook(ctx, cfg.SlackWebhookURL, discrepancies); err != nil {
			fmt.Fprintf(errOut, "slack webhook alert failed: %v\n", err)
		}
	}

	if cfg.Alert {
		return 1, nil
	}
	return 0, nil
}

func fetchCounts(ctx context.Context, db *sql.DB) (int64, int64, error) {
	var userCount, assetCount int64
	if err := db.QueryRowContext(ctx, ledgerAccountCountQuery).Scan(&userCount, &assetCount); err != nil {
		return 0, 0, err
	}
	return userCount, assetCount, nil
}

func fetchDiscrepancies(ctx context.Context, db *sql.DB, query, kind string) ([]discrepancy, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []discrepancy
	for rows.Next() {
		var userID int64
		var asset string
		var ledgerSum, snapshot, diff sql.NullString
		if err := rows.Scan(&userID, &asset, &ledgerSum, &snapshot, &diff); err != nil {
			return nil, err
		}
		results = append(results, discrepancy{
			UserID:    userID,
			Asset:     asset,
			Kind:      kind,
			Diff:      diff.String,
			LedgerSum: ledgerSum.String,
			Snapshot:  snapshot.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func fetchNegatives(ctx context.Context, db *sql.DB) ([]discrepancy, error) {
	rows, err := db.QueryContext(ctx, negativeBalanceQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []discrepancy
	for rows.Next() {
		var userID, available, locked, ledgerID int64
		var asset string
		if err := rows.Scan(&userID, &asset, &available, &locked, &ledgerID); err != nil {
			return nil, err
		}
		results = append(results, discrepancy{
			UserID:   userID,
			Asset:    asset,
			Kind:     "negative",
			Diff:     fmt.Sprintf("available=%d locked=%d ledger_id=%d", available, locked, ledgerID),
			Snapshot: fmt.Sprintf("%d/%d", available, locked),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func sendWebhook(ctx context.Context, url string, discrepancies []discrepancy) error {
	payload := map[string]interface{}{
		"message":       "ledger integrity discrepancies detected",
		"discrepancies": discrepancies,
	}
	return postJSON(ctx, url, payload)
}

func sendSlackWebhook(ctx context.Context, url string, discrepancies []discrepancy) error {
	payload := map[string]string{
		"text": buildAlertMessage("Ledger integrity discrepancies detected", discrepancies),
	}
	return postJSON(ctx, url, payload)
}

func postJSON(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	return nil
}

func buildAlertMessage(title string, discrepancies []discrepancy) string {
	var b strings.Builder
	fmt.Fprintln(&b, title)
	for _, d := range discrepancies {
		fmt.Fprintf(&b, "user_id=%d asset=%s type=%s diff=%s\n", d.UserID, d.Asset, d.Kind, d.Diff)
	}
	return strings.TrimSpace(b.String())
}

type reconciliationReport struct {
	RunAt            string        `json:"run_at"`
	UserCount        int64         `json:"user_count"`
	AssetCount       int64         `json:"asset_count"`
	DiscrepancyCount int           `json:"discrepancy_count"`
	Discrepancies    []discrepancy `json:"discrepancies"`
}

func buildReport(userCount, assetCount int64, discrepancies []discrepancy) reconciliationReport {
	return reconciliationReport{
		RunAt:            time.Now().UTC().Format(time.RFC3339),
		UserCount:        userCount,
		AssetCount:       assetCount,
		DiscrepancyCount: len(discrepancies),
		Discrepancies:    discrepancies,
	}
}

func writeReport(path string, report reconciliationReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func storeHistory(ctx context.Context, db *sql.DB, report reconciliationReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO trading.reconciliation_history (run_at, discrepancy_count, report)
		VALUES ($1, $2, $3)`
	_, err = db.ExecContext(ctx, query, report.RunAt, report.DiscrepancyCount, payload)
	return err
}
