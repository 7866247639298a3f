// Command spyglass is the operations CLI: manual triggers, watchdog passes,
// seed imports, and the cookie-refresher sidecar.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mfinch/spyglass/internal/app"
	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/cookies"
	"github.com/mfinch/spyglass/internal/jobs"
)

var (
	configPath string
	serverURL  string
)

func main() {
	root := &cobra.Command{
		Use:   "spyglass",
		Short: "Spyglass operations CLI",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to spyglass.toml")
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "running spyglass-server base URL")

	root.AddCommand(versionCmd())
	root.AddCommand(triggerCmd())
	root.AddCommand(watchdogCmd())
	root.AddCommand(seedCongressCmd())
	root.AddCommand(generateTestSeedCmd())
	root.AddCommand(cookieRefresherCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			common.LoadVersionFromFile()
			fmt.Println(common.GetFullVersion())
		},
	}
}

// triggerCmd asks the running server to start a job out of band.
func triggerCmd() *cobra.Command {
	var targetDate string

	cmd := &cobra.Command{
		Use:   "trigger <job_name>",
		Short: "Trigger a job on the running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(map[string]string{
				"job_name":    args[0],
				"target_date": targetDate,
			})
			return postJSON(serverURL+"/api/jobs/trigger", payload)
		},
	}
	cmd.Flags().StringVar(&targetDate, "date", "", "logical target date (YYYY-MM-DD), defaults to today")
	return cmd
}

// watchdogCmd runs one watchdog pass directly against the configured stores.
func watchdogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog-run",
		Short: "Run one watchdog audit pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.NewApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Watchdog.RunOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

// seedCongressCmd backfills congressional trades, either from the public
// disclosure feed (paged) or from a local seed file.
func seedCongressCmd() *cobra.Command {
	var (
		monthsBack int
		pageSize   int
		startPage  int
		skipRecent bool
		file       string
	)

	cmd := &cobra.Command{
		Use:   "seed-congress-trades",
		Short: "Backfill congressional trade disclosures",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.NewApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read seed file: %w", err)
				}
				inserted, skipped, err := a.Deps.ImportCongressSeed(ctx, data)
				if err != nil {
					return err
				}
				fmt.Printf("imported %d trades, %d duplicates skipped\n", inserted, skipped)
				return nil
			}

			batchID, inserted, skipped, err := a.Deps.BackfillCongressTrades(ctx, jobs.CongressBackfill{
				MonthsBack: monthsBack,
				PageSize:   pageSize,
				StartPage:  startPage,
				SkipRecent: skipRecent,
			})
			if err != nil {
				return fmt.Errorf("batch %s failed after %d imported: %w", batchID, inserted, err)
			}
			fmt.Printf("%s\n", batchID)
			fmt.Printf("imported %d trades, %d duplicates skipped\n", inserted, skipped)
			return nil
		},
	}
	cmd.Flags().IntVar(&monthsBack, "months-back", 6, "how many months of transactions to import")
	cmd.Flags().IntVar(&pageSize, "page-size", 500, "rows imported per page")
	cmd.Flags().IntVar(&startPage, "start-page", 1, "page to resume from")
	cmd.Flags().BoolVar(&skipRecent, "skip-recent", false, "skip the last 7 days (covered by the daily job)")
	cmd.Flags().StringVar(&file, "file", "", "import from a local seed file instead of the feed")
	return cmd
}

// generateTestSeedCmd writes a small disclosure file in the import format,
// for exercising seed-congress-trades against a development database.
func generateTestSeedCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "generate-test-seed",
		Short: "Write a sample congressional trade seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := []map[string]string{
				{
					"representative":   "Jane Doe",
					"ticker":           "NVDA",
					"type":             "purchase",
					"transaction_date": "2025-05-12",
					"disclosure_date":  "2025-06-01",
					"amount":           "$15,001 - $50,000",
					"party":            "Independent",
				},
				{
					"representative":   "John Roe",
					"ticker":           "AAPL",
					"type":             "sale_partial",
					"transaction_date": "2025-05-20",
					"disclosure_date":  "2025-06-03",
					"amount":           "$1,001 - $15,000",
					"party":            "Independent",
				},
			}
			data, err := json.MarshalIndent(rows, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write seed file: %w", err)
			}
			fmt.Printf("wrote %d sample trades to %s\n", len(rows), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "congress_seed.json", "output file path")
	return cmd
}

// cookieRefresherCmd runs the session-cookie sidecar loop until interrupted.
func cookieRefresherCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "cookie-refresher",
		Short: "Run the session cookie refresher sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := common.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := common.NewLoggerFromConfig(config.Logging)

			refresher := cookies.NewRefresher(
				config.Fetcher.SolverURL,
				config.Cookies.OutputFile,
				logger,
				cookies.WithInterval(config.Cookies.GetRefreshInterval()),
				cookies.WithTargetURL(config.Cookies.ServiceURL),
			)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if once {
				refresher.RunCycle(ctx)
				return nil
			}
			return refresher.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single refresh cycle and exit")
	return cmd
}

func postJSON(url string, payload []byte) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	fmt.Println(string(bytes.TrimSpace(body)))
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
