package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/fleetworks/helmsman/pkg/deploy"
	"github.com/fleetworks/helmsman/pkg/requeststore"
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Inspect deployment requests",
	Long: `Inspect the deployment requests stored by the control server.

These commands read the request store directly, so run them on the
control server host (or against a copy of its store file).`,
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployment requests",
	Long: `List stored deployment requests, newest first.

Examples:
  helmsman requests list
  helmsman requests list --status PENDING
  helmsman requests list --json`,
	RunE: runRequestsList,
}

var requestsShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show one deployment request",
	Long: `Show one deployment request including its workflow payload.

Examples:
  helmsman requests show 42
  helmsman requests show 42 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runRequestsShow,
}

func init() {
	rootCmd.AddCommand(requestsCmd)
	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsShowCmd)

	requestsCmd.PersistentFlags().String("store-path", "", "SQLite store path (default from config)")
	requestsListCmd.Flags().String("status", "", "Filter by status (PENDING|SUCCESS|FAILED)")
	requestsListCmd.Flags().Bool("json", false, "Output as JSON")
	requestsShowCmd.Flags().Bool("json", false, "Output as JSON")
}

func openRequestStore(cmd *cobra.Command) (*requeststore.Store, error) {
	storePath, _ := cmd.Flags().GetString("store-path")
	extra := map[string]any{}
	if storePath != "" {
		extra["store.path"] = storePath
	}

	cfg, err := loadConfig(cmd, extra)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := initLogging(cfg); err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}

	store, err := requeststore.Open(cmd.Context(), requeststore.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to open request store", err)
	}
	return store, nil
}

func runRequestsList(cmd *cobra.Command, _ []string) error {
	store, err := openRequestStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var status deploy.RequestStatus
	if raw, _ := cmd.Flags().GetString("status"); raw != "" {
		status = deploy.RequestStatus(raw)
		switch status {
		case deploy.StatusPending, deploy.StatusSuccess, deploy.StatusFailed:
		default:
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value",
				fmt.Errorf("unknown status: %s", raw))
		}
	}

	requests, err := store.List(cmd.Context(), status)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list requests", err)
	}

	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		enc := json.NewEncoder(os.Stdout)
		for _, r := range requests {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	if len(requests) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No requests found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REQUEST\tCLUSTER\tTYPE\tSTEP\tSTATUS\tUPDATED")
	for _, r := range requests {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%d/%d\t%s\t%s\n",
			r.RequestID, r.ClusterID, r.RequestType,
			r.CurrentEventType, deploy.TerminalStep,
			r.Status, r.UpdatedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func runRequestsShow(cmd *cobra.Command, args []string) error {
	requestID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Request id must be an integer", err)
	}

	store, err := openRequestStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	stored, err := store.Get(cmd.Context(), requestID)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Request not found", err)
	}

	payload, err := deploy.ParsePayload(stored.Payload)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Stored payload is corrupt", err)
	}

	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		out := struct {
			*deploy.ClusterRequest
			ParsedPayload *deploy.Payload `json:"parsedPayload"`
		}{stored, payload}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("Request:  %d\n", stored.RequestID)
	fmt.Printf("Cluster:  %d", stored.ClusterID)
	if payload.ClusterName != "" {
		fmt.Printf(" (%s)", payload.ClusterName)
	}
	fmt.Println()
	fmt.Printf("Type:     %s/%s\n", stored.Level, stored.RequestType)
	fmt.Printf("Step:     %d of %d\n", stored.CurrentEventType, deploy.TerminalStep)
	fmt.Printf("Status:   %s\n", stored.Status)
	fmt.Printf("Created:  %s\n", stored.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", stored.UpdatedAt.Local().Format(time.RFC3339))

	if len(payload.Plan) > 0 {
		fmt.Println("Plan:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  HOST\tMODULE\tROLE")
		for _, node := range payload.Plan {
			role := "voting"
			if node.Observer {
				role = "observer"
			} else if node.Module != "frontend" {
				role = "-"
			}
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\n", node.Host, node.Module, role)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}
