package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/circuitd/api"
)

func newStatusCommand() *cobra.Command {
	var serverURL string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the consensus context table of a running circuitd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			status, err := fetchStatus(serverURL, timeout)
			if err != nil {
				return err
			}
			return renderStatus(cmd, status)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:9340", "base URL of the circuitd server")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func fetchStatus(serverURL string, timeout time.Duration) (api.StatusResponse, error) {
	var status api.StatusResponse
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(strings.TrimRight(serverURL, "/") + "/v1/status")
	if err != nil {
		return status, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("status: server returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("status: decode response: %w", err)
	}
	return status, nil
}

func renderStatus(cmd *cobra.Command, status api.StatusResponse) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "self: %s\n", status.Self)
	if len(status.Contexts) == 0 {
		fmt.Fprintln(out, "no consensus contexts")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "CIRCUIT\tSERVICE\tSTATE\tEPOCH\tCOMMITTED\tCOORDINATOR\tBACKLOG\tDEADLINE\tFLAGS")
	for _, cx := range status.Contexts {
		deadline := "-"
		if cx.DeadlineUnix > 0 {
			deadline = humanize.Time(time.Unix(cx.DeadlineUnix, 0))
		}
		var flags []string
		if cx.Stalled {
			flags = append(flags, "stalled")
		}
		if cx.Failed {
			flags = append(flags, "failed")
		}
		flagCol := strings.Join(flags, ",")
		if flagCol == "" {
			flagCol = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%d/%d\t%s\t%s\n",
			cx.Circuit, cx.Service, cx.State, cx.Epoch, cx.LastCommitEpoch,
			cx.Coordinator, cx.PendingEvents, cx.PendingActions, deadline, flagCol)
	}
	return w.Flush()
}
