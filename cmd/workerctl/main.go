// Command workerctl is an HTTP client for novaisolated's data plane:
// spawn, fetch, list, terminate, and load, from the command line.
//
// Grounded on the teacher's cmd/nova/main.go (cobra root command with a
// persistent --addr-equivalent flag, one subcommand per operation).
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var daemonAddr string

func main() {
	root := &cobra.Command{
		Use:   "workerctl",
		Short: "workerctl talks to a novaisolated daemon's data plane",
	}
	root.PersistentFlags().StringVar(&daemonAddr, "addr", "http://localhost:8080", "novaisolated HTTP address")

	root.AddCommand(spawnCmd(), fetchCmd(), listCmd(), terminateCmd(), loadCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func spawnCmd() *cobra.Command {
	var appID, bundlePath string
	var budget time.Duration
	var maxMemory uint64

	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn a worker instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"app_id":            appID,
				"initial_budget_ms": budget.Milliseconds(),
				"max_memory_bytes":  maxMemory,
			}
			if bundlePath != "" {
				data, err := os.ReadFile(bundlePath)
				if err != nil {
					return fmt.Errorf("read bundle: %w", err)
				}
				req["bundle_base64"] = base64.StdEncoding.EncodeToString(data)
			}

			var out struct {
				Handle string `json:"handle"`
			}
			if err := doJSON(http.MethodPost, "/workers", req, &out); err != nil {
				return err
			}
			fmt.Println(out.Handle)
			return nil
		},
	}
	cmd.Flags().StringVar(&appID, "app-id", "", "application identifier, resolved through the bundle store if --bundle is unset")
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "path to a compiled JS bundle to spawn directly")
	cmd.Flags().DurationVar(&budget, "budget", 50*time.Millisecond, "initial per-request time budget")
	cmd.Flags().Uint64Var(&maxMemory, "max-memory", 64<<20, "max isolate heap bytes")
	return cmd
}

func fetchCmd() *cobra.Command {
	var method, uri, bodyPath string

	cmd := &cobra.Command{
		Use:   "fetch <handle>",
		Short: "Send a fetch request to a spawned worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if bodyPath != "" {
				var err error
				body, err = os.ReadFile(bodyPath)
				if err != nil {
					return fmt.Errorf("read body: %w", err)
				}
			}

			req := map[string]any{
				"method": method,
				"uri":    uri,
				"body":   base64.StdEncoding.EncodeToString(body),
			}

			var out struct {
				Status int    `json:"status"`
				Body   string `json:"body"`
			}
			if err := doJSON(http.MethodPost, "/workers/"+args[0]+"/fetch", req, &out); err != nil {
				return err
			}

			decoded, err := base64.StdEncoding.DecodeString(out.Body)
			if err != nil {
				return fmt.Errorf("decode response body: %w", err)
			}
			fmt.Printf("status: %d\n%s\n", out.Status, decoded)
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "GET", "HTTP method forwarded to onFetch")
	cmd.Flags().StringVar(&uri, "uri", "/", "URI forwarded to onFetch")
	cmd.Flags().StringVar(&bodyPath, "body", "", "path to a request body file")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live worker handles",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Handles []string `json:"handles"`
			}
			if err := doJSON(http.MethodGet, "/workers", nil, &out); err != nil {
				return err
			}
			for _, h := range out.Handles {
				fmt.Println(h)
			}
			return nil
		},
	}
}

func terminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <handle>",
		Short: "Terminate a worker instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(http.MethodDelete, "/workers/"+args[0], nil, nil)
		},
	}
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Print the composite load metric",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Load uint16 `json:"load"`
			}
			if err := doJSON(http.MethodGet, "/load", nil, &out); err != nil {
				return err
			}
			fmt.Println(out.Load)
			return nil
		},
	}
}

func doJSON(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, daemonAddr+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
