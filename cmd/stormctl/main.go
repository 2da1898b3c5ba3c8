// Command stormctl is an operator CLI for the StormStack control plane:
// list and register cluster nodes, and route matches onto the cluster,
// against the control plane's HTTP surface.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	addr  string
	token string
)

// Process exit codes: 0 success, 1 user error, 2 auth failure, 3
// unreachable control plane, 4 placement failure, >=64 unexpected.
const (
	exitUserError   = 1
	exitAuthFailure = 2
	exitUnreachable = 3
	exitPlacement   = 4
	exitUnexpected  = 64
)

// exitError carries the process exit code alongside the message.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitUserError)
	}
}

var rootCmd = &cobra.Command{
	Use:           "stormctl",
	Short:         "Operate a StormStack cluster's control plane",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8081", "control plane base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "operator bearer token")

	nodesCmd.AddCommand(nodesListCmd, nodesRegisterCmd)
	matchesCmd.AddCommand(matchesListCmd, matchesRouteCmd)
	rootCmd.AddCommand(nodesCmd, matchesCmd, statusCmd)
}

var nodesCmd = &cobra.Command{Use: "nodes", Short: "Manage cluster nodes"}
var matchesCmd = &cobra.Command{Use: "matches", Short: "Manage routed matches"}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster-wide node health summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/api/cluster/status", nil)
	},
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known engine node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/api/nodes", nil)
	},
}

var (
	registerAddress string
	registerModules string
	registerMax     int
)

var nodesRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an engine node with the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		modules := splitCSV(registerModules)
		return call(http.MethodPost, "/api/nodes", map[string]interface{}{
			"address":          registerAddress,
			"supportedModules": modules,
			"maxMatches":       registerMax,
		})
	},
}

func init() {
	nodesRegisterCmd.Flags().StringVar(&registerAddress, "address", "", "node's reachable base URL")
	nodesRegisterCmd.Flags().StringVar(&registerModules, "modules", "", "comma-separated supported module names")
	nodesRegisterCmd.Flags().IntVar(&registerMax, "max-matches", 0, "maximum concurrent matches this node accepts")
	_ = nodesRegisterCmd.MarkFlagRequired("address")
}

var matchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every routed match and its node assignment",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/api/matches", nil)
	},
}

var (
	routeModules     string
	routePlayerLimit int
	routePreferred   uint64
)

var matchesRouteCmd = &cobra.Command{
	Use:   "route",
	Short: "Place a new match onto a candidate node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodPost, "/api/matches/route", map[string]interface{}{
			"modules":         splitCSV(routeModules),
			"playerLimit":     routePlayerLimit,
			"preferredNodeId": routePreferred,
		})
	},
}

func init() {
	matchesRouteCmd.Flags().StringVar(&routeModules, "modules", "", "comma-separated module names the match requires")
	matchesRouteCmd.Flags().IntVar(&routePlayerLimit, "player-limit", 8, "maximum concurrent players")
	matchesRouteCmd.Flags().Uint64Var(&routePreferred, "preferred-node", 0, "preferred node id, honored within tolerance")
}

func splitCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// call issues an HTTP request against the control plane and prints the
// decoded response body to stdout.
func call(method, path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, strings.TrimRight(addr, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return &exitError{code: exitUnreachable, err: fmt.Errorf("control plane unreachable: %w", err)}
	}
	defer resp.Body.Close()

	var pretty bytes.Buffer
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &exitError{code: exitUnexpected, err: err}
	}
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
	} else {
		fmt.Println(pretty.String())
	}
	if resp.StatusCode >= 300 {
		return &exitError{
			code: exitCodeFor(resp.StatusCode, raw),
			err:  fmt.Errorf("control plane returned %s", resp.Status),
		}
	}
	return nil
}

// exitCodeFor maps a failed response onto the documented process exit
// codes, using the error envelope's taxonomy code when one is present.
func exitCodeFor(status int, body []byte) int {
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	switch envelope.Error.Code {
	case "PLACEMENT_FAILED", "UNROUTABLE_MODULES":
		return exitPlacement
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return exitAuthFailure
	case status >= 400 && status < 500:
		return exitUserError
	default:
		return exitUnexpected
	}
}
