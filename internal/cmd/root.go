// Package cmd implements the edgevault CLI: provisioning tooling (keygen,
// sign) and the operator surface of a running daemon (push, status, events,
// slots).
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	addr    string
	timeout time.Duration
)

func NewRootCmd(version, commit, buildTime string) *cobra.Command {
	root := &cobra.Command{
		Use:     "edgevault",
		Short:   "Manage agents on an edgevault runtime",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
	}
	root.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:9710",
		"The hostname:port of the edgevaultd API.")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second,
		"Timeout for requests to the daemon.")

	root.AddCommand(
		newPushCmd(),
		newStatusCmd(),
		newEventsCmd(),
		newSlotsCmd(),
		newKeygenCmd(),
		newSignCmd(),
	)
	return root
}

func apiClient() *http.Client {
	return &http.Client{Timeout: timeout}
}

func apiURL(path string) string {
	return "http://" + addr + path
}

// getJSON fetches path from the daemon and decodes the JSON response into
// out.
func getJSON(path string, out any) error {
	resp, err := apiClient().Get(apiURL(path))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned %s: %s", resp.Status, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
