package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/plcforge/edgevault/internal/server"
)

type pushConfig struct {
	manifestPath string
	imagePath    string
}

func newPushCmd() *cobra.Command {
	cfg := pushConfig{}
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Deliver a signed agent update to the runtime",
		Long: `Push delivers a signed manifest and its agent image to the runtime as one
atomic update. The runtime answers accept, reject or busy immediately; the
write, verify and activate phases then run in the background while the
currently active agent keeps running. Watch the outcome with "edgevault
events".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPushCmd(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfg.manifestPath, "manifest", "m", "", "Path to the signed manifest.")
	cmd.Flags().StringVarP(&cfg.imagePath, "image", "i", "", "Path to the agent image.")
	cmd.MarkFlagRequired("manifest")
	cmd.MarkFlagRequired("image")
	return cmd
}

func runPushCmd(cfg pushConfig) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, part := range []struct {
		name, path string
	}{
		{"manifest", cfg.manifestPath},
		{"image", cfg.imagePath},
	} {
		data, err := os.ReadFile(part.path)
		if err != nil {
			return err
		}
		w, err := mw.CreateFormFile(part.name, part.name)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	resp, err := apiClient().Post(apiURL("/v1/update"), mw.FormDataContentType(), &body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result server.UpdateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("unable to parse daemon response (%s): %w", resp.Status, err)
	}
	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Printf("Update accepted: transaction %s writing bank %s\n", result.Transaction, result.TargetBank)
		return nil
	case http.StatusConflict:
		return fmt.Errorf("runtime busy: %s", result.Error)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("update rejected: %s", result.Error)
	default:
		return fmt.Errorf("daemon returned %s: %s", resp.Status, result.Error)
	}
}
