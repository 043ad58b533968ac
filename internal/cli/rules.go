package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiToken  string
)

func init() {
	for _, cmd := range []*cobra.Command{publishRuleCmd, setModeCmd, getConstraintCmd} {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "gatewarden server URL")
		cmd.Flags().StringVar(&apiToken, "token", os.Getenv("GATEWARDEN_TOKEN"), "API token (defaults to GATEWARDEN_TOKEN)")
	}
}

var publishRuleFile string

var publishRuleCmd = &cobra.Command{
	Use:          "publish-rule",
	Short:        "Publish a policy rule version",
	Long:         `Publish a new version of a policy rule from a JSON file.`,
	SilenceUsage: true,
	RunE:         runPublishRule,
}

func getPublishRuleCmd() *cobra.Command {
	publishRuleCmd.Flags().StringVarP(&publishRuleFile, "file", "f", "", "Path to rule JSON file (required)")
	_ = publishRuleCmd.MarkFlagRequired("file")
	return publishRuleCmd
}

func runPublishRule(_ *cobra.Command, _ []string) error {
	payload, err := os.ReadFile(publishRuleFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitValidation)
	}
	if !json.Valid(payload) {
		fmt.Fprintf(os.Stderr, "%s: not valid JSON\n", publishRuleFile)
		os.Exit(exitValidation)
	}

	return call(http.MethodPost, "/api/v1/rules", payload)
}

var setModeCmd = &cobra.Command{
	Use:          "set-mode <constraint-id> <dry-run|audit|enforce>",
	Short:        "Change a constraint's enforcement mode",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE:         runSetMode,
}

func getSetModeCmd() *cobra.Command {
	return setModeCmd
}

func runSetMode(_ *cobra.Command, args []string) error {
	payload, err := json.Marshal(map[string]string{"mode": args[1]})
	if err != nil {
		return err
	}
	return call(http.MethodPut, "/api/v1/constraints/"+args[0]+"/mode", payload)
}

var getConstraintCmd = &cobra.Command{
	Use:          "get-constraint <constraint-id>",
	Short:        "Show a constraint",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runGetConstraint,
}

func getGetConstraintCmd() *cobra.Command {
	return getConstraintCmd
}

func runGetConstraint(_ *cobra.Command, args []string) error {
	return call(http.MethodGet, "/api/v1/constraints/"+args[0], nil)
}

// call performs one API request and prints the response body. Validation
// rejections exit 2, an unreachable server exits 1.
func call(method, path string, payload []byte) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUnavailable)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		fmt.Fprintln(os.Stderr, string(out))
		if resp.StatusCode >= 500 {
			os.Exit(exitUnavailable)
		}
		os.Exit(exitValidation)
	}

	fmt.Println(string(out))
	return nil
}
