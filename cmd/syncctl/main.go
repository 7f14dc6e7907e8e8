// Command syncctl operates the knowledge base sync API of a running server.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/instill-ai/drivesync-backend/config"
)

const kbPath = "/v1alpha/knowledge-bases/{kbUid}"

var (
	host       string
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newClient resolves the server address. The --host flag wins over the
// public URL of the configuration file.
func newClient() (*resty.Client, error) {
	if host == "" {
		if err := config.Init(configPath); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		host = config.Config.Server.PublicURL
	}
	if host == "" {
		return nil, fmt.Errorf("no server address, use --host")
	}
	return resty.New().SetBaseURL(strings.TrimSuffix(host, "/")), nil
}

// call sends the request and prints the response body.
func call(method, path string, pathParams map[string]string, body any) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	req := c.R().SetPathParams(pathParams)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}

	if out := resp.Body(); len(out) > 0 {
		var pretty any
		if json.Unmarshal(out, &pretty) == nil {
			if b, err := json.MarshalIndent(pretty, "", "  "); err == nil {
				out = b
			}
		}
		fmt.Println(string(out))
	}

	if resp.IsError() {
		return fmt.Errorf("server responded %s", resp.Status())
	}
	return nil
}

func kbParams(kbUID string) map[string]string {
	return map[string]string{"kbUid": kbUID}
}

var rootCmd = &cobra.Command{
	Use:          "syncctl",
	Short:        "Operate knowledge base drive sync",
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start <kb-uid>",
	Short: "Trigger a sync pass",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("POST", kbPath+"/sync:start", kbParams(args[0]), nil)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <kb-uid>",
	Short: "Cancel a running sync pass",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("POST", kbPath+"/sync:cancel", kbParams(args[0]), nil)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <kb-uid>",
	Short: "Show the sync configuration and status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("GET", kbPath+"/sync", kbParams(args[0]), nil)
	},
}

var intervalCmd = &cobra.Command{
	Use:   "interval <kb-uid> <duration>",
	Short: "Set the sync interval (e.g. 30m)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		seconds, err := parseSeconds(args[1])
		if err != nil {
			return err
		}
		return call("PATCH", kbPath+"/sync", kbParams(args[0]), map[string]int64{
			"syncIntervalSeconds": seconds,
		})
	},
}

var filesCmd = &cobra.Command{
	Use:   "files <kb-uid>",
	Short: "List the synced files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("GET", kbPath+"/files", kbParams(args[0]), nil)
	},
}

var tokenStatusCmd = &cobra.Command{
	Use:   "token-status <kb-uid>",
	Short: "Show the state of the stored credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("GET", kbPath+"/token-status", kbParams(args[0]), nil)
	},
}

// sources command
var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage sync sources",
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add <kb-uid> <drive-id> <item-id>",
	Short: "Attach a folder or file to a knowledge base",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, _ := cmd.Flags().GetString("namespace")
		name, _ := cmd.Flags().GetString("name")
		kind, _ := cmd.Flags().GetString("kind")
		return call("POST", kbPath+"/sources", kbParams(args[0]), map[string]string{
			"namespaceUid": namespace,
			"driveId":      args[1],
			"itemId":       args[2],
			"name":         name,
			"kind":         kind,
		})
	},
}

var sourcesRemoveCmd = &cobra.Command{
	Use:   "remove <kb-uid> <item-id>",
	Short: "Detach a source and delete its files",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("DELETE", kbPath+"/sources/{sourceId}", map[string]string{
			"kbUid":    args[0],
			"sourceId": args[1],
		}, nil)
	},
}

// shares command
var sharesCmd = &cobra.Command{
	Use:   "shares <kb-uid>",
	Short: "List the groups a knowledge base is shared with",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call("GET", kbPath+"/shares", kbParams(args[0]), nil)
	},
}

var shareCmd = &cobra.Command{
	Use:   "share <kb-uid>",
	Short: "Share a knowledge base with groups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		readers, _ := cmd.Flags().GetStringSlice("reader")
		writers, _ := cmd.Flags().GetStringSlice("writer")
		return call("POST", kbPath+"/shares", kbParams(args[0]), map[string][]string{
			"readers": readers,
			"writers": writers,
		})
	},
}

func parseSeconds(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	return int64(d.Seconds()), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&host, "host", "", "server address (defaults to the public URL in the config file)")
	rootCmd.PersistentFlags().StringVar(&configPath, "file", "config/config.yaml", "configuration file")

	sourcesAddCmd.Flags().String("namespace", "", "namespace UID owning the knowledge base")
	sourcesAddCmd.Flags().String("name", "", "display name of the source")
	sourcesAddCmd.Flags().String("kind", "", "folder or file")
	_ = sourcesAddCmd.MarkFlagRequired("namespace")
	sourcesCmd.AddCommand(sourcesAddCmd, sourcesRemoveCmd)

	shareCmd.Flags().StringSlice("reader", nil, "group granted read access")
	shareCmd.Flags().StringSlice("writer", nil, "group granted write access")

	rootCmd.AddCommand(startCmd, cancelCmd, statusCmd, intervalCmd, filesCmd, tokenStatusCmd, sourcesCmd, sharesCmd, shareCmd)
}
