package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmux/agentmux/internal/api"
	"github.com/agentmux/agentmux/internal/registry"
)

// apiClient talks to a running agentmux server.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClientFromFlags(cmd *cobra.Command) *apiClient {
	baseURL, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("AGENTMUX_TOKEN")
	}
	return &apiClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", envOr("AGENTMUX_SERVER", "http://localhost:8080"), "server base URL")
	cmd.Flags().String("token", "", "bearer token (defaults to AGENTMUX_TOKEN)")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// do sends one JSON request and decodes the response into out when the
// status is 2xx; otherwise the server's error message is returned.
func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, errResp.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newSpawnCmd() *cobra.Command {
	var req api.SpawnAgentRequest

	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn a new agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			var agent registry.Agent
			if err := newClientFromFlags(cmd).do("POST", "/api/agents", req, &agent); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agent %s spawned (container %s)\n", agent.ID, agent.ContainerID)
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().StringVar(&req.AgentID, "id", "", "agent id (generated when empty)")
	cmd.Flags().StringVar(&req.Task, "task", "", "task description")
	cmd.Flags().StringVar(&req.AgentType, "type", "", "agent definition name")
	cmd.Flags().StringVar(&req.Workspace, "workspace", "", "host workspace path")
	return cmd
}

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <agent-id>",
		Short: "Stop a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClientFromFlags(cmd).do("DELETE", "/api/agents/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agent %s stopped\n", args[0])
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newSendCmd() *cobra.Command {
	var from, to, priority string

	cmd := &cobra.Command{
		Use:   "send <content>",
		Short: "Send a message through the bus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				MessageID  uint `json:"message_id"`
				Recipients int  `json:"recipients"`
			}
			err := newClientFromFlags(cmd).do("POST", "/api/messages", api.SendMessageRequest{
				From:     from,
				To:       to,
				Content:  args[0],
				Priority: priority,
			}, &res)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "message %d delivered to %d recipient(s)\n", res.MessageID, res.Recipients)
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().StringVar(&from, "from", "developer", "sending participant")
	cmd.Flags().StringVar(&to, "to", "broadcast", "recipient participant, or broadcast")
	cmd.Flags().StringVar(&priority, "priority", "", "low, normal, or high")
	return cmd
}

func newAgentsCmd() *cobra.Command {
	var status, capability string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/agents/?status=" + status + "&capability=" + capability
			var agents []registry.Agent
			if err := newClientFromFlags(cmd).do("GET", path, nil, &agents); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tCONTAINER\tTASK")
			for _, a := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Status, a.AgentType, a.ContainerID, a.Task)
			}
			return w.Flush()
		},
	}

	addClientFlags(cmd)
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&capability, "capability", "", "filter by capability")
	return cmd
}
