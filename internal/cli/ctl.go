package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

var ctlIntents = []string{
	protocol.IntentStart,
	protocol.IntentStop,
	protocol.IntentToggle,
	protocol.IntentClear,
	protocol.IntentCopy,
	protocol.IntentCopyAndRestart,
	protocol.IntentSave,
	"status",
}

func NewCtlCmd(deps *Dependencies) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:       "ctl <intent> [filename]",
		Short:     "Send an intent to a running scribed",
		Long:      "Send start, stop, toggle, clear, copy, copy-and-restart or save to the running service, or print its status.",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: ctlIntents,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = fmt.Sprintf("%s:%d", deps.Config.HTTP.Bind, deps.Config.HTTP.Port)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := &daemonClient{base: "http://" + addr, http: http.DefaultClient}
			f := newFormatter(deps.Out)

			if args[0] == "status" {
				state, err := client.state(ctx)
				if err != nil {
					return err
				}
				f.Session(state.State, state.Status, state.Text, state.Words)
				return nil
			}

			intent := protocol.Intent{Name: args[0]}
			if len(args) == 2 {
				intent.Filename = args[1]
			}
			reply, err := client.send(ctx, intent)
			if err != nil {
				return err
			}
			if !reply.OK {
				return fmt.Errorf("%s: %s", args[0], reply.Error)
			}
			if reply.Path != "" {
				f.Success("Saved to " + reply.Path)
			} else if reply.State != nil {
				f.Success(reply.State.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Address of the running service (defaults to http.bind:http.port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

type daemonClient struct {
	base string
	http *http.Client
}

func (c *daemonClient) send(ctx context.Context, intent protocol.Intent) (protocol.IntentReply, error) {
	var reply protocol.IntentReply
	body, err := json.Marshal(intent)
	if err != nil {
		return reply, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/session/"+intent.Name, bytes.NewReader(body))
	if err != nil {
		return reply, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return reply, fmt.Errorf("contact scribed: %w", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return reply, fmt.Errorf("decode reply (%s): %w", resp.Status, err)
	}
	return reply, nil
}

func (c *daemonClient) state(ctx context.Context) (protocol.SessionState, error) {
	var state protocol.SessionState
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/session", nil)
	if err != nil {
		return state, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return state, fmt.Errorf("contact scribed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return state, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return state, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}
