package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yabosen/presence/internal/client"
	"github.com/yabosen/presence/internal/model"
	"github.com/yabosen/presence/internal/presence"
)

var (
	baseURL string
	apiKey  string
	asJSON  bool
	timeout time.Duration
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "presencectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presencectl",
		Short: "Read and publish presence from the command line",
		Long: `presencectl talks to a presence server: it reads the public status, publishes
status changes, keeps a status alive with heartbeats and uploads the avatar.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&baseURL, "url", envOr("PRESENCE_URL", "http://localhost:8080"), "Presence server base URL")
	cmd.PersistentFlags().StringVar(&apiKey, "key", envOr("PRESENCE_API_KEY", os.Getenv("STATUS_API_KEY")), "API key for mutating commands")
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Per-request timeout")
	cmd.AddCommand(
		newGetCmd(),
		newSetCmd(),
		newHeartbeatCmd(),
		newAvatarCmd(),
		newWatchCmd(),
	)
	return cmd
}

func newClient() *client.Client {
	return client.New(baseURL, apiKey, client.WithHTTPClient(&http.Client{Timeout: timeout}))
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Show the current public status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := newClient().Status(cmd.Context())
			if err != nil {
				return err
			}
			return printRecord(cmd.OutOrStdout(), rec)
		},
	}
}

func newSetCmd() *cobra.Command {
	var message, activityType, activityName, episode, season string
	cmd := &cobra.Command{
		Use:   "set <status>",
		Short: "Publish a full status (" + strings.Join(model.StatusNames(), "|") + ")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := buildRequest(cmd, args[0], message, activityType, activityName, episode, season)
			rec, err := newClient().SetStatus(cmd.Context(), req)
			if err != nil {
				return explain(err)
			}
			return printRecord(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Custom message")
	cmd.Flags().StringVarP(&activityType, "activity", "a", "", "Activity type (playing|watching|listening|none)")
	cmd.Flags().StringVarP(&activityName, "name", "n", "", "Activity name")
	cmd.Flags().StringVar(&episode, "episode", "", "Episode info (watching)")
	cmd.Flags().StringVar(&season, "season", "", "Season info (watching)")
	return cmd
}

// buildRequest only sends the flags the user actually passed.
func buildRequest(cmd *cobra.Command, status, message, activityType, activityName, episode, season string) presence.UpdateRequest {
	req := presence.UpdateRequest{Status: &status}
	set := func(flag string, value string, dst **string) {
		if cmd.Flags().Changed(flag) {
			v := value
			*dst = &v
		}
	}
	set("message", message, &req.CustomMessage)
	set("activity", activityType, &req.ActivityType)
	set("name", activityName, &req.ActivityName)
	set("episode", episode, &req.EpisodeInfo)
	set("season", season, &req.SeasonInfo)
	return req
}

func newHeartbeatCmd() *cobra.Command {
	var (
		source         string
		loop           bool
		interval       time.Duration
		idle           time.Duration
		fallbackStatus string
	)
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Refresh the status timestamp so it does not go stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := newClient()
			var fallback *presence.UpdateRequest
			if fallbackStatus != "" {
				fallback = &presence.UpdateRequest{Status: &fallbackStatus}
			}
			beat := func() error {
				ts, mutated, err := c.Beat(ctx, source, idle, fallback)
				if err != nil {
					return explain(err)
				}
				verb := "heartbeat"
				if mutated {
					verb = "no record yet, published " + fallbackStatus
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) at %s\n", verb, source, time.UnixMilli(ts).Format(time.RFC3339))
				return nil
			}
			if !loop {
				return beat()
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := beat(); err != nil {
					var apiErr *client.APIError
					if !errors.As(err, &apiErr) || !apiErr.Retryable() {
						return err
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "heartbeat failed, retrying: %v\n", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "pc", "Source tag (pc, mobile, ...)")
	cmd.Flags().BoolVar(&loop, "loop", false, "Keep sending heartbeats until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Heartbeat interval with --loop")
	cmd.Flags().DurationVar(&idle, "idle", 0, "User inactivity to report with each heartbeat")
	cmd.Flags().StringVar(&fallbackStatus, "fallback-status", "", "Status to publish when the server has no record")
	return cmd
}

func newAvatarCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "avatar",
		Short: "Manage the profile picture",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <image-file>",
		Short: "Upload an image file as the avatar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataURL, err := fileDataURL(args[0])
			if err != nil {
				return err
			}
			size, err := newClient().SetAvatar(cmd.Context(), dataURL)
			if err != nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "avatar updated (%s)\n", size)
			return nil
		},
	})
	return cmd
}

func fileDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read avatar: %w", err)
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("%s is not an image (%s)", path, contentType)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func newWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the status and print every change",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := newClient()
			var last *model.StatusRecord
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				rec, err := c.Status(ctx)
				switch {
				case err != nil && ctx.Err() != nil:
					return nil
				case err != nil:
					fmt.Fprintf(cmd.ErrOrStderr(), "poll failed: %v\n", err)
				case last == nil || changed(*last, rec):
					if err := printRecord(cmd.OutOrStdout(), rec); err != nil {
						return err
					}
					last = &rec
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Polling interval")
	return cmd
}

// changed ignores heartbeat-only updates.
func changed(a, b model.StatusRecord) bool {
	a.UpdatedAt, b.UpdatedAt = 0, 0
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return string(ja) != string(jb)
}

func printRecord(w io.Writer, rec model.StatusRecord) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	line := rec.Status.DisplayName()
	if rec.ActivityType != nil && *rec.ActivityType != "" {
		kind := string(*rec.ActivityType)
		line += " · " + strings.ToUpper(kind[:1]) + kind[1:]
		if rec.ActivityName != nil {
			line += " " + *rec.ActivityName
		}
		if rec.SeasonInfo != nil || rec.EpisodeInfo != nil {
			line += " (" + strings.TrimSpace(deref(rec.SeasonInfo)+" "+deref(rec.EpisodeInfo)) + ")"
		}
	}
	if rec.CustomMessage != nil {
		line += ` "` + *rec.CustomMessage + `"`
	}
	_, err := fmt.Fprintf(w, "%s, updated %s\n", line, humanize.Time(rec.UpdatedTime()))
	return err
}

func explain(err error) error {
	var apiErr *client.APIError
	switch {
	case errors.Is(err, client.ErrUnauthorized):
		return fmt.Errorf("unauthorized: check --key or PRESENCE_API_KEY")
	case errors.Is(err, client.ErrNotFound):
		return fmt.Errorf("no status published yet: run `presencectl set` first or pass --fallback-status")
	case errors.As(err, &apiErr) && apiErr.Retryable():
		return fmt.Errorf("%w (retry later)", err)
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
