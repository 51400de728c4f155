package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adwski/webrtc-signaling/backend/model"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const defaultStatusTimeout = 5 * time.Second

var ErrBadStatus = errors.New("unexpected api response status")

func newStatusCmd() *cobra.Command {
	var (
		apiURL  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show rooms and clients of a running relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := &http.Client{}
			base := strings.TrimRight(apiURL, "/")

			var st model.Status
			if err := getJSON(ctx, client, base+"/webrtc/status", &st); err != nil {
				return err
			}
			var rooms struct {
				Data []model.RoomSummary `json:"data"`
			}
			if err := getJSON(ctx, client, base+"/webrtc/rooms", &rooms); err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), st, rooms.Data)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "http://localhost:8080", "relay api base url")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultStatusTimeout, "request timeout")
	return cmd
}

func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s %s", ErrBadStatus, url, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func renderStatus(w io.Writer, st model.Status, rooms []model.RoomSummary) {
	summary := table.NewWriter()
	summary.SetOutputMirror(w)
	summary.SetStyle(table.StyleLight)
	summary.AppendRows([]table.Row{
		{"Status", st.Status},
		{"Rooms", st.Rooms},
		{"Clients", st.Clients},
		{"Timestamp", st.Timestamp.Format(time.RFC3339)},
	})
	summary.Render()

	if len(rooms) == 0 {
		return
	}
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Room", "Members", "Candidates", "Created"})
	for _, r := range rooms {
		tbl.AppendRow(table.Row{r.ID, r.Members, r.Candidates, r.CreatedAt.Format(time.RFC3339)})
	}
	tbl.Render()
}
