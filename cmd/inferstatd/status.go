package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print queue and block-pool occupancy for a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "server base URL")
	return cmd
}

type statsResponse struct {
	Waiting    int   `json:"waiting"`
	Running    int   `json:"running"`
	Swapped    int   `json:"swapped"`
	Buffered   int   `json:"buffered"`
	DeviceFree []int `json:"device_free"`
	DeviceUsed []int `json:"device_used"`
	HostFree   int   `json:"host_free"`
	HostUsed   int   `json:"host_used"`
}

func runStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/v1/stats")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"queue", "depth"})
	table.Append([]string{"waiting", strconv.Itoa(stats.Waiting)})
	table.Append([]string{"running", strconv.Itoa(stats.Running)})
	table.Append([]string{"swapped", strconv.Itoa(stats.Swapped)})
	table.Append([]string{"buffered", strconv.Itoa(stats.Buffered)})
	table.Render()

	fmt.Println()

	blocks := tablewriter.NewWriter(os.Stdout)
	blocks.SetHeader([]string{"rank", "free", "used"})
	for i := range stats.DeviceFree {
		blocks.Append([]string{"device[" + strconv.Itoa(i) + "]", strconv.Itoa(stats.DeviceFree[i]), strconv.Itoa(stats.DeviceUsed[i])})
	}
	blocks.Append([]string{"host", strconv.Itoa(stats.HostFree), strconv.Itoa(stats.HostUsed)})
	blocks.Render()

	return nil
}
