package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/hpcq/pkg/supervisor"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the supervised consumer is running and its last heartbeat",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print machine-readable JSON")
}

type statusReport struct {
	Running       bool      `json:"running"`
	PID           int       `json:"pid,omitempty"`
	Healthy       bool      `json:"healthy"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	InFlightJobID string    `json:"in_flight_job_id,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	l := loadLayout(cmd)

	report := statusReport{}
	pid := supervisor.ReadPID(l.PIDFile())
	report.Running = supervisor.IsAlive(pid)
	if report.Running {
		report.PID = pid
	}

	if report.Running {
		if remote, err := fetchStatus(cfg.AdminAddr); err == nil {
			report.Healthy = remote.Healthy
			report.LastHeartbeat = remote.LastHeartbeat
			report.InFlightJobID = remote.InFlightJobID
		}
	}

	if statusJSON {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
	}

	if !report.Running {
		fmt.Println("not running")
		return nil
	}
	fmt.Printf("running (pid %d), healthy=%t\n", report.PID, report.Healthy)
	if report.InFlightJobID != "" {
		fmt.Printf("in-flight job: %s\n", report.InFlightJobID)
	} else {
		fmt.Println("in-flight job: none")
	}
	if !report.LastHeartbeat.IsZero() {
		fmt.Printf("last heartbeat: %s\n", report.LastHeartbeat.Format(time.RFC3339))
	}
	return nil
}

type remoteStatus struct {
	Healthy       bool      `json:"healthy"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	InFlightJobID string    `json:"in_flight_job_id"`
}

func fetchStatus(adminAddr string) (*remoteStatus, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/status", adminAddr))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rs remoteStatus
	if err := json.NewDecoder(resp.Body).Decode(&rs); err != nil {
		return nil, err
	}
	return &rs, nil
}
