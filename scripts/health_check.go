package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"copytrade-core/pkg/config"
	"copytrade-core/pkg/db"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	fmt.Println("🏥 copytrade-core health check")
	fmt.Println("==============================")
	fmt.Println()

	report := HealthReport{
		Overall:  "HEALTHY",
		Services: make([]HealthStatus, 0),
	}

	report.Services = append(report.Services, checkConfig())
	report.Services = append(report.Services, checkDatabase())
	report.Services = append(report.Services, checkAccountsFile())
	report.Services = append(report.Services, checkAPIServer())

	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" && report.Overall != "UNHEALTHY" {
			report.Overall = "DEGRADED"
		}
	}

	fmt.Println()
	fmt.Println("Results:")
	fmt.Println("--------")
	for _, svc := range report.Services {
		icon := "✓"
		if svc.Status == "UNHEALTHY" {
			icon = "✗"
		} else if svc.Status == "DEGRADED" {
			icon = "⚠"
		}
		fmt.Printf("%s %-16s %s %s\n", icon, svc.Service, svc.Status, svc.Message)
	}

	fmt.Println()
	fmt.Printf("Overall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	}

	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func checkConfig() HealthStatus {
	status := HealthStatus{Service: "Configuration", Status: "HEALTHY", Timestamp: time.Now()}

	cfg, err := config.Load()
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Failed to load: %v", err)
		return status
	}

	mode := "live"
	if cfg.PaperMode {
		mode = "paper"
	}
	status.Message = fmt.Sprintf("Port=%s mode=%s", cfg.Port, mode)
	return status
}

func checkDatabase() HealthStatus {
	status := HealthStatus{Service: "Database", Status: "HEALTHY", Timestamp: time.Now()}

	cfg, err := config.Load()
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = "Config unavailable"
		return status
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Open failed: %v", err)
		return status
	}
	defer store.Close()

	status.Message = "Connected"
	return status
}

func checkAccountsFile() HealthStatus {
	status := HealthStatus{Service: "Accounts", Status: "HEALTHY", Timestamp: time.Now()}

	cfg, err := config.Load()
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = "Config unavailable"
		return status
	}

	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Load failed: %v", err)
		return status
	}

	masters := 0
	enabled := 0
	for _, a := range accounts {
		if a.Role == "master" {
			masters++
		}
		if a.Enabled {
			enabled++
		}
	}
	if masters == 0 {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("%d accounts, no master (fan-out idle)", len(accounts))
		return status
	}

	status.Message = fmt.Sprintf("%d accounts (%d enabled)", len(accounts), enabled)
	return status
}

func checkAPIServer() HealthStatus {
	status := HealthStatus{Service: "API Server", Status: "HEALTHY", Timestamp: time.Now()}

	cfg, err := config.Load()
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = "Config unavailable"
		return status
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/health", cfg.Port))
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}

	status.Message = "Running"
	return status
}
