package main

import (
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"updatrix/backend/internal/agentclient"
)

const Version = "0.2.0"

const defaultConfigPath = "/etc/updatrix-agent.json"

type agentConfig struct {
	ServerURL  string `json:"server_url"`
	MachineID  string `json:"machine_id"`
	AgentToken string `json:"agent_token"`
	// Optional command invoked to perform an install; receives the task and
	// distribution ids in its environment
	InstallCmd string `json:"install_cmd,omitempty"`
}

func main() {
	_ = godotenv.Load()

	registerCmd := flag.NewFlagSet("register", flag.ExitOnError)
	registerServer := registerCmd.String("server", "", "Backend server URL")
	registerMachine := registerCmd.String("machine", "", "Machine ID this agent runs on")
	registerConfig := registerCmd.String("config", defaultConfigPath, "Config file path")

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runConfig := runCmd.String("config", defaultConfigPath, "Config file path")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "register":
		registerCmd.Parse(os.Args[2:])
		if *registerServer == "" || *registerMachine == "" {
			log.Fatal("Both --server and --machine are required")
		}
		if err := register(*registerServer, *registerMachine, *registerConfig); err != nil {
			log.Fatal(err)
		}
	case "run":
		runCmd.Parse(os.Args[2:])
		if err := run(*runConfig); err != nil {
			log.Fatal(err)
		}
	case "version":
		fmt.Printf("Updatrix Agent %s\n", Version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Updatrix Agent")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  agent register --server URL --machine ID [--config PATH]")
	fmt.Println("  agent run [--config PATH]")
	fmt.Println("  agent version")
}

func register(serverURL, machineID, configPath string) error {
	token, err := randomToken()
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	client := agentclient.New(serverURL, token)
	err = client.Register(agentclient.RegisterRequest{
		MachineID: machineID,
		Hostname:  hostname,
		OSVersion: runtime.GOOS,
		Arch:      ptr(runtime.GOARCH),
	})
	if err != nil {
		return err
	}

	cfg := agentConfig{
		ServerURL:  serverURL,
		MachineID:  machineID,
		AgentToken: token,
	}
	if err := saveConfig(configPath, cfg); err != nil {
		return err
	}

	log.Printf("Registered with %s, config written to %s", serverURL, configPath)
	return nil
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	client := agentclient.New(cfg.ServerURL, cfg.AgentToken)

	log.Printf("Agent %s starting, polling %s", Version, cfg.ServerURL)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()
	poll := time.NewTicker(15 * time.Second)
	defer poll.Stop()

	if err := client.Heartbeat(); err != nil {
		log.Printf("Heartbeat failed: %v", err)
	}
	pollTasks(client, cfg)

	for {
		select {
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				log.Printf("Heartbeat failed: %v", err)
			}
		case <-poll.C:
			pollTasks(client, cfg)
		}
	}
}

func pollTasks(client *agentclient.Client, cfg agentConfig) {
	tasks, err := client.GetTasks()
	if err != nil {
		log.Printf("Failed to get tasks: %v", err)
		return
	}

	for _, task := range tasks {
		log.Printf("Starting task %s (%s)", task.ID, task.Name)
		if err := client.ReportProgress(task.ID, "in_progress", ""); err != nil {
			log.Printf("Failed to report progress: %v", err)
			continue
		}

		version, err := install(cfg, task)
		if err != nil {
			log.Printf("Task %s failed: %v", task.ID, err)
			if err := client.ReportProgress(task.ID, "failed", err.Error()); err != nil {
				log.Printf("Failed to report failure: %v", err)
			}
			continue
		}

		if err := client.ReportProgress(task.ID, "completed", ""); err != nil {
			log.Printf("Failed to report completion: %v", err)
		}
		if version != "" {
			if err := client.ReportStatus(ptr(version), ptr(runtime.GOARCH)); err != nil {
				log.Printf("Failed to report version: %v", err)
			}
		}
		log.Printf("Task %s completed", task.ID)
	}
}

// install hands the task to the configured installer command. The command's
// first output line, if any, is taken as the installed version. Without an
// installer the task is acked as a no-op.
func install(cfg agentConfig, task agentclient.Task) (string, error) {
	if cfg.InstallCmd == "" {
		log.Printf("No install_cmd configured, acking task %s without action", task.ID)
		return "", nil
	}

	cmd := exec.Command("sh", "-c", cfg.InstallCmd)
	cmd.Env = append(os.Environ(),
		"UPDATRIX_TASK_ID="+task.ID,
		"UPDATRIX_DISTRIBUTION_ID="+task.DistributionID,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("installer: %v: %s", err, strings.TrimSpace(string(out)))
	}

	lines := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0]), nil
	}
	return "", nil
}

func loadConfig(path string) (agentConfig, error) {
	var cfg agentConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ServerURL == "" || cfg.AgentToken == "" {
		return cfg, fmt.Errorf("config %s is missing server_url or agent_token", path)
	}
	return cfg, nil
}

func saveConfig(path string, cfg agentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", buf), nil
}

func ptr(s string) *string { return &s }
