package agentclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the agent-side view of the dispatch protocol. All communication
// is initiated here; the server never pushes.
type Client struct {
	serverURL string
	token     string
	http      *http.Client
}

func New(serverURL, token string) *Client {
	return &Client{
		serverURL: serverURL,
		token:     token,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type RegisterRequest struct {
	MachineID   string  `json:"machine_id"`
	AgentToken  string  `json:"agent_token"`
	Hostname    string  `json:"hostname"`
	OSVersion   string  `json:"os_version"`
	LastVersion *string `json:"last_version,omitempty"`
	Arch        *string `json:"arch,omitempty"`
}

func (c *Client) Register(req RegisterRequest) error {
	req.AgentToken = c.token
	body, _ := json.Marshal(req)
	resp, err := c.http.Post(c.serverURL+"/api/agent/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registration failed: %s", string(bodyBytes))
	}
	return nil
}

func (c *Client) Heartbeat() error {
	resp, err := c.http.Post(c.serverURL+"/api/agent/heartbeat/"+c.token, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat failed: %d", resp.StatusCode)
	}
	return nil
}

// ReportStatus sends the installed package state. An empty string clears the
// stored value on the server; a nil pointer leaves it alone.
func (c *Client) ReportStatus(version, arch *string) error {
	body, _ := json.Marshal(map[string]*string{
		"last_version": version,
		"arch":         arch,
	})
	resp, err := c.http.Post(c.serverURL+"/api/agent/status/"+c.token, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status report failed: %d", resp.StatusCode)
	}
	return nil
}

type Task struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	DistributionID string `json:"distribution_id"`
	Status         string `json:"status"`
}

func (c *Client) GetTasks() ([]Task, error) {
	resp, err := c.http.Get(c.serverURL + "/api/agent/tasks/" + c.token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get tasks failed: %d", resp.StatusCode)
	}

	var tasks []Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) ReportProgress(taskID, status, errorMessage string) error {
	payload := map[string]string{"status": status}
	if errorMessage != "" {
		payload["error_message"] = errorMessage
	}
	body, _ := json.Marshal(payload)

	url := fmt.Sprintf("%s/api/agent/tasks/%s/%s/progress", c.serverURL, c.token, taskID)
	resp, err := c.http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("progress report failed: %s", string(bodyBytes))
	}
	return nil
}
