package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("RECONCILER_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}

	tenantID := os.Getenv("RECONCILER_TENANT_ID")
	if tenantID == "" {
		tenantID = "default"
	}

	switch os.Args[1] {
	case "sync":
		cmdSync(gateway, tenantID)
	case "status":
		cmdStatus(gateway, tenantID)
	case "cancel":
		cmdCancel(gateway, tenantID)
	case "watch":
		cmdWatch(gateway, tenantID)
	case "health":
		cmdHealth(gateway)
	case "version":
		fmt.Printf("reconcile-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Reconciler CLI v` + version + `

Usage: reconcile-cli <command> [args]

Commands:
  sync [kind] [sources...]   Start a sync job (kind: full, incremental, discrepancy_only)
  status <job-id>            Show a job's state and progress
  cancel <job-id>            Request cancellation of a running job
  watch <job-id>             Stream a job's progress events (SSE)
  health                     Show connector health rollup
  version                    Print version

Environment:
  RECONCILER_URL        Server base URL (default http://localhost:8080)
  RECONCILER_TENANT_ID  Tenant id sent as X-Tenant-ID (default "default")`)
}

func cmdSync(gateway, tenantID string) {
	kind := "full"
	var sources []string
	if len(os.Args) > 2 {
		kind = os.Args[2]
	}
	if len(os.Args) > 3 {
		sources = os.Args[3:]
	}

	body, _ := json.Marshal(map[string]interface{}{"kind": kind, "sources": sources})
	req, err := http.NewRequest(http.MethodPost, gateway+"/jobs", bytes.NewReader(body))
	if err != nil {
		fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp := doRequest(req)
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdStatus(gateway, tenantID string) {
	jobID := requireArg("status", "job-id")
	req, err := http.NewRequest(http.MethodGet, gateway+"/jobs/"+jobID, nil)
	if err != nil {
		fatal(err)
	}
	req.Header.Set("X-Tenant-ID", tenantID)

	resp := doRequest(req)
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdCancel(gateway, tenantID string) {
	jobID := requireArg("cancel", "job-id")
	req, err := http.NewRequest(http.MethodPost, gateway+"/jobs/"+jobID+"/cancel", nil)
	if err != nil {
		fatal(err)
	}
	req.Header.Set("X-Tenant-ID", tenantID)

	resp := doRequest(req)
	defer resp.Body.Close()
	printJSON(resp.Body)
}

// cmdWatch tails the job's SSE stream, printing one line per event,
// until the job reaches a terminal state or the stream closes.
func cmdWatch(gateway, tenantID string) {
	jobID := requireArg("watch", "job-id")
	req, err := http.NewRequest(http.MethodGet, gateway+"/jobs/"+jobID+"/events", nil)
	if err != nil {
		fatal(err)
	}
	req.Header.Set("X-Tenant-ID", tenantID)

	client := &http.Client{} // no timeout: the stream is long-lived
	resp, err := client.Do(req)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fatal(fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		fmt.Println(strings.TrimPrefix(line, "data: "))
	}
}

func cmdHealth(gateway string) {
	resp, err := http.Get(gateway + "/health")
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func requireArg(command, name string) string {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: reconcile-cli %s <%s>\n", command, name)
		os.Exit(1)
	}
	return os.Args[2]
}

func doRequest(req *http.Request) *http.Response {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fatal(err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		fatal(fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return resp
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fatal(err)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
