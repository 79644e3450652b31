/*
bkctl is the Controller Core CLI.

It wraps the request gateway's HTTP API for submitting builds, checking
their status and logs, retrying or cancelling them, downloading results,
and simulating a worker's register/poll loop for local testing.

Usage:

	bkctl submit --platform ios --source <path> [--credentials <path>]
	bkctl status --build <id>
	bkctl logs --build <id> [--after <seq>] [--limit <n>]
	bkctl retry --build <id>
	bkctl cancel --build <id>
	bkctl download --build <id> --out <path>
	bkctl active
	bkctl worker-sim --name <name> --platform ios
*/
package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const defaultControllerEndpoint = "https://localhost:8443"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "logs":
		runLogs(os.Args[2:])
	case "retry":
		runRetry(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "download":
		runDownload(os.Args[2:])
	case "active":
		runActive(os.Args[2:])
	case "worker-sim":
		runWorkerSim(os.Args[2:])
	case "version":
		fmt.Println("bkctl v0.1.0")
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`bkctl - Controller Core CLI

Usage:
  bkctl submit --platform <ios|android> --source <path> [--credentials <path>]
  bkctl status --build <id>
  bkctl logs --build <id> [--after <seq>] [--limit <n>]
  bkctl retry --build <id>
  bkctl cancel --build <id>
  bkctl download --build <id> --out <path>
  bkctl active
  bkctl worker-sim --name <name> --platform <ios|android>

Environment Variables:
  BKCTL_ENDPOINT        Controller gateway endpoint (default: https://localhost:8443)
  BKCTL_ADMIN_KEY       Admin key, sent as the Admin header
                        Required for submit, active, and worker-sim
  BKCTL_BUILD_TOKEN     Build or Guest token, sent as the BuildToken header
                        Required for status/logs/retry/cancel/download unless
                        an admin key is also set
  BKCTL_TLS_SKIP_VERIFY Skip TLS certificate verification (default: false)
                        Set to "true" for the controller's self-signed cert
                        in local development

Examples:
  export BKCTL_ADMIN_KEY=dev-admin-key
  BKCTL_TLS_SKIP_VERIFY=true bkctl submit --platform ios --source app.zip

  export BKCTL_BUILD_TOKEN=$(bkctl submit ... | jq -r .buildToken)
  bkctl status --build <id>`)
}

type submitResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	BuildToken string `json:"buildToken"`
}

func runSubmit(args []string) {
	platform := ""
	sourcePath := ""
	credentialsPath := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--platform", "-p":
			if i+1 < len(args) {
				platform = args[i+1]
				i++
			}
		case "--source", "-s":
			if i+1 < len(args) {
				sourcePath = args[i+1]
				i++
			}
		case "--credentials", "-c":
			if i+1 < len(args) {
				credentialsPath = args[i+1]
				i++
			}
		}
	}

	if platform == "" || sourcePath == "" {
		fmt.Fprintln(os.Stderr, "Error: --platform and --source are required")
		os.Exit(1)
	}

	resp, err := submitBuild(platform, sourcePath, credentialsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error submitting build: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(resp)
}

func submitBuild(platform, sourcePath, credentialsPath string) (*submitResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("platform", platform); err != nil {
		return nil, err
	}

	if err := writeFormFile(mw, "source", sourcePath); err != nil {
		return nil, fmt.Errorf("attaching source: %w", err)
	}
	if credentialsPath != "" {
		if err := writeFormFile(mw, "credentials", credentialsPath); err != nil {
			return nil, fmt.Errorf("attaching credentials: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, endpointURL("/builds"), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	addAdminHeader(req)

	resp, err := doRequest(req, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("submit failed: %s", string(respBody))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

func writeFormFile(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fw, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, f)
	return err
}

func runStatus(args []string) {
	buildID := requireBuildFlag(args)
	req, _ := http.NewRequest(http.MethodGet, endpointURL("/builds/"+buildID+"/status"), nil)
	addAdminHeader(req)
	addBuildToken(req)
	printJSONResponse(req)
}

func runLogs(args []string) {
	buildID := ""
	after := ""
	limit := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--build", "-b":
			if i+1 < len(args) {
				buildID = args[i+1]
				i++
			}
		case "--after":
			if i+1 < len(args) {
				after = args[i+1]
				i++
			}
		case "--limit":
			if i+1 < len(args) {
				limit = args[i+1]
				i++
			}
		}
	}
	if buildID == "" {
		fmt.Fprintln(os.Stderr, "Error: --build is required")
		os.Exit(1)
	}

	url := endpointURL("/builds/" + buildID + "/logs")
	sep := "?"
	if after != "" {
		url += sep + "after=" + after
		sep = "&"
	}
	if limit != "" {
		url += sep + "limit=" + limit
	}

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	addAdminHeader(req)
	addBuildToken(req)
	printJSONResponse(req)
}

func runRetry(args []string) {
	buildID := requireBuildFlag(args)
	req, _ := http.NewRequest(http.MethodPost, endpointURL("/builds/"+buildID+"/retry"), nil)
	addAdminHeader(req)
	addBuildToken(req)
	printJSONResponse(req)
}

func runCancel(args []string) {
	buildID := requireBuildFlag(args)
	req, _ := http.NewRequest(http.MethodPost, endpointURL("/builds/"+buildID+"/cancel"), nil)
	addAdminHeader(req)
	addBuildToken(req)
	printJSONResponse(req)
}

func runActive(_ []string) {
	req, _ := http.NewRequest(http.MethodGet, endpointURL("/builds/active"), nil)
	addAdminHeader(req)
	printJSONResponse(req)
}

func runDownload(args []string) {
	buildID := ""
	outPath := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--build", "-b":
			if i+1 < len(args) {
				buildID = args[i+1]
				i++
			}
		case "--out", "-o":
			if i+1 < len(args) {
				outPath = args[i+1]
				i++
			}
		}
	}
	if buildID == "" || outPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --build and --out are required")
		os.Exit(1)
	}

	req, _ := http.NewRequest(http.MethodGet, endpointURL("/builds/"+buildID+"/result"), nil)
	addAdminHeader(req)
	addBuildToken(req)

	resp, err := doRequest(req, 5*time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error downloading result: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: %s\n", string(body))
		os.Exit(1)
	}

	out, err := os.Create(outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", outPath, err)
		os.Exit(1)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", outPath, err)
		os.Exit(1)
	}

	if sig := resp.Header.Get("X-Result-Signature"); sig != "" {
		fmt.Printf("✓ Downloaded %s (signature: %s)\n", outPath, sig)
	} else {
		fmt.Printf("✓ Downloaded %s\n", outPath)
	}
}

// runWorkerSim drives one register→poll cycle against the gateway, the way
// an actual worker would on startup, for exercising the queue and bootstrap
// handshake without standing up a real build runner.
func runWorkerSim(args []string) {
	name := "sim-worker"
	platform := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name", "-n":
			if i+1 < len(args) {
				name = args[i+1]
				i++
			}
		case "--platform", "-p":
			if i+1 < len(args) {
				platform = args[i+1]
				i++
			}
		}
	}
	if platform == "" {
		fmt.Fprintln(os.Stderr, "Error: --platform is required")
		os.Exit(1)
	}

	regBody, _ := json.Marshal(map[string]interface{}{
		"name": name,
		"capabilities": map[string]interface{}{
			"platforms": []string{platform},
		},
	})
	req, _ := http.NewRequest(http.MethodPost, endpointURL("/workers"), bytes.NewReader(regBody))
	req.Header.Set("Content-Type", "application/json")
	addAdminHeader(req)

	resp, err := doRequest(req, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error registering worker: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Registration failed: %s\n", string(body))
		os.Exit(1)
	}

	var reg struct {
		ID           string `json:"workerId"`
		SessionToken string `json:"sessionToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding registration response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Registered worker %s (id=%s)\n", name, reg.ID)

	pollReq, _ := http.NewRequest(http.MethodGet, endpointURL("/workers/poll?platform="+platform), nil)
	pollReq.Header.Set("SessionToken", reg.SessionToken)

	pollResp, err := doRequest(pollReq, 35*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error polling for work: %v\n", err)
		os.Exit(1)
	}
	defer pollResp.Body.Close()

	body, _ := io.ReadAll(pollResp.Body)
	var pretty bytes.Buffer
	json.Indent(&pretty, body, "", "  ")
	fmt.Println(pretty.String())
}

func requireBuildFlag(args []string) string {
	buildID := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--build", "-b":
			if i+1 < len(args) {
				buildID = args[i+1]
				i++
			}
		}
	}
	if buildID == "" {
		fmt.Fprintln(os.Stderr, "Error: --build is required")
		os.Exit(1)
	}
	return buildID
}

func printJSONResponse(req *http.Request) {
	resp, err := doRequest(req, 30*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	json.Indent(&pretty, body, "", "  ")
	fmt.Println(pretty.String())

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func addAdminHeader(req *http.Request) {
	if key := os.Getenv("BKCTL_ADMIN_KEY"); key != "" {
		req.Header.Set("Admin", key)
	}
}

func addBuildToken(req *http.Request) {
	if tok := os.Getenv("BKCTL_BUILD_TOKEN"); tok != "" {
		req.Header.Set("BuildToken", tok)
	}
}

func endpointURL(path string) string {
	return getEnvOrDefault("BKCTL_ENDPOINT", defaultControllerEndpoint) + path
}

func doRequest(req *http.Request, timeout time.Duration) (*http.Response, error) {
	client := createHTTPClient(timeout)
	return client.Do(req)
}

// createHTTPClient creates an HTTP client with TLS configuration based on
// environment variables: BKCTL_TLS_SKIP_VERIFY trusts the controller's
// self-signed gateway certificate for local development.
func createHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{}

	if os.Getenv("BKCTL_TLS_SKIP_VERIFY") == "true" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
