package sqlagentctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	DatasetID  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type command struct {
	method string
	path   string
	// body builds the JSON payload from the remaining arguments. Commands
	// without a body take no arguments.
	body func(args string, dataset string) (any, error)
}

var commands = map[string]command{
	"health":         {method: http.MethodGet, path: "/v1/health"},
	"ready":          {method: http.MethodGet, path: "/v1/ready"},
	"schema":         {method: http.MethodGet, path: "/v1/schema"},
	"schema-refresh": {method: http.MethodPost, path: "/v1/schema/refresh"},
	"cache-stats":    {method: http.MethodGet, path: "/v1/cache/stats"},
	"cache-snapshot": {method: http.MethodPost, path: "/v1/cache/snapshot"},
	"ask":            {method: http.MethodPost, path: "/v1/ask", body: questionBody},
	"generate":       {method: http.MethodPost, path: "/v1/sql/generate", body: questionBody},
	"run": {method: http.MethodPost, path: "/v1/sql/run", body: func(args, _ string) (any, error) {
		if args == "" {
			return nil, fmt.Errorf("run requires a SQL statement")
		}
		return map[string]string{"sql": args}, nil
	}},
}

func questionBody(args, dataset string) (any, error) {
	if args == "" {
		return nil, fmt.Errorf("a question is required")
	}
	body := map[string]string{"question": args}
	if dataset != "" {
		body["dataset_id"] = dataset
	}
	return body, nil
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("sqlagentctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sqlagent API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	datasetID := fs.String("dataset", defaults.DatasetID, "dataset to ask about (defaults to the server's dataset)")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 90s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	name := strings.TrimSpace(fs.Arg(0))
	cmd, ok := commands[name]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		writeUsage(stderr)
		return 2
	}

	rest := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
	var payload any
	if cmd.body != nil {
		var err error
		payload, err = cmd.body(rest, strings.TrimSpace(*datasetID))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%s: %v\n", name, err)
			return 2
		}
	} else if rest != "" {
		_, _ = fmt.Fprintf(stderr, "%s takes no arguments\n", name)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + cmd.path
	code, responseBody, err := doRequest(ctx, client, cmd.method, endpoint, *apiKey, payload)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sqlagentctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health               GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  ask <question>       POST /v1/ask")
	_, _ = fmt.Fprintln(w, "  generate <question>  POST /v1/sql/generate")
	_, _ = fmt.Fprintln(w, "  run <sql>            POST /v1/sql/run")
	_, _ = fmt.Fprintln(w, "  schema               GET /v1/schema")
	_, _ = fmt.Fprintln(w, "  schema-refresh       POST /v1/schema/refresh")
	_, _ = fmt.Fprintln(w, "  cache-stats          GET /v1/cache/stats")
	_, _ = fmt.Fprintln(w, "  cache-snapshot       POST /v1/cache/snapshot")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
