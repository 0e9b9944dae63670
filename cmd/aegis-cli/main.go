// aegis-cli is the operator's thin HTTP client over the aegisd admin
// surface.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/aegisfabric/aegis/internal/rules"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	base := os.Getenv("AEGIS_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	c := &client{base: base, http: &http.Client{Timeout: 30 * time.Second}}

	var err error
	switch os.Args[1] {
	case "connectors":
		err = c.cmdConnectors()
	case "connect":
		err = c.cmdLifecycle("connect")
	case "disconnect":
		err = c.cmdLifecycle("disconnect")
	case "execute":
		err = c.cmdExecute(os.Args[2:])
	case "rules":
		err = c.cmdRules(os.Args[2:])
	case "points":
		err = c.cmdPoints(os.Args[2:])
	case "tracks":
		err = c.cmdTracks()
	case "tail":
		err = c.cmdTail(os.Args[2:])
	case "version":
		fmt.Printf("aegis-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Aegis Event Fabric CLI v` + version + `

Usage: aegis <command> [flags]

Commands:
  connectors           List connectors and their states
  connect <id>         Connect a connector
  disconnect <id>      Disconnect a connector
  execute              Run a capability operation
  rules list           List rules
  rules apply -f FILE  Upsert a rule from a YAML file
  rules delete <id>    Delete a rule
  points add -f FILE   Register a detection point from a YAML file
  tracks               List correlation tracks
  tail                 Stream live events (SSE)
  version              Print version

Environment:
  AEGIS_URL   Admin surface URL (default: http://localhost:8080)

Examples:
  aegis connect nvr-main
  aegis execute --connector nvr-main --capability camera:snapshot --op get --params '{"camera_id":"c1"}'
  aegis rules apply -f speeding-alert.yaml
  aegis tail --types speed.alert,motion`)
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string, into any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, into)
}

func (c *client) send(method, path string, body any, into any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, into)
}

func decode(resp *http.Response, into any) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Kind)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if into == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}

func (c *client) cmdConnectors() error {
	var list []struct {
		ID           string   `json:"id"`
		Type         string   `json:"type"`
		State        string   `json:"state"`
		Capabilities []string `json:"capabilities"`
	}
	if err := c.get("/api/connectors", &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no connectors")
		return nil
	}
	for _, conn := range list {
		fmt.Printf("%-20s %-10s %-16s %v\n", conn.ID, conn.Type, conn.State, conn.Capabilities)
	}
	return nil
}

func (c *client) cmdLifecycle(verb string) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: aegis %s <connector-id>", verb)
	}
	id := os.Args[2]
	var view struct {
		State string `json:"state"`
	}
	if err := c.send("POST", "/api/connectors/"+id+"/"+verb, nil, &view); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", id, view.State)
	return nil
}

func (c *client) cmdExecute(args []string) error {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	connID := fs.String("connector", "", "connector id")
	capID := fs.String("capability", "", "capability id")
	op := fs.String("op", "", "operation name")
	params := fs.String("params", "{}", "JSON parameters")
	fs.Parse(args)

	if *connID == "" || *capID == "" || *op == "" {
		return fmt.Errorf("--connector, --capability, and --op are required")
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(*params), &decoded); err != nil {
		return fmt.Errorf("invalid --params: %w", err)
	}

	var out map[string]any
	err := c.send("POST", "/api/connectors/"+*connID+"/execute", map[string]any{
		"capability_id": *capID,
		"operation":     *op,
		"params":        decoded,
	}, &out)
	if err != nil {
		return err
	}
	pretty, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(pretty))
	return nil
}

func (c *client) cmdRules(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: aegis rules <list|apply|delete>")
	}
	switch args[0] {
	case "list":
		var list []rules.Rule
		if err := c.get("/api/rules", &list); err != nil {
			return err
		}
		for _, r := range list {
			state := "disabled"
			if r.Enabled {
				state = "enabled"
			}
			fmt.Printf("%-24s %-9s -> %s %s/%s\n", r.ID, state,
				r.Action.ConnectorID, r.Action.CapabilityID, r.Action.Operation)
		}
		return nil
	case "apply":
		fs := flag.NewFlagSet("rules apply", flag.ExitOnError)
		file := fs.String("f", "", "rule YAML file")
		fs.Parse(args[1:])
		if *file == "" {
			return fmt.Errorf("usage: aegis rules apply -f FILE")
		}
		raw, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		var r rules.Rule
		if err := yaml.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("parse %s: %w", *file, err)
		}
		if err := c.send("PUT", "/api/rules", r, nil); err != nil {
			return err
		}
		fmt.Printf("rule %s applied\n", r.ID)
		return nil
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: aegis rules delete <id>")
		}
		if err := c.send("DELETE", "/api/rules/"+args[1], nil, nil); err != nil {
			return err
		}
		fmt.Printf("rule %s deleted\n", args[1])
		return nil
	default:
		return fmt.Errorf("unknown rules subcommand %q", args[0])
	}
}

func (c *client) cmdPoints(args []string) error {
	if len(args) == 0 || args[0] != "add" {
		return fmt.Errorf("usage: aegis points add -f FILE")
	}
	fs := flag.NewFlagSet("points add", flag.ExitOnError)
	file := fs.String("f", "", "detection point YAML file")
	fs.Parse(args[1:])
	if *file == "" {
		return fmt.Errorf("usage: aegis points add -f FILE")
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	var point map[string]any
	if err := yaml.Unmarshal(raw, &point); err != nil {
		return fmt.Errorf("parse %s: %w", *file, err)
	}
	if err := c.send("POST", "/api/correlation/points", normalizeYAML(point), nil); err != nil {
		return err
	}
	fmt.Printf("point %v registered\n", point["id"])
	return nil
}

func (c *client) cmdTracks() error {
	var tracks []struct {
		Key       string  `json:"key"`
		Samples   int     `json:"samples"`
		MeanSpeed float64 `json:"mean_speed_kmh"`
		Alerts    int     `json:"alerts"`
	}
	if err := c.get("/api/correlation/tracks", &tracks); err != nil {
		return err
	}
	if len(tracks) == 0 {
		fmt.Println("no active tracks")
		return nil
	}
	for _, tr := range tracks {
		fmt.Printf("%-28s samples=%-4d mean=%.1f km/h alerts=%d\n",
			tr.Key, tr.Samples, tr.MeanSpeed, tr.Alerts)
	}
	return nil
}

func (c *client) cmdTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	types := fs.String("types", "", "comma-separated event types")
	sources := fs.String("sources", "", "comma-separated source connector ids")
	fs.Parse(args)

	path := "/api/events/stream?"
	if *types != "" {
		path += "types=" + *types + "&"
	}
	if *sources != "" {
		path += "sources=" + *sources
	}

	resp, err := (&http.Client{}).Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 6 && line[:6] == "data: " {
			fmt.Println(line[6:])
		}
	}
	return scanner.Err()
}

// normalizeYAML rewrites yaml.v2's map[interface{}]interface{} values
// into JSON-encodable maps.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case []any:
		for i := range val {
			val[i] = normalizeYAML(val[i])
		}
		return val
	default:
		return v
	}
}
