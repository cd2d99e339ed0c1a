package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/botvisor/botvisor/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:8080/api"

func newClient(flags *GlobalFlags) (*client.Client, error) {
	u := flags.APIUrl
	if u == "" {
		u = os.Getenv("BOTVISOR_API_URL")
	}
	if u == "" {
		u = defaultAPIUrl
	}
	cfg := client.Config{
		BaseURL:  u,
		Timeout:  flags.APITimeout,
		Insecure: flags.Insecure,
	}
	if flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: flags.CACert}
	}
	return client.New(cfg)
}

func buildDeployRequest(f *deployFlags) (client.DeployRequest, error) {
	var req client.DeployRequest
	if f.File != "" {
		doc, err := readConfigFile(f.File)
		if err != nil {
			return req, err
		}
		req = fromDocument(doc)
	}
	if f.Name != "" {
		req.Name = f.Name
	}
	if f.Strategy != "" {
		req.StrategyRef = f.Strategy
	}
	if len(f.Set) > 0 && req.Config == nil {
		req.Config = map[string]any{}
	}
	for _, kv := range f.Set {
		if err := applySet(req.Config, kv); err != nil {
			return req, err
		}
	}
	if req.Name == "" {
		return req, fmt.Errorf("--name is required")
	}
	if req.StrategyRef == "" {
		return req, fmt.Errorf("--strategy is required")
	}
	return req, nil
}

// readConfigFile reads a JSON object, allowing comments and trailing commas.
func readConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) // #nosec G304 user supplied path
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var out map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if out == nil {
		return nil, fmt.Errorf("parse %s: config must be an object", path)
	}
	return out, nil
}

// fromDocument accepts either a bare config object or a full deploy request
// as written by the template command.
func fromDocument(doc map[string]any) client.DeployRequest {
	cfg, hasCfg := doc["config"].(map[string]any)
	name, _ := doc["bot_name"].(string)
	ref, _ := doc["strategy_ref"].(string)
	if !hasCfg || (name == "" && ref == "") {
		return client.DeployRequest{Config: doc}
	}
	return client.DeployRequest{Name: name, StrategyRef: ref, Config: cfg}
}

// applySet sets a dotted key in cfg. The value is decoded as JSON when it
// parses, otherwise it is kept as a string.
func applySet(cfg map[string]any, kv string) error {
	key, raw, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		return fmt.Errorf("invalid --set %q: want key=value", kv)
	}
	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		val = raw
	}
	parts := strings.Split(key, ".")
	m := cfg
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			if _, exists := m[p]; exists {
				return fmt.Errorf("invalid --set %q: %s is not an object", kv, p)
			}
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = val
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, list []client.BotStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tHEALTHY\tHEARTBEAT\tORDERS\tRUN")
	for _, st := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%d\t%s\n",
			st.Name, st.State, st.Healthy, heartbeatAge(st.LastHeartbeatAgeSeconds), st.ActiveOrderCount, st.RunID)
	}
	return tw.Flush()
}

func printStatus(w io.Writer, st *client.BotStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			_, _ = fmt.Fprintf(tw, "%s:\t%s\n", k, v)
		}
	}
	row("Name", st.Name)
	row("Run", st.RunID)
	row("Strategy", st.StrategyRef)
	row("Image", st.Image)
	row("State", st.State)
	row("Reason", st.Reason)
	row("Error", st.Error)
	row("Healthy", fmt.Sprint(st.Healthy))
	row("Heartbeat", heartbeatAge(st.LastHeartbeatAgeSeconds))
	row("Orders", fmt.Sprint(st.ActiveOrderCount))
	row("Sequence", fmt.Sprint(st.LastSequence))
	row("Container", st.ContainerID)
	if len(st.Path) > 0 {
		row("Path", strings.Join(st.Path, " -> "))
	}
	if st.Archive != nil {
		row("Archive", st.Archive.Location)
	}
	return tw.Flush()
}

func printEvents(w io.Writer, evs []client.StatusEvent) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SEQ\tKIND\tRECEIVED\tPAYLOAD")
	for _, ev := range evs {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			ev.Sequence, ev.Kind, ev.ReceivedAt.Format(time.RFC3339), ev.Payload)
	}
	return tw.Flush()
}

func printArchives(w io.Writer, recs []client.ArchiveRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tRUN\tARCHIVED\tEVENTS\tSIZE\tLOCATION")
	for _, r := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.Bot, r.RunID, r.ArchivedAt.Format(time.RFC3339), r.EventCount, r.SizeBytes, r.Location)
	}
	return tw.Flush()
}

func heartbeatAge(secs *float64) string {
	if secs == nil {
		return "-"
	}
	return (time.Duration(*secs * float64(time.Second))).Round(time.Second).String() + " ago"
}
