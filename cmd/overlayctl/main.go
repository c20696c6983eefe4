// Command overlayctl drives the gateway's overlay admin API and tails the
// overlay event topic.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"sdngate/pkg/config"
	"sdngate/pkg/httpx"
	"sdngate/pkg/identity"
	"sdngate/pkg/statebus"
	"sdngate/pkg/stream"
)

// Testable variables for main()
var (
	osExit      = os.Exit
	httpClient  = &http.Client{Timeout: 30 * time.Second}
	newConsumer = func(cfg statebus.KafkaConfig) (statebus.Consumer, error) {
		return statebus.NewKafkaConsumer(cfg)
	}
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout); err != nil {
		failColor.Fprintf(os.Stderr, "error: %v\n", err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "allow", "lock":
		return overlayCommand(ctx, args[0], args[1:], getenv, out)
	case "audit":
		return auditCommand(ctx, args[1:], getenv, out)
	case "events":
		return eventsCommand(ctx, args[1:], getenv, out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "overlayctl commands:")
	fmt.Fprintln(out, "  allow  [--gateway URL] [--token T] [--groups admins]   install the allow set on every node")
	fmt.Fprintln(out, "  lock   [--gateway URL] [--token T] [--groups admins]   clear table 0 on every node")
	fmt.Fprintln(out, "  audit  --id ID [--gateway URL] [--token T]             show one audit record")
	fmt.Fprintln(out, "  events [--brokers a,b] [--topic T] [--max N]           tail overlay events from kafka")
}

type gatewayFlags struct {
	base   string
	token  string
	user   string
	groups string
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (g *gatewayFlags) register(fs *pflag.FlagSet, getenv func(string) string) {
	fs.StringVar(&g.base, "gateway", envOr(getenv, "SDNGATE_URL", "http://localhost:4000"), "gateway base url")
	fs.StringVar(&g.token, "token", getenv("SDNGATE_TOKEN"), "bearer token")
	fs.StringVar(&g.user, "user", envOr(getenv, "SDNGATE_USER", "overlayctl"), "value for the user header")
	fs.StringVar(&g.groups, "groups", envOr(getenv, "SDNGATE_GROUPS", config.DefaultAdminGroups), "comma separated groups header")
}

func (g gatewayFlags) headers() (map[string]string, error) {
	if strings.TrimSpace(g.token) == "" {
		return nil, errors.New("token required (--token or SDNGATE_TOKEN)")
	}
	return map[string]string{
		"Authorization":       "Bearer " + g.token,
		identity.HeaderUser:   g.user,
		identity.HeaderGroups: g.groups,
		"Accept":              "application/json",
	}, nil
}

func envOr(getenv func(string) string, k, def string) string {
	if v := getenv(k); v != "" {
		return v
	}
	return def
}

type overlayResponse struct {
	OK      bool     `json:"ok"`
	Nodes   []string `json:"nodes"`
	Applied []string `json:"applied"`
	Cleared bool     `json:"cleared"`
	Error   string   `json:"error"`
	AuditID string   `json:"auditId"`
}

func overlayCommand(ctx context.Context, action string, args []string, getenv func(string) string, out io.Writer) error {
	var g gatewayFlags
	fs := newFlagSet(action)
	g.register(fs, getenv)
	if err := fs.Parse(args); err != nil {
		return err
	}
	headers, err := g.headers()
	if err != nil {
		return err
	}
	target := strings.TrimRight(g.base, "/") + "/api/admin/overlay/" + action
	resp, err := httpx.Do(ctx, httpClient, http.MethodPost, target, nil, headers)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	var body overlayResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return fmt.Errorf("%s: gateway answered %d with non-json body", action, resp.StatusCode)
	}
	if !resp.OK() || !body.OK {
		msg := body.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		failColor.Fprintf(out, "✗ %s failed (%d)\n", action, resp.StatusCode)
		if body.AuditID != "" {
			dimColor.Fprintf(out, "  audit:   %s\n", body.AuditID)
		}
		return fmt.Errorf("%s: %s", action, msg)
	}
	okColor.Fprintf(out, "✓ %s ok\n", action)
	fmt.Fprintf(out, "  nodes:   %s\n", strings.Join(body.Nodes, ", "))
	if len(body.Applied) > 0 {
		fmt.Fprintf(out, "  applied: %s\n", strings.Join(body.Applied, ", "))
	}
	if body.Cleared {
		fmt.Fprintln(out, "  cleared: table 0")
	}
	if body.AuditID != "" {
		dimColor.Fprintf(out, "  audit:   %s\n", body.AuditID)
	}
	return nil
}

func auditCommand(ctx context.Context, args []string, getenv func(string) string, out io.Writer) error {
	var g gatewayFlags
	fs := newFlagSet("audit")
	g.register(fs, getenv)
	id := fs.String("id", "", "audit record id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("id required")
	}
	headers, err := g.headers()
	if err != nil {
		return err
	}
	target := strings.TrimRight(g.base, "/") + "/api/admin/overlay/audit/" + url.PathEscape(*id)
	resp, err := httpx.Do(ctx, httpClient, http.MethodGet, target, nil, headers)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("audit: gateway answered %d", resp.StatusCode)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Body, "", "  "); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	fmt.Fprintln(out, pretty.String())
	return nil
}

func eventsCommand(ctx context.Context, args []string, getenv func(string) string, out io.Writer) error {
	fs := newFlagSet("events")
	brokers := fs.StringSlice("brokers", config.SplitList(getenv("OVERLAY_EVENTS_KAFKA_BROKERS")), "kafka brokers")
	topic := fs.String("topic", envOr(getenv, "OVERLAY_EVENTS_KAFKA_TOPIC", config.DefaultEventsTopic), "kafka topic")
	group := fs.String("group", "overlayctl", "consumer group id")
	limit := fs.IntP("max", "n", 0, "stop after n events (0 = follow)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	consumer, err := newConsumer(statebus.KafkaConfig{Brokers: *brokers, Topic: *topic, GroupID: *group})
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	defer consumer.Close()

	dimColor.Fprintf(out, "tailing %s\n", *topic)
	for seen := 0; *limit == 0 || seen < *limit; seen++ {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("events: %w", err)
		}
		printEvent(out, msg)
	}
	return nil
}

func printEvent(out io.Writer, msg statebus.Message) {
	var p stream.OverlayPayload
	if err := json.Unmarshal(msg.Value, &p); err != nil {
		dimColor.Fprintf(out, "%s (undecodable: %v)\n", msg.Key, err)
		return
	}
	if p.OK {
		okColor.Fprintf(out, "✓ %-5s", p.Action)
	} else {
		failColor.Fprintf(out, "✗ %-5s", p.Action)
	}
	fmt.Fprintf(out, " nodes=%s actor=%s req=%s %dms", strings.Join(p.Nodes, ","), p.Actor, p.RequestID, p.DurationMS)
	if !p.OK {
		fmt.Fprintf(out, " failed=%s err=%q", p.FailedNode, p.Error)
	}
	if p.AuditID != "" {
		fmt.Fprintf(out, " audit=%s", p.AuditID)
	}
	fmt.Fprintln(out)
}
