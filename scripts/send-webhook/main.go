// Replays tracker webhook deliveries against a running worker without
// involving the real tracker. Builds a sample payload for the chosen kind,
// signs it the way the intake expects, and posts it.
//
// Usage:
//
//	go run ./scripts/send-webhook -kind=assigned -secret=dev-secret
//	go run ./scripts/send-webhook -kind=prompted -session=as-42 -prompt="try again" -api-key=dev-key
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ceedaragents/cyrus/internal/webhook"
)

var (
	url        = flag.String("url", "http://localhost:3456/webhook", "Intake endpoint")
	kind       = flag.String("kind", "assigned", "Delivery kind: assigned, unassigned, comment, status, created, prompted")
	secret     = flag.String("secret", "", "HMAC secret (sends X-Signature)")
	apiKey     = flag.String("api-key", "", "Bearer token (sends Authorization)")
	issueID    = flag.String("issue", "issue-local-1", "Issue id")
	identifier = flag.String("identifier", "DEV-1", "Issue identifier")
	title      = flag.String("title", "Replayed delivery", "Issue title")
	teamKey    = flag.String("team", "DEV", "Team key")
	labels     = flag.String("labels", "", "Comma-separated label names")
	sessionID  = flag.String("session", "as-local-1", "Agent session id (created/prompted kinds)")
	prompt     = flag.String("prompt", "Take a look at this issue.", "Comment or guidance body")
)

func main() {
	flag.Parse()

	if *secret == "" && *apiKey == "" {
		fmt.Println("one of -secret or -api-key is required")
		os.Exit(1)
	}

	body, err := buildPayload(*kind)
	if err != nil {
		fmt.Printf("build payload: %v\n", err)
		os.Exit(1)
	}

	req, err := http.NewRequest(http.MethodPost, *url, bytes.NewReader(body))
	if err != nil {
		fmt.Printf("build request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if *secret != "" {
		req.Header.Set("X-Signature", webhook.Sign(*secret, body))
	} else {
		req.Header.Set("Authorization", "Bearer "+*apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("post: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s %s\n", resp.Status, strings.TrimSpace(string(reply)))
	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}

// buildPayload assembles the raw delivery body for a kind, mirroring the
// shapes the tracker sends.
func buildPayload(kind string) ([]byte, error) {
	issue := map[string]any{
		"id":         *issueID,
		"identifier": *identifier,
		"title":      *title,
		"team":       map[string]any{"key": *teamKey},
	}
	if *labels != "" {
		issue["labels"] = splitLabels(*labels)
	}

	var p map[string]any
	switch kind {
	case "assigned":
		p = map[string]any{"type": "Issue", "action": "assigned", "issue": issue}
	case "unassigned":
		p = map[string]any{"type": "Issue", "action": "unassigned", "issue": issue}
	case "comment":
		p = map[string]any{
			"type": "Issue", "action": "commented", "issue": issue,
			"comment": map[string]any{"id": "comment-local-1", "body": *prompt},
		}
	case "status":
		p = map[string]any{"type": "Issue", "action": "statusChanged", "issue": issue}
	case "created":
		p = map[string]any{
			"type": "AgentSessionEvent", "action": "created",
			"agentSession": map[string]any{"id": *sessionID, "issue": issue},
		}
	case "prompted":
		p = map[string]any{
			"type": "AgentSessionEvent", "action": "prompted",
			"agentSession": map[string]any{"id": *sessionID, "issue": issue},
			"message":      map[string]any{"content": *prompt},
		}
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}

	p["organizationId"] = "org-local"
	p["actor"] = map[string]any{"name": "replay-script"}
	return json.Marshal(p)
}

func splitLabels(raw string) []string {
	var out []string
	for _, l := range strings.Split(raw, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
