package benchwatch

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
	"strings"

	"github.com/sirupsen/logrus"
)

// A Notifier delivers benchmark results to a Slack incoming webhook. The
// webhook URI is read from a file at delivery time.
type Notifier struct {
	Client *http.Client // The client used for delivery, or nil for http.DefaultClient

	Log *logrus.Entry // The log deliveries report to, or nil to log nowhere
}

// slackMessage is the payload shape a Slack incoming webhook accepts.
type slackMessage struct {
	Text string `json:"text"`
}

// Notify posts the envelope's result to the endpoint named by the envelope's
// URI file. A nil envelope means no notification was requested, in which case
// Notify does nothing.
func (n *Notifier) Notify(ctx context.Context, env *ResultEnvelope) error {
	n.Log = muteEntry(n.Log)

	if env == nil {
		return nil
	}

	uriBytes, err := os.ReadFile(env.NotifyPath)
	if err != nil {
		return errors.Join(fmt.Errorf("reading notification endpoint file %s failed", env.NotifyPath), err)
	}

	rawURI := strings.TrimSpace(string(uriBytes))
	uri, err := url.Parse(rawURI)
	if err != nil {
		return errors.Join(fmt.Errorf("notification endpoint file %s does not hold a valid URI", env.NotifyPath), err)
	}
	if !uri.IsAbs() {
		return fmt.Errorf("notification endpoint %q from %s is not an absolute URI", rawURI, env.NotifyPath)
	}

	payload, err := json.Marshal(slackMessage{Text: string(env.Result)})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return errors.Join(fmt.Errorf("delivering notification to %s failed", uri.Host), err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("notification endpoint %s responded with status %d: %s", uri.Host, res.StatusCode, body)
	}

	n.Log.Infof("Posted benchmark result to %s", uri.Host)
	return nil
}
