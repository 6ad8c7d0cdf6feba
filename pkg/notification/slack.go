package notification

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/slack-go/slack"

	sharedhttp "github.com/edgegate/edgegate/pkg/shared/http"
)

// SlackService delivers run-completion events to a Slack channel via
// an incoming webhook URL.
type SlackService struct {
	webhookURL string
	client     *slack.Client
}

// NewSlackService builds a SlackService posting to webhookURL, using
// the shared tight-timeout HTTP client configuration the teacher
// reserves for outbound notification calls.
func NewSlackService(webhookURL, apiToken string) *SlackService {
	httpClient := sharedhttp.NewClient(sharedhttp.SlackClientConfig())
	return &SlackService{
		webhookURL: webhookURL,
		client:     slack.New(apiToken, slack.OptionHTTPClient(httpClient)),
	}
}

// Deliver posts a formatted message summarizing the run's terminal
// state. Network errors (net.Error) and Slack-side rate-limit errors
// are wrapped as RetryableError; anything else (e.g. a malformed
// webhook URL) is returned wrapped in a plain error.
func (s *SlackService) Deliver(ctx context.Context, event RunCompletion) error {
	msg := &slack.WebhookMessage{
		Text: formatMessage(event),
	}

	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		var netErr net.Error
		if isRateLimited(err) || errors.As(err, &netErr) {
			return &RetryableError{Cause: err}
		}
		return fmt.Errorf("notification: slack delivery failed: %w", err)
	}
	return nil
}

func isRateLimited(err error) bool {
	var rateErr *slack.RateLimitedError
	return asRateLimited(err, &rateErr)
}

func asRateLimited(err error, target **slack.RateLimitedError) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if rl, ok := err.(*slack.RateLimitedError); ok {
			*target = rl
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func formatMessage(event RunCompletion) string {
	var icon string
	switch event.Status {
	case "passed":
		icon = ":white_check_mark:"
	case "failed":
		icon = ":x:"
	default:
		icon = ":warning:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* run *%s* — status: *%s*", icon, event.PipelineName, event.RunID, event.Status)
	if len(event.GatesFailed) > 0 {
		fmt.Fprintf(&b, "\nfailed gates: %s", strings.Join(event.GatesFailed, ", "))
	}
	if event.BundleURL != "" {
		fmt.Fprintf(&b, "\nbundle: %s", event.BundleURL)
	}
	return b.String()
}

var _ Service = (*SlackService)(nil)
