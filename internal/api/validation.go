package api

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/djlord-it/watchrecord/internal/cron"
)

type CronParser interface {
	Parse(expression string, timezone string) (cron.Schedule, error)
}

// Watch names end up in record ids and URL paths.
var watchNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

const maxWebhookTimeoutSeconds = 300

func validateCreateWatch(req CreateWatchRequest, parser CronParser) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := validateWatchName(req.Name); err != nil {
		return err
	}

	if req.CronExpression == "" {
		return fmt.Errorf("cron_expression is required")
	}
	if _, err := parser.Parse(req.CronExpression, req.Timezone); err != nil {
		return err
	}

	if req.WebhookURL == "" {
		return fmt.Errorf("webhook_url is required")
	}
	if err := validateWebhookURL(req.WebhookURL); err != nil {
		return fmt.Errorf("invalid webhook_url: %w", err)
	}

	if req.WebhookTimeout < 0 || req.WebhookTimeout > maxWebhookTimeoutSeconds {
		return fmt.Errorf("webhook_timeout_seconds must be between 0 and %d", maxWebhookTimeoutSeconds)
	}
	return nil
}

func validateWatchName(name string) error {
	if !watchNamePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q: use up to 128 letters, digits, '.', '_' or '-'", name)
	}
	return nil
}

func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
