package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
)

type sender interface {
	Send(message string, params *types.Params) []error
}

// Forwarder mirrors rendered notifications to external services
// (ntfy, Gotify, Slack, ...) addressed by shoutrrr URLs.
type Forwarder struct {
	sender sender
}

// NewForwarder creates a forwarder for the given service URLs.
func NewForwarder(urls ...string) (*Forwarder, error) {
	if len(urls) == 0 {
		return nil, errors.New("notify: at least one forward URL is required")
	}
	s, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create notification sender: %w", err)
	}
	return &Forwarder{sender: s}, nil
}

// Forward sends d to every configured service.
func (f *Forwarder) Forward(_ context.Context, d Descriptor) error {
	params := types.Params{"title": d.Title}
	var errs []error
	for _, err := range f.sender.Send(d.Body, &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
