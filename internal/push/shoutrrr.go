package push

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

// ShoutrrrSink forwards notifications to shoutrrr service URLs
// (ntfy://, gotify://, discord:// ...).
type ShoutrrrSink struct {
	sender sender
}

func NewShoutrrrSink(urls ...string) (*ShoutrrrSink, error) {
	if len(urls) == 0 {
		return nil, errors.New("push: no shoutrrr urls")
	}
	s, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create shoutrrr sender: %w", err)
	}
	return &ShoutrrrSink{sender: s}, nil
}

func (s *ShoutrrrSink) Deliver(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := types.Params{}
	params.SetTitle(n.Title)
	body := n.Body
	if n.Data.URL != "" {
		body += "\n" + n.Data.URL
	}
	var errs []error
	for _, err := range s.sender.Send(body, &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
