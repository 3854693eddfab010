package caselinesdk

import (
	"context"
	"time"
)

// WatchOptions tune an event watch.
type WatchOptions struct {
	// CaseID narrows the stream to one case; empty watches the office.
	CaseID string
	// After is the event id to resume from. Zero starts at the current
	// journal tail.
	After int64
	// Interval is the poll period; default one second.
	Interval time.Duration
}

// Watch polls the event journal and delivers new events on a typed
// channel until ctx is cancelled. Errors are reported on the second
// channel; polling continues after transient failures. Both channels
// close when the watch ends.
func (c *Client) Watch(ctx context.Context, opts WatchOptions) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error, 1)
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		defer close(events)
		defer close(errs)
		cursor := opts.After
		if cursor == 0 {
			if latest, err := c.latestEventID(ctx, opts.CaseID); err == nil {
				cursor = latest
			}
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			page, err := c.EventsAfter(ctx, cursor, opts.CaseID, 0)
			if err != nil {
				select {
				case errs <- err:
				default:
				}
			} else {
				for _, evt := range page.Items {
					select {
					case events <- evt:
						cursor = evt.ID
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, errs
}

// latestEventID peeks at the newest event so a fresh watch does not
// replay history.
func (c *Client) latestEventID(ctx context.Context, caseID string) (int64, error) {
	endpoint := "v0/events?limit=1"
	if caseID != "" {
		endpoint += "&case_id=" + caseID
	}
	var resp PaginatedEvents
	if err := c.do(ctx, "GET", endpoint, nil, &resp); err != nil {
		return 0, err
	}
	if len(resp.Items) == 0 {
		return 0, nil
	}
	return resp.Items[0].ID, nil
}
