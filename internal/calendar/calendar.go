// Package calendar implements the "calendar" family. It answers date and
// time questions locally and reads a day's events from a CalDAV server.
//
// Inputs:
//
//	today                 local date, YYYY-MM-DD
//	now                   local time, RFC 3339
//	events [YYYY-MM-DD]   events on that day (default today)
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/nugget/chatcore/internal/httpkit"
	"github.com/nugget/chatcore/internal/tools"
)

// Config describes the CalDAV account. Only the events command needs it.
type Config struct {
	Endpoint string
	Username string
	Password string
	// Calendar is a collection path ("/dav/cal/home/") or a display
	// name. Empty picks the first calendar found.
	Calendar string
	// Timezone is an IANA zone name; empty uses the local zone.
	Timezone string
}

// Configured reports whether a CalDAV endpoint is set.
func (c Config) Configured() bool { return c.Endpoint != "" }

// davClient is the subset of *caldav.Client the provider uses.
type davClient interface {
	FindCurrentUserPrincipal(ctx context.Context) (string, error)
	FindCalendarHomeSet(ctx context.Context, principal string) (string, error)
	FindCalendars(ctx context.Context, homeSet string) ([]caldav.Calendar, error)
	QueryCalendar(ctx context.Context, path string, query *caldav.CalendarQuery) ([]caldav.CalendarObject, error)
}

// Provider serves the calendar family.
type Provider struct {
	cfg    Config
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	client davClient
	path   string
}

// New creates a calendar provider. An unknown Timezone is an error.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("calendar timezone: %w", err)
		}
		loc = l
	}
	return &Provider{cfg: cfg, loc: loc, now: time.Now, logger: logger}, nil
}

// Invoke implements tools.Provider.
func (p *Provider) Invoke(ctx context.Context, input string, _ tools.Config) (string, error) {
	fields := strings.Fields(strings.ToLower(input))
	cmd := "today"
	if len(fields) > 0 {
		cmd = fields[0]
	}
	now := p.now().In(p.loc)

	switch cmd {
	case "today", "date":
		return now.Format(time.DateOnly), nil
	case "now", "time":
		return now.Format(time.RFC3339), nil
	case "events":
		day := now
		if len(fields) > 1 {
			d, err := time.ParseInLocation(time.DateOnly, fields[1], p.loc)
			if err != nil {
				return "", fmt.Errorf("calendar: bad date %q (want YYYY-MM-DD)", fields[1])
			}
			day = d
		}
		return p.events(ctx, day)
	default:
		return "", fmt.Errorf("calendar: unknown command %q (valid: today, now, events [YYYY-MM-DD])", cmd)
	}
}

// Event is one calendar entry of a day listing.
type Event struct {
	Summary  string
	Location string
	Start    time.Time
	End      time.Time
	AllDay   bool
}

func (p *Provider) events(ctx context.Context, day time.Time) (string, error) {
	evs, err := p.Events(ctx, day)
	if err != nil {
		return "", err
	}
	date := day.Format(time.DateOnly)
	if len(evs) == 0 {
		return "no events on " + date, nil
	}
	var b strings.Builder
	b.WriteString(date)
	for _, e := range evs {
		b.WriteString("\n")
		if e.AllDay {
			b.WriteString("all day")
		} else {
			b.WriteString(e.Start.Format("15:04"))
			if !e.End.IsZero() {
				b.WriteString("-")
				b.WriteString(e.End.Format("15:04"))
			}
		}
		b.WriteString(" ")
		b.WriteString(e.Summary)
		if e.Location != "" {
			b.WriteString(" @ ")
			b.WriteString(e.Location)
		}
	}
	return b.String(), nil
}

// Events returns the events overlapping the local day containing day,
// ordered by start time.
func (p *Provider) Events(ctx context.Context, day time.Time) ([]Event, error) {
	if !p.cfg.Configured() {
		return nil, &tools.Error{Kind: tools.ConfigMissing, Message: "no CalDAV endpoint configured"}
	}
	client, path, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	y, m, d := day.In(p.loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, p.loc)
	end := start.AddDate(0, 0, 1)

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:  ical.CompEvent,
				Props: []string{ical.PropSummary, ical.PropLocation, ical.PropDateTimeStart, ical.PropDateTimeEnd},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start.UTC(),
				End:   end.UTC(),
			}},
		},
	}
	objs, err := client.QueryCalendar(ctx, path, query)
	if err != nil {
		return nil, fmt.Errorf("calendar query: %w", err)
	}

	var out []Event
	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			e, ok := p.convert(ev)
			if !ok || !e.Start.Before(end) || (!e.End.IsZero() && !e.End.After(start)) {
				continue
			}
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	p.logger.Debug("calendar events fetched", "date", start.Format(time.DateOnly), "count", len(out))
	return out, nil
}

func (p *Provider) convert(ev ical.Event) (Event, bool) {
	startTime, err := ev.DateTimeStart(p.loc)
	if err != nil {
		return Event{}, false
	}
	e := Event{Start: startTime.In(p.loc)}
	if end, err := ev.DateTimeEnd(p.loc); err == nil {
		e.End = end.In(p.loc)
	}
	e.Summary, _ = ev.Props.Text(ical.PropSummary)
	e.Location, _ = ev.Props.Text(ical.PropLocation)
	if prop := ev.Props.Get(ical.PropDateTimeStart); prop != nil && prop.ValueType() == ical.ValueDate {
		e.AllDay = true
	}
	if e.Summary == "" {
		e.Summary = "(untitled)"
	}
	return e, true
}

// connect builds the CalDAV client and resolves the calendar path once.
func (p *Provider) connect(ctx context.Context) (davClient, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.path != "" {
		return p.client, p.path, nil
	}

	if p.client == nil {
		var hc webdav.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(20 * time.Second))
		if p.cfg.Username != "" {
			hc = webdav.HTTPClientWithBasicAuth(hc, p.cfg.Username, p.cfg.Password)
		}
		c, err := caldav.NewClient(hc, p.cfg.Endpoint)
		if err != nil {
			return nil, "", fmt.Errorf("caldav client: %w", err)
		}
		p.client = c
	}

	path, err := p.resolvePath(ctx)
	if err != nil {
		return nil, "", err
	}
	p.path = path
	return p.client, p.path, nil
}

func (p *Provider) resolvePath(ctx context.Context) (string, error) {
	if strings.HasPrefix(p.cfg.Calendar, "/") {
		return p.cfg.Calendar, nil
	}
	principal, err := p.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("find principal: %w", err)
	}
	home, err := p.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("find calendar home: %w", err)
	}
	cals, err := p.client.FindCalendars(ctx, home)
	if err != nil {
		return "", fmt.Errorf("find calendars: %w", err)
	}
	for _, c := range cals {
		if p.cfg.Calendar == "" || strings.EqualFold(c.Name, p.cfg.Calendar) {
			p.logger.Debug("calendar selected", "name", c.Name, "path", c.Path)
			return c.Path, nil
		}
	}
	if p.cfg.Calendar != "" {
		return "", fmt.Errorf("calendar %q not found", p.cfg.Calendar)
	}
	return "", fmt.Errorf("no calendars under %s", home)
}

// Ping checks that the CalDAV server answers and the calendar resolves.
func (p *Provider) Ping(ctx context.Context) error {
	if !p.cfg.Configured() {
		return nil
	}
	_, _, err := p.connect(ctx)
	return err
}
