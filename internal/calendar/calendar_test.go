package calendar

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/nugget/chatcore/internal/tools"
)

type fakeDAV struct {
	calendars []caldav.Calendar
	objects   []caldav.CalendarObject
	queried   string
	query     *caldav.CalendarQuery
	err       error
}

func (f *fakeDAV) FindCurrentUserPrincipal(context.Context) (string, error) {
	return "/principals/alice/", f.err
}

func (f *fakeDAV) FindCalendarHomeSet(context.Context, string) (string, error) {
	return "/calendars/alice/", f.err
}

func (f *fakeDAV) FindCalendars(context.Context, string) ([]caldav.Calendar, error) {
	return f.calendars, f.err
}

func (f *fakeDAV) QueryCalendar(_ context.Context, path string, q *caldav.CalendarQuery) ([]caldav.CalendarObject, error) {
	f.queried = path
	f.query = q
	return f.objects, f.err
}

func newEvent(uid, summary string, start, end time.Time) *ical.Event {
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, uid)
	ev.Props.SetText(ical.PropSummary, summary)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, start)
	ev.Props.SetDateTime(ical.PropDateTimeStart, start)
	ev.Props.SetDateTime(ical.PropDateTimeEnd, end)
	return ev
}

func object(events ...*ical.Event) caldav.CalendarObject {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//test//EN")
	for _, ev := range events {
		cal.Children = append(cal.Children, ev.Component)
	}
	return caldav.CalendarObject{Path: "/calendars/alice/work/x.ics", Data: cal}
}

func newTestProvider(t *testing.T, cfg Config, dav *fakeDAV) *Provider {
	t.Helper()
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	p, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.now = func() time.Time { return time.Date(2025, 10, 10, 9, 30, 0, 0, time.UTC) }
	if dav != nil {
		p.client = dav
	}
	return p
}

func TestInvoke_TodayAndNow(t *testing.T) {
	p := newTestProvider(t, Config{}, nil)

	for _, input := range []string{"", "today", "Today"} {
		got, err := p.Invoke(context.Background(), input, tools.Config{})
		if err != nil {
			t.Fatalf("Invoke(%q): %v", input, err)
		}
		if got != "2025-10-10" {
			t.Errorf("Invoke(%q) = %q, want 2025-10-10", input, got)
		}
	}

	got, err := p.Invoke(context.Background(), "now", tools.Config{})
	if err != nil {
		t.Fatalf("Invoke(now): %v", err)
	}
	if got != "2025-10-10T09:30:00Z" {
		t.Errorf("now = %q", got)
	}
}

func TestInvoke_Timezone(t *testing.T) {
	p := newTestProvider(t, Config{Timezone: "Asia/Shanghai"}, nil)
	p.now = func() time.Time { return time.Date(2025, 10, 10, 20, 0, 0, 0, time.UTC) }

	got, err := p.Invoke(context.Background(), "today", tools.Config{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "2025-10-11" {
		t.Errorf("today = %q, want 2025-10-11", got)
	}
}

func TestNew_BadTimezone(t *testing.T) {
	if _, err := New(Config{Timezone: "Mars/Olympus"}, nil); err == nil {
		t.Fatal("expected error for unknown zone")
	}
}

func TestInvoke_UnknownCommand(t *testing.T) {
	p := newTestProvider(t, Config{}, nil)
	_, err := p.Invoke(context.Background(), "yesterday", tools.Config{})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err = %v", err)
	}
}

func TestInvoke_EventsWithoutEndpoint(t *testing.T) {
	p := newTestProvider(t, Config{}, nil)
	_, err := p.Invoke(context.Background(), "events", tools.Config{})

	var te *tools.Error
	if !errors.As(err, &te) || te.Kind != tools.ConfigMissing {
		t.Fatalf("err = %v, want ConfigMissing", err)
	}
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("Ping without endpoint = %v, want nil", err)
	}
}

func TestInvoke_EventsSortedAndFiltered(t *testing.T) {
	day := time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC)
	dav := &fakeDAV{
		calendars: []caldav.Calendar{
			{Name: "Home", Path: "/calendars/alice/home/"},
			{Name: "Work", Path: "/calendars/alice/work/"},
		},
		objects: []caldav.CalendarObject{
			object(newEvent("2", "Standup", day.Add(14*time.Hour), day.Add(14*time.Hour+15*time.Minute))),
			object(newEvent("1", "Breakfast", day.Add(8*time.Hour), day.Add(9*time.Hour))),
			object(newEvent("3", "Yesterday", day.Add(-5*time.Hour), day.Add(-4*time.Hour))),
		},
	}
	p := newTestProvider(t, Config{Endpoint: "https://dav.example.com", Calendar: "work"}, dav)

	got, err := p.Invoke(context.Background(), "events 2025-10-10", tools.Config{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	want := "2025-10-10\n08:00-09:00 Breakfast\n14:00-14:15 Standup"
	if got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
	if dav.queried != "/calendars/alice/work/" {
		t.Errorf("queried %q", dav.queried)
	}
	filter := dav.query.CompFilter.Comps[0]
	if !filter.Start.Equal(day) || !filter.End.Equal(day.AddDate(0, 0, 1)) {
		t.Errorf("time range = %v..%v", filter.Start, filter.End)
	}
}

func TestInvoke_AllDayEvent(t *testing.T) {
	day := time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC)
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, "h")
	ev.Props.SetText(ical.PropSummary, "Holiday")
	ev.Props.SetText(ical.PropLocation, "Beach")
	ev.Props.SetDate(ical.PropDateTimeStart, day)
	ev.Props.SetDate(ical.PropDateTimeEnd, day.AddDate(0, 0, 1))

	dav := &fakeDAV{objects: []caldav.CalendarObject{object(ev)}}
	p := newTestProvider(t, Config{Endpoint: "https://dav.example.com", Calendar: "/cal/"}, dav)

	got, err := p.Invoke(context.Background(), "events", tools.Config{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "2025-10-10\nall day Holiday @ Beach" {
		t.Errorf("got %q", got)
	}
	if dav.queried != "/cal/" {
		t.Errorf("explicit path not used: %q", dav.queried)
	}
}

func TestInvoke_NoEvents(t *testing.T) {
	dav := &fakeDAV{calendars: []caldav.Calendar{{Name: "Home", Path: "/h/"}}}
	p := newTestProvider(t, Config{Endpoint: "https://dav.example.com"}, dav)

	got, err := p.Invoke(context.Background(), "events 2025-12-25", tools.Config{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "no events on 2025-12-25" {
		t.Errorf("got %q", got)
	}
	if dav.queried != "/h/" {
		t.Errorf("first calendar not chosen: %q", dav.queried)
	}
}

func TestInvoke_BadDate(t *testing.T) {
	p := newTestProvider(t, Config{Endpoint: "https://dav.example.com"}, &fakeDAV{})
	if _, err := p.Invoke(context.Background(), "events tomorrow", tools.Config{}); err == nil {
		t.Fatal("expected bad date error")
	}
}

func TestPing_CalendarNotFound(t *testing.T) {
	dav := &fakeDAV{calendars: []caldav.Calendar{{Name: "Home", Path: "/h/"}}}
	p := newTestProvider(t, Config{Endpoint: "https://dav.example.com", Calendar: "Work"}, dav)

	err := p.Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), `"Work" not found`) {
		t.Fatalf("Ping = %v", err)
	}
}
