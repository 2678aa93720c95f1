package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"bdaybot/internal/civil"
	"bdaybot/internal/eventbus"
	"bdaybot/internal/storage"
	kit "bdaybot/internal/transport"
	"bdaybot/internal/zone"
	logx "bdaybot/pkg/logx"
)

func (m *Manager) builtin() []Command {
	return []Command{
		{Name: "set", Description: "Set your birthday", Usage: "set mm/dd[/yyyy]", Handle: m.handleSet},
		{Name: "list", Description: "List registered birthdays", Usage: "list", Handle: m.handleList},
		{Name: "until", Description: "Days until your birthday", Usage: "until", Handle: m.handleUntil},
		{Name: "forget", Description: "Remove your birthday", Usage: "forget", Handle: m.handleForget},
		{Name: "setchannel", Aliases: []string{"here"}, Description: "Announce birthdays in this chat", Usage: "setchannel", Handle: m.handleSetChannel},
		{Name: "timezone", Aliases: []string{"tz"}, Description: "Show or set the chat timezone", Usage: "timezone [<offset> [dst]]", Handle: m.handleTimezone},
		{Name: "calendar", Aliases: []string{"ics"}, Description: "Calendar feed of this chat", Usage: "calendar", Handle: m.handleCalendar},
		{Name: "help", Aliases: []string{"h", "start"}, Description: "Show this help", Usage: "help", Handle: m.handleHelp},
	}
}

func (m *Manager) usage(c string) string {
	return m.config().Prefix + c
}

func (m *Manager) handleSet(ctx context.Context, req *Request) error {
	usage := "Usage: " + m.usage("set mm/dd[/yyyy]") + " The year is optional."
	if len(req.Args) != 1 {
		m.send(ctx, req.Chat, usage)
		return nil
	}
	d, err := civil.Parse(req.Args[0])
	if err != nil {
		var fe *civil.FormatError
		if errors.As(err, &fe) {
			req.Logger.Debug("bad birthday input", logx.Err(err))
			m.send(ctx, req.Chat, "Invalid birthday format. "+usage)
			return nil
		}
		return err
	}
	rec := storage.Record{UserID: req.UserID, DisplayName: req.Msg.DisplayName(), Birthday: d}
	if err := m.store.Set(ctx, req.Scope, req.UserID, rec); err != nil {
		return err
	}
	m.publish(eventbus.BirthdaySet, req, d.Numeric())
	m.send(ctx, req.Chat, fmt.Sprintf("Your birthday has been set to %s.", d))
	return nil
}

func (m *Manager) handleList(ctx context.Context, req *Request) error {
	recs, err := m.store.List(ctx, req.Scope)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		m.send(ctx, req.Chat, "No birthdays registered yet.")
		return nil
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, fmt.Sprintf("%s: %s", r.DisplayName, r.Birthday))
	}
	m.send(ctx, req.Chat, strings.Join(lines, "\n"))
	return nil
}

func (m *Manager) handleUntil(ctx context.Context, req *Request) error {
	recs, err := m.store.Load(ctx, req.Scope)
	if err != nil {
		return err
	}
	rec, ok := recs[req.UserID]
	if !ok {
		m.send(ctx, req.Chat, "You have not set your birthday yet. Use "+m.usage("set mm/dd[/yyyy]")+".")
		return nil
	}
	rule, err := m.scopeRule(ctx, req.Scope)
	if err != nil {
		return err
	}
	today := rule.Today(m.now())
	switch n := rec.Birthday.DaysUntil(today); n {
	case 0:
		m.send(ctx, req.Chat, "Your birthday is today! 🎉")
	case 1:
		m.send(ctx, req.Chat, "Your birthday is tomorrow!")
	default:
		next := today.AddDays(n)
		m.send(ctx, req.Chat, fmt.Sprintf("%d days until your birthday (%s).", n, civil.Date{Month: next.Month, Day: next.Day}))
	}
	return nil
}

func (m *Manager) handleForget(ctx context.Context, req *Request) error {
	if err := m.store.Delete(ctx, req.Scope, req.UserID); err != nil {
		return err
	}
	m.publish(eventbus.BirthdayRemoved, req, "")
	m.send(ctx, req.Chat, "Your birthday has been removed.")
	return nil
}

func (m *Manager) handleSetChannel(ctx context.Context, req *Request) error {
	st, err := m.scopeState(ctx, req.Scope)
	if err != nil {
		return err
	}
	st.Channel = storage.Channel{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID}
	if err := m.engine.Register(ctx, st); err != nil {
		return err
	}
	rule, _ := zone.New(st.Zone)
	m.publish(eventbus.ScopeRegistered, req, rule.String())
	m.send(ctx, req.Chat, fmt.Sprintf("Birthday announcements will be posted here (timezone %s).", rule))
	return nil
}

func (m *Manager) handleTimezone(ctx context.Context, req *Request) error {
	st, err := m.scopeState(ctx, req.Scope)
	if err != nil {
		return err
	}
	if len(req.Args) == 0 {
		rule, err := zone.New(st.Zone)
		if err != nil {
			return err
		}
		m.send(ctx, req.Chat, fmt.Sprintf("This chat uses %s. Change it with %s", rule, m.usage("timezone <offset> [dst]")))
		return nil
	}
	if len(req.Args) > 2 {
		m.send(ctx, req.Chat, "Usage: "+m.usage("timezone <offset> [dst]")+", e.g. "+m.usage("timezone -5 dst"))
		return nil
	}
	flag := ""
	if len(req.Args) == 2 {
		flag = req.Args[1]
	}
	spec, err := zone.ParseSpec(req.Args[0], flag)
	if err != nil {
		var ce *zone.ConfigError
		if errors.As(err, &ce) {
			req.Logger.Debug("bad timezone input", logx.Err(err))
			m.send(ctx, req.Chat, "Invalid timezone: "+ce.Reason+".")
			return nil
		}
		return err
	}
	st.Zone = spec
	if err := m.engine.Register(ctx, st); err != nil {
		return err
	}
	rule, _ := zone.New(spec)
	m.publish(eventbus.ScopeRegistered, req, rule.String())
	m.send(ctx, req.Chat, fmt.Sprintf("Timezone set to %s.", rule))
	return nil
}

func (m *Manager) handleCalendar(ctx context.Context, req *Request) error {
	base := m.config().CalendarURL
	if base == "" {
		m.send(ctx, req.Chat, "The calendar feed is not enabled on this bot.")
		return nil
	}
	m.send(ctx, req.Chat, fmt.Sprintf("Subscribe to this chat's birthdays: %s/scopes/%s/birthdays.ics", base, req.Scope))
	return nil
}

func (m *Manager) handleHelp(ctx context.Context, req *Request) error {
	prefix := m.config().Prefix
	lines := []string{"🎂 <b>Birthday bot</b>", ""}
	for _, c := range m.Commands() {
		lines = append(lines, fmt.Sprintf("<code>%s%s</code> - %s", html.EscapeString(prefix), html.EscapeString(c.Usage), html.EscapeString(c.Description)))
	}
	m.sendOpt(ctx, req.Chat, strings.Join(lines, "\n"), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
	return nil
}

// scopeState returns the persisted state of scope, or a fresh one in the default zone.
func (m *Manager) scopeState(ctx context.Context, scope string) (storage.ScopeState, error) {
	st, ok, err := m.store.Scope(ctx, scope)
	if err != nil {
		return storage.ScopeState{}, err
	}
	if !ok {
		st = storage.ScopeState{Scope: scope, Zone: m.config().DefaultZone}
	}
	return st, nil
}

func (m *Manager) scopeRule(ctx context.Context, scope string) (zone.Rule, error) {
	st, err := m.scopeState(ctx, scope)
	if err != nil {
		return zone.Rule{}, err
	}
	return zone.New(st.Zone)
}
