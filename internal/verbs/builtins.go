package verbs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rosterline/internal/directory"
	"rosterline/internal/domain"
	"rosterline/internal/sms"
	"rosterline/internal/templates"
)

// Builtins returns a registry with the standard verb library installed.
func Builtins() *Registry {
	r := NewRegistry()
	for _, v := range []Verb{
		searchPeople(),
		makeOffers(),
		waitForReplies(),
		assign(),
		notify(),
		unassign(),
		broadcast(),
		ask(),
		updateRecord(),
		searchChurchData(),
		reserve(),
		schedule(),
		addEvent(),
		addFacility(),
		addService(),
		addAnnouncement(),
		updateEvent(),
		cancelEvent(),
		listEvents(),
		listFacilities(),
		listServices(),
	} {
		if err := r.Register(v); err != nil {
			panic(err)
		}
	}
	return r
}

func searchPeople() Verb {
	return Verb{
		Name:   "search_people",
		Schema: Schema{Fields: []Field{{Name: "filter", Type: TypeMap}}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			filter := argMap(args, "filter")
			ministry := stringOf(filter["ministry"])
			if ministry == "" {
				ministry = stringOf(filter["role"])
			}
			people, err := env.Repo.ListPeopleByMinistry(ctx, ministry, stringOf(filter["campus"]))
			if err != nil {
				return nil, err
			}
			ids := make([]any, 0, len(people))
			for _, p := range people {
				ids = append(ids, p.ID)
			}
			return map[string]any{"people": ids}, nil
		},
	}
}

func makeOffers() Verb {
	return Verb{
		Name: "make_offers",
		Schema: Schema{Fields: []Field{
			{Name: "request_id", Type: TypeString, Required: true},
			{Name: "people", Type: TypeList, Required: true},
			{Name: "role", Type: TypeString, Required: true},
			{Name: "time", Type: TypeString},
			{Name: "expires_at", Type: TypeString},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			requestID := stringOf(args["request_id"])
			role := stringOf(args["role"])
			expiresAt := stringOf(args["expires_at"])
			if expiresAt == "" {
				expiresAt = env.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
			}
			var offers []any
			for _, raw := range argList(args, "people") {
				personID := stringOf(raw)
				if personID == "" {
					continue
				}
				offer := domain.Offer{
					RequestID:   requestID,
					VolunteerID: personID,
					Ministry:    role,
					ExpiresAt:   expiresAt,
					CreatedAt:   env.nowIso(),
				}
				if err := env.Repo.InsertOffer(ctx, offer); err != nil {
					return nil, fmt.Errorf("offer %s/%s: %w", requestID, personID, err)
				}
				name, phone := env.resolvePerson(ctx, personID)
				body, err := templates.Render("invite", map[string]any{
					"Name": name, "Role": role, "Time": stringOf(args["time"]),
				})
				if err != nil {
					return nil, err
				}
				if _, err := env.SMS.Send(ctx, sms.SendParams{
					To: phone, Body: body, Template: "invite",
					RequestID: requestID, PersonID: personID, Kind: "invite",
				}); err != nil {
					return nil, err
				}
				offers = append(offers, toAny(offer))
			}
			return map[string]any{"offers": offers}, nil
		},
	}
}

func waitForReplies() Verb {
	return Verb{
		Name: "wait_for_replies",
		Schema: Schema{Fields: []Field{
			{Name: "offers", Type: TypeList},
			{Name: "count", Type: TypeNumber},
		}},
		Run: func(_ context.Context, args map[string]any, _ *Env) (map[string]any, error) {
			// Naive resolution: take the first N outstanding offers as
			// accepted. Real replies land through inbound dispatch.
			count := intOf(args["count"], 1)
			var accepted []any
			for _, raw := range argList(args, "offers") {
				if len(accepted) >= count {
					break
				}
				if m, ok := raw.(map[string]any); ok {
					accepted = append(accepted, m["volunteer_id"])
				}
			}
			return map[string]any{"accepted": accepted}, nil
		},
	}
}

func assign() Verb {
	return Verb{
		Name: "assign",
		Schema: Schema{Fields: []Field{
			{Name: "request_id", Type: TypeString, Required: true},
			{Name: "person", Type: TypeString, Required: true},
			{Name: "role", Type: TypeString},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			now := env.nowIso()
			a := domain.Assignment{
				ID:          env.NewID("asg"),
				RequestID:   stringOf(args["request_id"]),
				VolunteerID: stringOf(args["person"]),
				Ministry:    stringOf(args["role"]),
				State:       domain.AssignmentAccepted,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := env.Repo.InsertAssignment(ctx, a); err != nil {
				return nil, err
			}
			return map[string]any{"assignment": toAny(a)}, nil
		},
	}
}

func notify() Verb {
	return Verb{
		Name: "notify",
		Schema: Schema{Fields: []Field{
			{Name: "targets", Type: TypeList},
			{Name: "template", Type: TypeString, Required: true},
			{Name: "vars", Type: TypeMap},
			{Name: "request_id", Type: TypeString},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			template := stringOf(args["template"])
			targets := argList(args, "targets")
			for _, raw := range targets {
				personID := stringOf(raw)
				if err := env.sendTemplated(ctx, template, personID, stringOf(args["request_id"]), argMap(args, "vars")); err != nil {
					return nil, err
				}
			}
			env.emit("notify", map[string]any{"count": len(targets), "template": template})
			return map[string]any{"notified": float64(len(targets))}, nil
		},
	}
}

func unassign() Verb {
	return Verb{
		Name: "unassign",
		Schema: Schema{Fields: []Field{
			{Name: "request_id", Type: TypeString, Required: true},
			{Name: "person", Type: TypeString, Required: true},
			{Name: "role", Type: TypeString},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			person := stringOf(args["person"])
			if err := env.Repo.CancelAssignment(ctx, stringOf(args["request_id"]), person, env.nowIso()); err != nil {
				return nil, err
			}
			env.emit("unassign", map[string]any{"person": person})
			return map[string]any{"unassigned": person}, nil
		},
	}
}

func broadcast() Verb {
	return Verb{
		Name: "broadcast",
		Schema: Schema{Fields: []Field{
			{Name: "people", Type: TypeList},
			{Name: "template", Type: TypeString, Required: true},
			{Name: "vars", Type: TypeMap},
			{Name: "request_id", Type: TypeString},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			template := stringOf(args["template"])
			people := argList(args, "people")
			for _, raw := range people {
				if err := env.sendTemplated(ctx, template, stringOf(raw), stringOf(args["request_id"]), argMap(args, "vars")); err != nil {
					return nil, err
				}
			}
			env.emit("broadcast", map[string]any{"count": len(people), "template": template})
			return map[string]any{"sent": float64(len(people))}, nil
		},
	}
}

func ask() Verb {
	return Verb{
		Name: "ask",
		Schema: Schema{Fields: []Field{
			{Name: "person", Type: TypeString, Required: true},
			{Name: "question_template", Type: TypeString, Required: true},
			{Name: "vars", Type: TypeMap},
			{Name: "request_id", Type: TypeString},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			person := stringOf(args["person"])
			template := stringOf(args["question_template"])
			if err := env.sendTemplated(ctx, template, person, stringOf(args["request_id"]), argMap(args, "vars")); err != nil {
				return nil, err
			}
			env.emit("ask", map[string]any{"person": person, "template": template})
			return map[string]any{"asked": person}, nil
		},
	}
}

func updateRecord() Verb {
	return Verb{
		Name: "update_record",
		Schema: Schema{Fields: []Field{
			{Name: "entity_id", Type: TypeString, Required: true},
			{Name: "patch", Type: TypeMap},
		}},
		Run: func(_ context.Context, args map[string]any, env *Env) (map[string]any, error) {
			env.emit("update_record", map[string]any{"entity_id": args["entity_id"], "patch": args["patch"]})
			return map[string]any{"updated": args["entity_id"]}, nil
		},
	}
}

func searchChurchData() Verb {
	return Verb{
		Name: "search_church_data",
		Schema: Schema{Fields: []Field{
			{Name: "query", Type: TypeString},
			{Name: "limit", Type: TypeNumber},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			facts, err := env.Directory.SearchFacts(ctx, stringOf(args["query"]))
			if err != nil {
				return nil, err
			}
			if limit := intOf(args["limit"], 0); limit > 0 && limit < len(facts) {
				facts = facts[:limit]
			}
			return map[string]any{"facts": toAny(facts)}, nil
		},
	}
}

func reserve() Verb {
	return Verb{
		Name: "reserve",
		Schema: Schema{Fields: []Field{
			{Name: "key", Type: TypeString},
			{Name: "amount", Type: TypeNumber},
		}},
		Run: func(_ context.Context, args map[string]any, env *Env) (map[string]any, error) {
			env.emit("reserve", map[string]any{"key": args["key"], "amount": args["amount"]})
			return map[string]any{"reserved": args["amount"]}, nil
		},
	}
}

func schedule() Verb {
	return Verb{
		Name: "schedule",
		Schema: Schema{Fields: []Field{
			{Name: "at", Type: TypeString},
			{Name: "payload", Type: TypeAny},
		}},
		Run: func(_ context.Context, args map[string]any, env *Env) (map[string]any, error) {
			env.emit("schedule", map[string]any{"at": args["at"], "payload": args["payload"]})
			return map[string]any{"scheduled": args["at"]}, nil
		},
	}
}

func addEvent() Verb {
	return Verb{
		Name: "add_event",
		Schema: Schema{Fields: []Field{
			{Name: "phone", Type: TypeString, Required: true},
			{Name: "title", Type: TypeString, Required: true},
			{Name: "start", Type: TypeString},
			{Name: "end", Type: TypeString},
			{Name: "facility_id", Type: TypeString},
			{Name: "ministry", Type: TypeString},
			{Name: "description", Type: TypeString},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			evt, err := env.Directory.AddEvent(ctx, domain.Event{
				Title:       stringOf(args["title"]),
				Description: stringOf(args["description"]),
				Start:       stringOf(args["start"]),
				End:         stringOf(args["end"]),
				FacilityID:  stringOf(args["facility_id"]),
				Ministry:    stringOf(args["ministry"]),
			}, stringOf(args["phone"]))
			if err != nil {
				return nil, err
			}
			env.emit("add_event", map[string]any{"event_id": evt.ID, "status": evt.Status})
			return map[string]any{"event_id": evt.ID, "status": evt.Status}, nil
		},
	}
}

func addFacility() Verb {
	return Verb{
		Name: "add_facility",
		Schema: Schema{Fields: []Field{
			{Name: "phone", Type: TypeString, Required: true},
			{Name: "name", Type: TypeString, Required: true},
			{Name: "capacity", Type: TypeNumber},
			{Name: "location", Type: TypeString},
			{Name: "notes", Type: TypeString},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			fac, err := env.Directory.AddFacility(ctx, domain.Facility{
				Name:     stringOf(args["name"]),
				Capacity: intOf(args["capacity"], 0),
				Location: stringOf(args["location"]),
				Notes:    stringOf(args["notes"]),
			}, stringOf(args["phone"]))
			if err != nil {
				return nil, err
			}
			env.emit("add_facility", map[string]any{"facility_id": fac.ID})
			return map[string]any{"facility_id": fac.ID}, nil
		},
	}
}

func addService() Verb {
	return Verb{
		Name: "add_service",
		Schema: Schema{Fields: []Field{
			{Name: "phone", Type: TypeString, Required: true},
			{Name: "campus", Type: TypeString, Required: true},
			{Name: "start", Type: TypeString, Required: true},
			{Name: "end", Type: TypeString, Required: true},
			{Name: "ministries_needed", Type: TypeMap},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			needs := map[string]int{}
			for k, v := range argMap(args, "ministries_needed") {
				needs[k] = intOf(v, 0)
			}
			svc, err := env.Directory.AddService(ctx, domain.Service{
				Campus:          stringOf(args["campus"]),
				Start:           stringOf(args["start"]),
				End:             stringOf(args["end"]),
				MinistriesNeeds: needs,
			}, stringOf(args["phone"]))
			if err != nil {
				return nil, err
			}
			env.emit("add_service", map[string]any{"service_id": svc.ID})
			return map[string]any{"service_id": svc.ID}, nil
		},
	}
}

func addAnnouncement() Verb {
	return Verb{
		Name: "add_announcement",
		Schema: Schema{Fields: []Field{
			{Name: "phone", Type: TypeString, Required: true},
			{Name: "title", Type: TypeString, Required: true},
			{Name: "body", Type: TypeString, Required: true},
			{Name: "publish_on", Type: TypeString},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			ann, err := env.Directory.AddAnnouncement(ctx, domain.Announcement{
				Title:     stringOf(args["title"]),
				Body:      stringOf(args["body"]),
				PublishOn: stringOf(args["publish_on"]),
			}, stringOf(args["phone"]))
			if err != nil {
				return nil, err
			}
			env.emit("add_announcement", map[string]any{"announcement_id": ann.ID})
			return map[string]any{"announcement_id": ann.ID}, nil
		},
	}
}

func updateEvent() Verb {
	return Verb{
		Name: "update_event",
		Schema: Schema{Fields: []Field{
			{Name: "phone", Type: TypeString, Required: true},
			{Name: "event_id", Type: TypeString, Required: true},
			{Name: "patch", Type: TypeMap, Required: true},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			patch := argMap(args, "patch")
			evt, err := env.Directory.UpdateEvent(ctx, stringOf(args["event_id"]), patchFromMap(patch), stringOf(args["phone"]))
			if err != nil {
				return nil, err
			}
			env.emit("update_event", map[string]any{"event_id": evt.ID})
			return map[string]any{"event_id": evt.ID}, nil
		},
	}
}

func cancelEvent() Verb {
	return Verb{
		Name: "cancel_event",
		Schema: Schema{Fields: []Field{
			{Name: "phone", Type: TypeString, Required: true},
			{Name: "event_id", Type: TypeString, Required: true},
			{Name: "reason", Type: TypeString},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			evt, err := env.Directory.CancelEvent(ctx, stringOf(args["event_id"]), stringOf(args["phone"]), stringOf(args["reason"]))
			if err != nil {
				return nil, err
			}
			env.emit("cancel_event", map[string]any{"event_id": evt.ID})
			return map[string]any{"event_id": evt.ID}, nil
		},
	}
}

func listEvents() Verb {
	return Verb{
		Name: "list_events",
		Schema: Schema{Fields: []Field{
			{Name: "ministry", Type: TypeString},
			{Name: "from", Type: TypeString},
			{Name: "to", Type: TypeString},
			{Name: "status", Type: TypeString},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			events, err := env.Directory.FilterEvents(ctx, directory.EventFilter{
				Ministry: stringOf(args["ministry"]),
				From:     stringOf(args["from"]),
				To:       stringOf(args["to"]),
				Status:   stringOf(args["status"]),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"events": toAny(events)}, nil
		},
	}
}

func listFacilities() Verb {
	return Verb{
		Name:   "list_facilities",
		Schema: Schema{},
		Run: func(ctx context.Context, _ map[string]any, env *Env) (map[string]any, error) {
			facilities, err := env.Repo.ListFacilities(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"facilities": toAny(facilities)}, nil
		},
	}
}

func listServices() Verb {
	return Verb{
		Name: "list_services",
		Schema: Schema{Fields: []Field{
			{Name: "campus", Type: TypeString},
			{Name: "from", Type: TypeString},
			{Name: "to", Type: TypeString},
		}},
		Run: func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error) {
			services, err := env.Directory.FilterServices(ctx, directory.ServiceFilter{
				Campus: stringOf(args["campus"]),
				From:   stringOf(args["from"]),
				To:     stringOf(args["to"]),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"services": toAny(services)}, nil
		},
	}
}

// resolvePerson maps a person ID to a display name and phone. Unknown
// IDs fall back to the ID itself so synthetic test people still route.
func (e *Env) resolvePerson(ctx context.Context, personID string) (name, phone string) {
	p, err := e.Repo.GetPerson(ctx, personID)
	if err != nil {
		return personID, personID
	}
	return p.FullName, p.Phone
}

func (e *Env) sendTemplated(ctx context.Context, template, personID, requestID string, vars map[string]any) error {
	if !templates.Has(template) {
		return fmt.Errorf("unknown message template %q", template)
	}
	name, phone := e.resolvePerson(ctx, personID)
	data := map[string]any{"Name": name}
	for k, v := range vars {
		data[k] = v
	}
	body, err := templates.Render(template, data)
	if err != nil {
		return err
	}
	_, err = e.SMS.Send(ctx, sms.SendParams{
		To: phone, Body: body, Template: template,
		RequestID: requestID, PersonID: personID, Kind: template,
	})
	return err
}

func patchFromMap(m map[string]any) directory.EventPatch {
	var p directory.EventPatch
	set := func(dst **string, key string) {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				*dst = &s
			}
		}
	}
	set(&p.Title, "title")
	set(&p.Description, "description")
	set(&p.Start, "start")
	set(&p.End, "end")
	set(&p.FacilityID, "facility_id")
	set(&p.Ministry, "ministry")
	set(&p.Status, "status")
	return p
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any, fallback int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return fallback
	}
}

func argList(args map[string]any, name string) []any {
	l, _ := args[name].([]any)
	return l
}

func argMap(args map[string]any, name string) map[string]any {
	m, _ := args[name].(map[string]any)
	return m
}

// toAny round-trips a typed value through JSON into plain maps and
// slices so plan expressions can traverse it.
func toAny(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
