package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/easeaico/family-agent/internal/store"
)

// RecordStore is the persistence the default handlers write family records to.
type RecordStore interface {
	PutRecord(ctx context.Context, r store.Record) error
	GetRecord(ctx context.Context, familyID, kind, id string) (*store.Record, error)
	UpdateRecord(ctx context.Context, r store.Record) error
	DeleteRecord(ctx context.Context, familyID, kind, id string) error
	ListRecords(ctx context.Context, familyID, kind string, limit int) ([]store.Record, error)
}

const listLimit = 100

// TaskObserver is told about every task the catalogue completes.
type TaskObserver interface {
	TaskCompleted(ctx context.Context, task store.Record)
}

// Option configures the default catalogue.
type Option func(*handlers)

// WithTaskObserver reports completed tasks to o.
func WithTaskObserver(o TaskObserver) Option {
	return func(h *handlers) { h.observer = o }
}

// handlers implements the default family tools.
type handlers struct {
	records  RecordStore
	observer TaskObserver
	now      func() time.Time
}

// Default builds the standard family tool catalogue backed by records.
func Default(records RecordStore, opts ...Option) *Registry {
	h := &handlers{records: records, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	r := NewRegistry()

	str := func(name, desc string, required bool) Param {
		return Param{Name: name, Type: "string", Description: desc, Required: required}
	}

	register := func(d Descriptor, fn Handler) {
		if err := r.Register(d, fn); err != nil {
			panic(err)
		}
	}

	// Generic data access.
	register(Descriptor{Name: "read_data", Description: "Read family records of a given kind.",
		Params: []Param{str("kind", "Record kind, e.g. task, event, contact", true)}}, h.readData)
	register(Descriptor{Name: "write_data", Description: "Store a family record of a given kind.",
		Params: []Param{str("kind", "Record kind", true), {Name: "data", Type: "object", Description: "Record fields", Required: true}}}, h.writeData)
	register(Descriptor{Name: "delete_data", Description: "Delete a family record.", MutatesState: true,
		Params: []Param{str("kind", "Record kind", true), str("id", "Record id", true)}}, h.deleteData)

	// Tasks.
	register(Descriptor{Name: "create_task", Description: "Create a family task.",
		Params: []Param{str("title", "Task title", true), str("description", "Details", false),
			str("dueDate", "Due date (RFC3339)", false), str("assignee", "Assigned family member", false),
			str("priority", "low, medium or high", false), str("category", "Task category, e.g. chores or school", false),
			{Name: "reminders", Type: "array", Description: "Reminders, each {time: RFC3339, type: notification, email or sms}"}}}, h.createTask)
	register(Descriptor{Name: "update_task", Description: "Update fields of an existing task.", MutatesState: true,
		Params: []Param{str("taskId", "Task id", true), str("title", "Task title", false), str("description", "Details", false),
			str("dueDate", "Due date (RFC3339)", false), str("status", "Task status", false), str("priority", "Priority", false)}}, h.updater("task", "taskId"))
	register(Descriptor{Name: "complete_task", Description: "Mark a task as completed.", MutatesState: true,
		Params: []Param{str("taskId", "Task id", true)}}, h.completeTask)
	register(Descriptor{Name: "delete_task", Description: "Delete a task.", MutatesState: true,
		Params: []Param{str("taskId", "Task id", true)}}, h.deleter("task", "taskId"))

	// Calendar.
	register(Descriptor{Name: "create_event", Description: "Create a calendar event.",
		Params: []Param{str("title", "Event title", true), str("startTime", "Start time (RFC3339)", true),
			str("endTime", "End time (RFC3339)", false), str("location", "Location", false),
			{Name: "attendees", Type: "array", Description: "Attendee names"}}}, h.createEvent)
	register(Descriptor{Name: "update_event", Description: "Update a calendar event.", MutatesState: true,
		Params: []Param{str("eventId", "Event id", true), str("title", "Event title", false),
			str("startTime", "Start time (RFC3339)", false), str("endTime", "End time (RFC3339)", false),
			str("location", "Location", false)}}, h.updater("event", "eventId"))
	register(Descriptor{Name: "list_events", Description: "List calendar events, optionally within a time range.",
		Params: []Param{str("from", "Range start (RFC3339)", false), str("to", "Range end (RFC3339)", false)}}, h.listEvents)
	register(Descriptor{Name: "check_calendar", Description: "Check for events overlapping a time slot.",
		Params: []Param{str("startTime", "Slot start (RFC3339)", false), str("endTime", "Slot end (RFC3339)", false)}}, h.checkCalendar)

	// Family.
	register(Descriptor{Name: "get_family_members", Description: "List family members."}, h.lister("member"))
	register(Descriptor{Name: "update_family_member", Description: "Update a family member profile.", MutatesState: true,
		Params: []Param{str("memberId", "Member id", true), str("name", "Name", false), str("role", "Role", false)}}, h.updater("member", "memberId"))
	register(Descriptor{Name: "manage_family_member", Description: "Add or remove a family member.", MutatesState: true,
		Params: []Param{str("action", "add or remove", true), str("name", "Member name", false), str("memberId", "Member id", false),
			str("role", "Role", false)}}, h.manageMember)
	register(Descriptor{Name: "get_family_settings", Description: "Read family settings."}, h.lister("setting"))

	// Communication.
	register(Descriptor{Name: "send_email", Description: "Send an email.",
		Params: []Param{str("to", "Recipient", true), str("subject", "Subject", true), str("body", "Body", false)}}, h.outbound("email"))
	register(Descriptor{Name: "send_sms", Description: "Send a text message.",
		Params: []Param{str("to", "Recipient", true), str("body", "Message", true)}}, h.outbound("sms"))
	register(Descriptor{Name: "send_notification", Description: "Notify family members in the app.",
		Params: []Param{str("message", "Notification text", true), str("recipient", "Recipient", false)}}, h.outbound("notification"))

	// Documents.
	register(Descriptor{Name: "process_document", Description: "Analyse a document and store a summary.",
		Params: []Param{str("content", "Document text", true), str("title", "Title", false)}}, h.processDocument)
	register(Descriptor{Name: "store_document", Description: "Store a document.",
		Params: []Param{str("title", "Title", true), str("content", "Document text", true)}}, h.creator("document", nil))
	register(Descriptor{Name: "search_documents", Description: "Search stored documents by text.",
		Params: []Param{str("query", "Search text", true)}}, h.searchDocuments)

	// Places and contacts.
	register(Descriptor{Name: "add_place", Description: "Save a place.",
		Params: []Param{str("name", "Place name", true), str("address", "Address", false)}}, h.creator("place", nil))
	register(Descriptor{Name: "get_places", Description: "List saved places."}, h.lister("place"))
	register(Descriptor{Name: "add_contact", Description: "Save a contact.",
		Params: []Param{str("name", "Contact name", true), str("phone", "Phone", false), str("email", "Email", false),
			str("relationship", "Relationship", false)}}, h.creator("contact", nil))

	// Lists, habits, routines, expenses and meals.
	register(Descriptor{Name: "manage_list", Description: "Create lists and add, remove, check or read items.", MutatesState: true,
		Params: []Param{str("action", "create, add_item, remove_item, check_item or get", true),
			str("listName", "List name", true), str("item", "Item text", false)}}, h.manageList)
	register(Descriptor{Name: "track_habit", Description: "Log a habit occurrence.",
		Params: []Param{str("habit", "Habit name", true), {Name: "value", Type: "number", Description: "Amount"}, str("note", "Note", false)}},
		h.creator("habit_log", nil))
	register(Descriptor{Name: "create_routine", Description: "Create a routine.",
		Params: []Param{str("name", "Routine name", true), {Name: "steps", Type: "array", Description: "Ordered steps"}}},
		h.creator("routine", nil))
	register(Descriptor{Name: "track_expense", Description: "Record an expense.",
		Params: []Param{{Name: "amount", Type: "number", Description: "Amount", Required: true},
			str("category", "Expense category", false), str("description", "Description", false)}}, h.creator("expense", nil))
	register(Descriptor{Name: "plan_meal", Description: "Plan a meal.",
		Params: []Param{str("date", "Date", true), str("meal", "Meal", true), str("mealType", "breakfast, lunch or dinner", false)}},
		h.creator("meal_plan", nil))

	return r
}

func (h *handlers) newRecord(inv Invocation, kind string, data map[string]any) store.Record {
	return store.Record{
		ID:        uuid.NewString(),
		FamilyID:  inv.FamilyID,
		Kind:      kind,
		Data:      data,
		CreatedBy: inv.UserID,
		CreatedAt: h.now(),
	}
}

func recordView(r store.Record) map[string]any {
	out := map[string]any{"id": r.ID, "kind": r.Kind}
	for k, v := range r.Data {
		out[k] = v
	}
	return out
}

func recordViews(rs []store.Record) []map[string]any {
	out := make([]map[string]any, 0, len(rs))
	for _, r := range rs {
		out = append(out, recordView(r))
	}
	return out
}

func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

func notFound(tool string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return NewError(tool, CodeNotFound, "record not found").WithCause(err)
	}
	return NewError(tool, CodeExecutionFailed, "storage error").WithCause(err)
}

// creator stores the call input as a new record of kind, merged with defaults.
func (h *handlers) creator(kind string, defaults map[string]any) Handler {
	return func(ctx context.Context, inv Invocation) (any, error) {
		data := inv.Call.Input()
		for k, v := range defaults {
			if _, ok := data[k]; !ok {
				data[k] = v
			}
		}
		rec := h.newRecord(inv, kind, data)
		if err := h.records.PutRecord(ctx, rec); err != nil {
			return nil, notFound(inv.Call.Name(), err)
		}
		return recordView(rec), nil
	}
}

func (h *handlers) lister(kind string) Handler {
	return func(ctx context.Context, inv Invocation) (any, error) {
		rs, err := h.records.ListRecords(ctx, inv.FamilyID, kind, listLimit)
		if err != nil {
			return nil, notFound(inv.Call.Name(), err)
		}
		return recordViews(rs), nil
	}
}

// updater merges the call input into the record identified by idKey.
func (h *handlers) updater(kind, idKey string) Handler {
	return func(ctx context.Context, inv Invocation) (any, error) {
		input := inv.Call.Input()
		id := stringArg(input, idKey)
		delete(input, idKey)
		return h.patch(ctx, inv, kind, id, input)
	}
}

func (h *handlers) patch(ctx context.Context, inv Invocation, kind, id string, fields map[string]any) (any, error) {
	rec, err := h.apply(ctx, inv, kind, id, fields)
	if err != nil {
		return nil, err
	}
	return recordView(*rec), nil
}

func (h *handlers) apply(ctx context.Context, inv Invocation, kind, id string, fields map[string]any) (*store.Record, error) {
	rec, err := h.records.GetRecord(ctx, inv.FamilyID, kind, id)
	if err != nil {
		return nil, notFound(inv.Call.Name(), err)
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	for k, v := range fields {
		rec.Data[k] = v
	}
	if err := h.records.UpdateRecord(ctx, *rec); err != nil {
		return nil, notFound(inv.Call.Name(), err)
	}
	return rec, nil
}

func (h *handlers) deleter(kind, idKey string) Handler {
	return func(ctx context.Context, inv Invocation) (any, error) {
		id := stringArg(inv.Call.Input(), idKey)
		if err := h.records.DeleteRecord(ctx, inv.FamilyID, kind, id); err != nil {
			return nil, notFound(inv.Call.Name(), err)
		}
		return map[string]any{"id": id, "deleted": true}, nil
	}
}

func (h *handlers) readData(ctx context.Context, inv Invocation) (any, error) {
	return h.lister(stringArg(inv.Call.Input(), "kind"))(ctx, inv)
}

func (h *handlers) writeData(ctx context.Context, inv Invocation) (any, error) {
	input := inv.Call.Input()
	data, _ := input["data"].(map[string]any)
	rec := h.newRecord(inv, stringArg(input, "kind"), data)
	if err := h.records.PutRecord(ctx, rec); err != nil {
		return nil, notFound(inv.Call.Name(), err)
	}
	return recordView(rec), nil
}

func (h *handlers) deleteData(ctx context.Context, inv Invocation) (any, error) {
	input := inv.Call.Input()
	id := stringArg(input, "id")
	if err := h.records.DeleteRecord(ctx, inv.FamilyID, stringArg(input, "kind"), id); err != nil {
		return nil, notFound(inv.Call.Name(), err)
	}
	return map[string]any{"id": id, "deleted": true}, nil
}

type reminder struct {
	at   time.Time
	kind string
}

// parseReminders reads the reminders input. An entry is either an RFC3339
// time or an object with a time and an optional type.
func parseReminders(tool string, v any) ([]reminder, error) {
	var entries []any
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []any:
		entries = list
	case []string:
		for _, s := range list {
			entries = append(entries, s)
		}
	}
	out := make([]reminder, 0, len(entries))
	for i, e := range entries {
		r := reminder{kind: "notification"}
		var at string
		switch e := e.(type) {
		case string:
			at = e
		case map[string]any:
			at = stringArg(e, "time")
			if k := stringArg(e, "type"); k != "" {
				r.kind = k
			}
		}
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, NewError(tool, CodeInvalidInput, fmt.Sprintf("reminder %d needs an RFC3339 time", i+1)).WithCause(err)
		}
		r.at = t
		out = append(out, r)
	}
	return out, nil
}

// createTask stores the task, then one pending reminder record per entry in
// its reminders input.
func (h *handlers) createTask(ctx context.Context, inv Invocation) (any, error) {
	tool := inv.Call.Name()
	input := inv.Call.Input()
	reminders, err := parseReminders(tool, input["reminders"])
	if err != nil {
		return nil, err
	}
	delete(input, "reminders")
	for k, v := range map[string]any{"status": "pending", "priority": "medium"} {
		if _, ok := input[k]; !ok {
			input[k] = v
		}
	}

	task := h.newRecord(inv, "task", input)
	if err := h.records.PutRecord(ctx, task); err != nil {
		return nil, notFound(tool, err)
	}
	view := recordView(task)
	if len(reminders) == 0 {
		return view, nil
	}

	scheduled := make([]map[string]any, 0, len(reminders))
	for _, r := range reminders {
		rec := h.newRecord(inv, "reminder", map[string]any{
			"taskId":       task.ID,
			"reminderTime": r.at.UTC().Format(time.RFC3339),
			"type":         r.kind,
			"status":       "pending",
		})
		if err := h.records.PutRecord(ctx, rec); err != nil {
			return nil, notFound(tool, err)
		}
		scheduled = append(scheduled, recordView(rec))
	}
	view["reminders"] = scheduled
	return view, nil
}

func (h *handlers) completeTask(ctx context.Context, inv Invocation) (any, error) {
	id := stringArg(inv.Call.Input(), "taskId")
	rec, err := h.apply(ctx, inv, "task", id, map[string]any{
		"status":      "completed",
		"completedAt": h.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	if h.observer != nil {
		h.observer.TaskCompleted(ctx, *rec)
	}
	return recordView(*rec), nil
}

func (h *handlers) createEvent(ctx context.Context, inv Invocation) (any, error) {
	if _, err := time.Parse(time.RFC3339, stringArg(inv.Call.Input(), "startTime")); err != nil {
		return nil, NewError(inv.Call.Name(), CodeInvalidInput, "startTime must be RFC3339").WithCause(err)
	}
	return h.creator("event", nil)(ctx, inv)
}

type timeRange struct {
	from, to time.Time
}

func parseRange(input map[string]any, fromKey, toKey string) timeRange {
	var r timeRange
	r.from, _ = time.Parse(time.RFC3339, stringArg(input, fromKey))
	r.to, _ = time.Parse(time.RFC3339, stringArg(input, toKey))
	return r
}

// overlaps reports whether an event starting at start (lasting an hour when no
// end is known) intersects the range. Open range bounds match everything.
func (r timeRange) overlaps(start, end time.Time) bool {
	if end.IsZero() {
		end = start.Add(time.Hour)
	}
	if !r.to.IsZero() && !start.Before(r.to) {
		return false
	}
	if !r.from.IsZero() && !end.After(r.from) {
		return false
	}
	return true
}

func (h *handlers) eventsIn(ctx context.Context, inv Invocation, r timeRange) ([]store.Record, error) {
	rs, err := h.records.ListRecords(ctx, inv.FamilyID, "event", listLimit)
	if err != nil {
		return nil, notFound(inv.Call.Name(), err)
	}
	var out []store.Record
	for _, rec := range rs {
		start, err := time.Parse(time.RFC3339, stringArg(rec.Data, "startTime"))
		if err != nil {
			continue
		}
		end, _ := time.Parse(time.RFC3339, stringArg(rec.Data, "endTime"))
		if r.overlaps(start, end) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (h *handlers) listEvents(ctx context.Context, inv Invocation) (any, error) {
	rs, err := h.eventsIn(ctx, inv, parseRange(inv.Call.Input(), "from", "to"))
	if err != nil {
		return nil, err
	}
	return recordViews(rs), nil
}

func (h *handlers) checkCalendar(ctx context.Context, inv Invocation) (any, error) {
	rs, err := h.eventsIn(ctx, inv, parseRange(inv.Call.Input(), "startTime", "endTime"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"available": len(rs) == 0, "conflicts": recordViews(rs)}, nil
}

func (h *handlers) manageMember(ctx context.Context, inv Invocation) (any, error) {
	input := inv.Call.Input()
	switch stringArg(input, "action") {
	case "add":
		if stringArg(input, "name") == "" {
			return nil, NewError(inv.Call.Name(), CodeInvalidInput, "name is required to add a member")
		}
		delete(input, "action")
		rec := h.newRecord(inv, "member", input)
		if err := h.records.PutRecord(ctx, rec); err != nil {
			return nil, notFound(inv.Call.Name(), err)
		}
		return recordView(rec), nil
	case "remove":
		id := stringArg(input, "memberId")
		if id == "" {
			return nil, NewError(inv.Call.Name(), CodeInvalidInput, "memberId is required to remove a member")
		}
		if err := h.records.DeleteRecord(ctx, inv.FamilyID, "member", id); err != nil {
			return nil, notFound(inv.Call.Name(), err)
		}
		return map[string]any{"id": id, "removed": true}, nil
	default:
		return nil, NewError(inv.Call.Name(), CodeInvalidInput, "action must be add or remove")
	}
}

func (h *handlers) outbound(channel string) Handler {
	return h.creator("message", map[string]any{"channel": channel, "status": "queued"})
}

func (h *handlers) processDocument(ctx context.Context, inv Invocation) (any, error) {
	input := inv.Call.Input()
	content := stringArg(input, "content")
	words := strings.Fields(content)
	summary := content
	if i := strings.IndexAny(content, ".!?"); i >= 0 {
		summary = content[:i+1]
	}
	if r := []rune(summary); len(r) > 200 {
		summary = string(r[:200])
	}
	rec := h.newRecord(inv, "document_analysis", map[string]any{
		"title":     stringArg(input, "title"),
		"wordCount": len(words),
		"summary":   strings.TrimSpace(summary),
	})
	if err := h.records.PutRecord(ctx, rec); err != nil {
		return nil, notFound(inv.Call.Name(), err)
	}
	return recordView(rec), nil
}

func (h *handlers) searchDocuments(ctx context.Context, inv Invocation) (any, error) {
	query := strings.ToLower(stringArg(inv.Call.Input(), "query"))
	rs, err := h.records.ListRecords(ctx, inv.FamilyID, "document", listLimit)
	if err != nil {
		return nil, notFound(inv.Call.Name(), err)
	}
	var hits []store.Record
	for _, rec := range rs {
		text := strings.ToLower(stringArg(rec.Data, "title") + " " + stringArg(rec.Data, "content"))
		if strings.Contains(text, query) {
			hits = append(hits, rec)
		}
	}
	return recordViews(hits), nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func listID(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

func (h *handlers) manageList(ctx context.Context, inv Invocation) (any, error) {
	input := inv.Call.Input()
	tool := inv.Call.Name()
	name := stringArg(input, "listName")
	id := listID(name)
	if id == "" {
		return nil, NewError(tool, CodeInvalidInput, "listName must contain letters or digits")
	}
	action := stringArg(input, "action")
	item := stringArg(input, "item")

	rec, err := h.records.GetRecord(ctx, inv.FamilyID, "list", id)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, notFound(tool, err)
	}

	switch action {
	case "create":
		if exists {
			return recordView(*rec), nil
		}
		created := store.Record{ID: id, FamilyID: inv.FamilyID, Kind: "list", CreatedBy: inv.UserID, CreatedAt: h.now(),
			Data: map[string]any{"name": name, "items": []any{}}}
		if err := h.records.PutRecord(ctx, created); err != nil {
			return nil, notFound(tool, err)
		}
		return recordView(created), nil
	case "get":
		if !exists {
			return nil, NewError(tool, CodeNotFound, fmt.Sprintf("list %q not found", name))
		}
		return recordView(*rec), nil
	case "add_item", "remove_item", "check_item":
	default:
		return nil, NewError(tool, CodeInvalidInput, "unsupported list action: "+action)
	}

	if item == "" {
		return nil, NewError(tool, CodeInvalidInput, "item is required for "+action)
	}
	if !exists {
		if action != "add_item" {
			return nil, NewError(tool, CodeNotFound, fmt.Sprintf("list %q not found", name))
		}
		rec = &store.Record{ID: id, FamilyID: inv.FamilyID, Kind: "list", CreatedBy: inv.UserID, CreatedAt: h.now(),
			Data: map[string]any{"name": name, "items": []any{}}}
	}

	items, _ := rec.Data["items"].([]any)
	switch action {
	case "add_item":
		items = append(items, map[string]any{"text": item, "checked": false})
	case "remove_item", "check_item":
		kept := items[:0:0]
		found := false
		for _, it := range items {
			m, _ := it.(map[string]any)
			if m != nil && strings.EqualFold(stringArg(m, "text"), item) {
				found = true
				if action == "check_item" {
					m["checked"] = true
					kept = append(kept, m)
				}
				continue
			}
			kept = append(kept, it)
		}
		if !found {
			return nil, NewError(tool, CodeNotFound, fmt.Sprintf("item %q not on list %q", item, name))
		}
		items = kept
	}
	rec.Data["items"] = items

	if exists {
		err = h.records.UpdateRecord(ctx, *rec)
	} else {
		err = h.records.PutRecord(ctx, *rec)
	}
	if err != nil {
		return nil, notFound(tool, err)
	}
	return recordView(*rec), nil
}
