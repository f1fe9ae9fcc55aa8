package kommo

import "strconv"

// customFieldPrefix namespaces upstream custom-field ids so they cannot
// collide with the built-in field keys.
const customFieldPrefix = "cf_"

// Built-in fields every agent sees regardless of CRM configuration.
var dealBuiltinFields = []SnapshotField{
	{ID: "name", Key: "name", Label: "Name", Type: "text"},
	{ID: "price", Key: "price", Label: "Budget", Type: "number"},
}

var contactBuiltinFields = []SnapshotField{
	{ID: "name", Key: "name", Label: "Name", Type: "text"},
	{ID: "phone", Key: "phone", Label: "Phone", Type: "phone"},
	{ID: "email", Key: "email", Label: "Email", Type: "email"},
}

// fallbackChannels is substituted when the CRM reports no sources at all.
var fallbackChannels = []SnapshotChannel{
	{ID: "whatsapp", Name: "WhatsApp", Type: "whatsapp"},
	{ID: "telegram", Name: "Telegram", Type: "telegram"},
	{ID: "instagram", Name: "Instagram", Type: "instagram"},
	{ID: "facebook", Name: "Facebook Messenger", Type: "facebook"},
	{ID: "email", Name: "Email", Type: "email"},
}

// MapFieldType translates a Kommo field type and code into the internal field
// vocabulary.
func MapFieldType(fieldType, code string) string {
	switch code {
	case "PHONE":
		return "phone"
	case "EMAIL":
		return "email"
	}
	switch fieldType {
	case "numeric", "price":
		return "number"
	case "date", "birthday":
		return "date"
	case "checkbox":
		return "boolean"
	case "select", "multiselect":
		return "select"
	case "url":
		return "url"
	default:
		return "text"
	}
}

// TransformFields merges the built-in fields with the upstream custom fields,
// built-ins first, custom fields in upstream order.
func TransformFields(builtins []SnapshotField, raw []CustomField) []SnapshotField {
	out := make([]SnapshotField, 0, len(builtins)+len(raw))
	out = append(out, builtins...)
	for _, f := range raw {
		id := customFieldPrefix + strconv.FormatInt(f.ID, 10)
		out = append(out, SnapshotField{
			ID:    id,
			Key:   id,
			Label: f.Name,
			Type:  MapFieldType(f.FieldType, f.Code),
		})
	}
	return out
}

// TransformPipelines flattens the upstream pipeline envelope, preserving
// upstream order for pipelines and stages.
func TransformPipelines(raw []Pipeline) []SnapshotPipeline {
	out := make([]SnapshotPipeline, 0, len(raw))
	for _, p := range raw {
		sp := SnapshotPipeline{ID: p.ID, Name: p.Name, Stages: []SnapshotStage{}}
		for _, st := range p.Embedded.Statuses {
			sp.Stages = append(sp.Stages, SnapshotStage{
				ID: st.ID, Name: st.Name, Sort: st.Sort, Color: st.Color,
			})
		}
		out = append(out, sp)
	}
	return out
}

// ActiveUsers filters the upstream user list down to members whose rights
// mark them active.
func ActiveUsers(raw []User) []User {
	var out []User
	for _, u := range raw {
		if u.Rights.IsActive {
			out = append(out, u)
		}
	}
	return out
}

// TransformUsers maps the upstream user list into the snapshot shape.
func TransformUsers(raw []User) []SnapshotUser {
	out := make([]SnapshotUser, 0, len(raw))
	for _, u := range raw {
		out = append(out, SnapshotUser{ID: u.ID, Name: u.Name, Email: u.Email})
	}
	return out
}

// TransformChannels maps upstream sources into channels, substituting the
// fixed fallback list when the CRM reports none.
func TransformChannels(raw []Source) []SnapshotChannel {
	if len(raw) == 0 {
		out := make([]SnapshotChannel, len(fallbackChannels))
		copy(out, fallbackChannels)
		return out
	}
	out := make([]SnapshotChannel, 0, len(raw))
	for _, src := range raw {
		out = append(out, SnapshotChannel{
			ID:         strconv.FormatInt(src.ID, 10),
			Name:       src.Name,
			Type:       src.Type,
			PipelineID: src.PipelineID,
			Service:    src.Service,
		})
	}
	return out
}

// TransformSalesbots maps upstream bots into the snapshot shape.
func TransformSalesbots(raw []Salesbot) []SnapshotBot {
	out := make([]SnapshotBot, 0, len(raw))
	for _, b := range raw {
		out = append(out, SnapshotBot{ID: b.ID, Name: b.Name, IsActive: b.IsActive})
	}
	return out
}

// BuildActions assembles the deterministic action list: the five baseline
// actions in fixed order, then assign-responsible when at least one active
// user exists, then one change-stage action per pipeline that has stages in
// upstream order, then create-task when the account has task types.
func BuildActions(pipelines []Pipeline, users []User, taskTypes []TaskType) []SnapshotAction {
	actions := []SnapshotAction{
		{ID: "send_message", Name: "Send message", Type: "send_message"},
		{ID: "ai_reply", Name: "Generate AI reply", Type: "ai_reply"},
		{ID: "add_note", Name: "Add note", Type: "add_note"},
		{ID: "add_tag", Name: "Add tag", Type: "add_tag"},
		{ID: "change_budget", Name: "Change deal budget", Type: "change_budget"},
	}

	if active := ActiveUsers(users); len(active) > 0 {
		opts := make([]ActionOption, 0, len(active))
		for _, u := range active {
			opts = append(opts, ActionOption{ID: u.ID, Name: u.Name})
		}
		actions = append(actions, SnapshotAction{
			ID:      "assign_responsible",
			Name:    "Assign responsible user",
			Type:    "assign_responsible",
			Options: opts,
		})
	}

	for _, p := range pipelines {
		if len(p.Embedded.Statuses) == 0 {
			continue
		}
		opts := make([]ActionOption, 0, len(p.Embedded.Statuses))
		for _, st := range p.Embedded.Statuses {
			opts = append(opts, ActionOption{ID: st.ID, Name: st.Name})
		}
		actions = append(actions, SnapshotAction{
			ID:           "change_stage_" + strconv.FormatInt(p.ID, 10),
			Name:         "Change stage: " + p.Name,
			Type:         "change_stage",
			PipelineID:   p.ID,
			PipelineName: p.Name,
			Options:      opts,
		})
	}

	if len(taskTypes) > 0 {
		opts := make([]ActionOption, 0, len(taskTypes))
		for _, tt := range taskTypes {
			opts = append(opts, ActionOption{ID: tt.ID, Name: tt.Name})
		}
		actions = append(actions, SnapshotAction{
			ID:      "create_task",
			Name:    "Create task",
			Type:    "create_task",
			Options: opts,
		})
	}

	return actions
}

// BuildSnapshot transforms the raw upstream payloads into the snapshot
// document. Pure: identical input yields an identical document.
func BuildSnapshot(raw RawData) *Snapshot {
	return &Snapshot{
		Pipelines:     TransformPipelines(raw.Pipelines),
		DealFields:    TransformFields(dealBuiltinFields, raw.LeadFields),
		ContactFields: TransformFields(contactBuiltinFields, raw.ContactFields),
		Actions:       BuildActions(raw.Pipelines, raw.Users, raw.TaskTypes),
		Users:         TransformUsers(raw.Users),
		Channels:      TransformChannels(raw.Sources),
		Salesbots:     TransformSalesbots(raw.Salesbots),
	}
}

// Counts summarizes a snapshot for Integration.Settings.
func (s *Snapshot) Counts() SettingsCounts {
	return SettingsCounts{
		Pipelines:     len(s.Pipelines),
		DealFields:    len(s.DealFields),
		ContactFields: len(s.ContactFields),
		Channels:      len(s.Channels),
		Actions:       len(s.Actions),
		Users:         len(s.Users),
		Salesbots:     len(s.Salesbots),
	}
}

// StageCount totals stages across all pipelines in the snapshot.
func (s *Snapshot) StageCount() int {
	n := 0
	for _, p := range s.Pipelines {
		n += len(p.Stages)
	}
	return n
}
