package kommo

import (
	"encoding/json"
	"testing"
)

func TestMapFieldType(t *testing.T) {
	cases := []struct {
		fieldType, code, want string
	}{
		{"numeric", "", "number"},
		{"price", "", "number"},
		{"date", "", "date"},
		{"birthday", "", "date"},
		{"checkbox", "", "boolean"},
		{"select", "", "select"},
		{"multiselect", "", "select"},
		{"url", "", "url"},
		{"text", "", "text"},
		{"textarea", "", "text"},
		{"streetaddress", "", "text"},
		{"text", "PHONE", "phone"},
		{"text", "EMAIL", "email"},
		{"numeric", "PHONE", "phone"}, // code wins over type
	}
	for _, c := range cases {
		if got := MapFieldType(c.fieldType, c.code); got != c.want {
			t.Errorf("MapFieldType(%q, %q) = %q, want %q", c.fieldType, c.code, got, c.want)
		}
	}
}

func TestTransformFieldsPrefixesCustomIDs(t *testing.T) {
	fields := TransformFields(dealBuiltinFields, []CustomField{
		{ID: 42, Name: "Budget range", FieldType: "select"},
	})
	if len(fields) != len(dealBuiltinFields)+1 {
		t.Fatalf("got %d fields", len(fields))
	}
	last := fields[len(fields)-1]
	if last.ID != "cf_42" || last.Key != "cf_42" {
		t.Errorf("custom field id = %q/%q, want cf_42", last.ID, last.Key)
	}
	if last.Type != "select" {
		t.Errorf("type = %q", last.Type)
	}
}

func pipelineWithStages(id int64, name string, stages int) Pipeline {
	p := Pipeline{ID: id, Name: name}
	for i := 0; i < stages; i++ {
		p.Embedded.Statuses = append(p.Embedded.Statuses, Stage{
			ID: id*100 + int64(i), Name: name, Sort: i,
		})
	}
	return p
}

func TestBuildActionsBaseline(t *testing.T) {
	actions := BuildActions(nil, nil, nil)
	if len(actions) != 5 {
		t.Fatalf("got %d actions, want 5 baseline", len(actions))
	}
	wantOrder := []string{"send_message", "ai_reply", "add_note", "add_tag", "change_budget"}
	for i, typ := range wantOrder {
		if actions[i].Type != typ {
			t.Errorf("action[%d].Type = %q, want %q", i, actions[i].Type, typ)
		}
	}
}

func TestBuildActionsAssignResponsibleRequiresActiveUser(t *testing.T) {
	inactive := User{ID: 1, Name: "Idle"}
	active := User{ID: 2, Name: "Worker"}
	active.Rights.IsActive = true

	actions := BuildActions(nil, []User{inactive}, nil)
	for _, a := range actions {
		if a.Type == "assign_responsible" {
			t.Fatal("assign_responsible emitted with no active users")
		}
	}

	actions = BuildActions(nil, []User{inactive, active}, nil)
	var found *SnapshotAction
	for i := range actions {
		if actions[i].Type == "assign_responsible" {
			found = &actions[i]
		}
	}
	if found == nil {
		t.Fatal("assign_responsible missing despite active user")
	}
	if len(found.Options) != 1 || found.Options[0].ID != 2 {
		t.Errorf("options = %+v, want just the active user", found.Options)
	}
}

func TestBuildActionsOneChangeStagePerNonEmptyPipeline(t *testing.T) {
	pipelines := []Pipeline{
		pipelineWithStages(1, "Sales", 2),
		pipelineWithStages(2, "Empty", 0),
		pipelineWithStages(3, "Support", 4),
	}

	actions := BuildActions(pipelines, nil, nil)
	var stageActions []SnapshotAction
	for _, a := range actions {
		if a.Type == "change_stage" {
			stageActions = append(stageActions, a)
		}
	}
	if len(stageActions) != 2 {
		t.Fatalf("got %d change_stage actions, want 2", len(stageActions))
	}
	if stageActions[0].PipelineID != 1 || stageActions[1].PipelineID != 3 {
		t.Errorf("pipeline order wrong: %d, %d", stageActions[0].PipelineID, stageActions[1].PipelineID)
	}
	if len(stageActions[0].Options) != 2 || len(stageActions[1].Options) != 4 {
		t.Errorf("option counts = %d/%d, want 2/4",
			len(stageActions[0].Options), len(stageActions[1].Options))
	}
}

func TestBuildActionsCreateTaskRequiresTaskTypes(t *testing.T) {
	actions := BuildActions(nil, nil, []TaskType{{ID: 1, Name: "Call"}})
	last := actions[len(actions)-1]
	if last.Type != "create_task" {
		t.Fatalf("last action = %q, want create_task", last.Type)
	}
	if len(last.Options) != 1 || last.Options[0].Name != "Call" {
		t.Errorf("options = %+v", last.Options)
	}
}

func TestTransformChannelsFallback(t *testing.T) {
	channels := TransformChannels(nil)
	wantNames := []string{"WhatsApp", "Telegram", "Instagram", "Facebook Messenger", "Email"}
	if len(channels) != len(wantNames) {
		t.Fatalf("got %d channels, want %d", len(channels), len(wantNames))
	}
	for i, name := range wantNames {
		if channels[i].Name != name {
			t.Errorf("channel[%d] = %q, want %q", i, channels[i].Name, name)
		}
	}

	channels = TransformChannels([]Source{{ID: 9, Name: "Web form", Type: "form"}})
	if len(channels) != 1 || channels[0].ID != "9" {
		t.Errorf("real sources replaced by fallback: %+v", channels)
	}
}

func TestBuildSnapshotDeterministic(t *testing.T) {
	raw := RawData{
		Pipelines: []Pipeline{pipelineWithStages(1, "Sales", 3)},
		LeadFields: []CustomField{
			{ID: 10, Name: "Budget", FieldType: "price"},
			{ID: 11, Name: "Site", FieldType: "url"},
		},
		ContactFields: []CustomField{{ID: 20, Name: "Mobile", FieldType: "text", Code: "PHONE"}},
		Users:         []User{{ID: 1, Name: "A", Email: "a@x.com"}},
		TaskTypes:     []TaskType{{ID: 1, Name: "Call"}},
		Salesbots:     []Salesbot{{ID: 5, Name: "Greeter", IsActive: true}},
	}

	first, err := json.Marshal(BuildSnapshot(raw))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := json.Marshal(BuildSnapshot(raw))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(first) != string(second) {
		t.Error("identical input produced different snapshot bytes")
	}
}
