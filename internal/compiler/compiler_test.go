package compiler

import "testing"

const helloWorldDoc = `{
  "configId": "hw",
  "initialPageId": "survey",
  "userStateSchema": {"mood": {"type": "int"}},
  "pages": [
    {
      "id": "survey",
      "survey": {"questions": [{"id": "mood", "type": "likert5", "prompt": "How do you feel?"}]},
      "buttons": [{"id": "done", "label": "Done", "action": {"target": "thanks"}}]
    },
    {"id": "thanks", "end": true}
  ]
}`

func TestCompileHelloWorld(t *testing.T) {
	cfg, _, err := Compile([]byte(helloWorldDoc))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if cfg.InitialPageID != "survey" {
		t.Errorf("InitialPageID = %q, want survey", cfg.InitialPageID)
	}
	if len(cfg.Pages) != 2 {
		t.Fatalf("len(Pages) = %d, want 2", len(cfg.Pages))
	}
	if cfg.Pages[1].ID != "thanks" || !cfg.Pages[1].End {
		t.Errorf("page 1 = %+v, want terminal thanks", cfg.Pages[1])
	}
	if cfg.ConfigHash == "" {
		t.Error("ConfigHash not set")
	}
}

func TestCompileIsIdempotentOnHash(t *testing.T) {
	cfg1, _, err := Compile([]byte(helloWorldDoc))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	cfg2, _, err := Compile([]byte(helloWorldDoc))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if cfg1.ConfigHash != cfg2.ConfigHash {
		t.Errorf("ConfigHash not stable across compiles: %q != %q", cfg1.ConfigHash, cfg2.ConfigHash)
	}
}

func TestCompileRejectsUnknownInitialPage(t *testing.T) {
	doc := `{"configId":"x","initialPageId":"missing","pages":[{"id":"a","end":true}]}`
	if _, _, err := Compile([]byte(doc)); err == nil {
		t.Error("expected error for unknown initialPageId")
	}
}

func TestCompileRejectsUnresolvedButtonTarget(t *testing.T) {
	doc := `{"configId":"x","initialPageId":"a","pages":[
		{"id":"a","buttons":[{"id":"go","action":{"target":"nowhere"}}]}
	]}`
	if _, _, err := Compile([]byte(doc)); err == nil {
		t.Error("expected error for unresolved button target")
	}
}

func TestCompileRejectsTerminalPageWithButtons(t *testing.T) {
	doc := `{"configId":"x","initialPageId":"a","pages":[
		{"id":"a","end":true,"buttons":[{"id":"go","action":{"target":"a"}}]}
	]}`
	if _, _, err := Compile([]byte(doc)); err == nil {
		t.Error("expected error for terminal page with buttons")
	}
}

func TestCompileEndShorthandTargetsSyntheticTerminal(t *testing.T) {
	doc := `{"configId":"x","initialPageId":"a","pages":[
		{"id":"a","buttons":[{"id":"go","action":{"type":"end"}}]}
	]}`
	cfg, _, err := Compile([]byte(doc))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	last := cfg.Pages[len(cfg.Pages)-1]
	if !last.End {
		t.Fatalf("expected a synthetic terminal page, got %+v", last)
	}
	if cfg.Pages[0].Buttons[0].Action.Target != last.ID {
		t.Errorf("button target = %q, want %q", cfg.Pages[0].Buttons[0].Action.Target, last.ID)
	}
}
