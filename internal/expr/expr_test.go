package expr

import "testing"

func TestEvaluateBool(t *testing.T) {
	cases := []struct {
		src  string
		ctx  Context
		want bool
	}{
		{`user_state.age >= 18`, Context{UserState: map[string]any{"age": int64(20)}}, true},
		{`user_state.age >= 18`, Context{UserState: map[string]any{"age": int64(17)}}, false},
		{`user_state.age < 18 || user_state.vip == true`, Context{UserState: map[string]any{"age": int64(30), "vip": true}}, true},
		{`user_state.name == "bob"`, Context{UserState: map[string]any{"name": "bob"}}, true},
		{`user_state.missing`, Context{UserState: map[string]any{}}, false},
		{`!(user_state.flag)`, Context{UserState: map[string]any{"flag": false}}, true},
		{`$event.payload.answers.mood == 4`, Context{Event: map[string]any{"payload": map[string]any{"answers": map[string]any{"mood": int64(4)}}}}, true},
	}

	for _, c := range cases {
		n, err := Parse(c.src)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.src, err)
		}
		got := EvaluateBool(n, c.ctx)
		if got != c.want {
			t.Errorf("EvaluateBool(%q) = %v, want %v", c.src, got, c.want)
		}
	}
}

func TestEvaluateCrossTypeComparisonNeverErrors(t *testing.T) {
	n, err := Parse(`user_state.age > "x"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if EvaluateBool(n, Context{UserState: map[string]any{"age": int64(5)}}) {
		t.Error("expected false for cross-type comparison, got true")
	}
}

func TestParseErrorOnMalformedExpression(t *testing.T) {
	malformed := []string{
		`user_state.age >`,
		`(user_state.age > 3`,
		`&& true`,
		`user_state.age > 3 extra`,
	}
	for _, src := range malformed {
		if _, err := Parse(src); err == nil {
			t.Errorf("Parse(%q): expected error", src)
		}
	}
}

func TestEvaluateValues(t *testing.T) {
	ctx := Context{
		UserState: map[string]any{"count": int64(3), "name": "ada", "ratio": 0.5},
		Run:       map[string]any{"currentPageId": "survey"},
	}
	cases := []struct {
		src  string
		want any
	}{
		{`42`, int64(42)},
		{`3.5`, 3.5},
		{`"hi"`, "hi"},
		{`true`, true},
		{`false`, false},
		{`null`, nil},
		{`user_state.count`, int64(3)},
		{`user_state.ratio`, 0.5},
		{`$run.currentPageId`, "survey"},
		{`user_state.undeclared`, nil},
		{`$unknown.root`, nil},
	}
	for _, c := range cases {
		n, err := Parse(c.src)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.src, err)
		}
		if got := Evaluate(n, ctx); got != c.want {
			t.Errorf("Evaluate(%q) = %#v, want %#v", c.src, got, c.want)
		}
	}
}

func TestOperatorPrecedenceAndShortCircuit(t *testing.T) {
	ctx := Context{UserState: map[string]any{"a": int64(1), "b": int64(2)}}
	cases := []struct {
		src  string
		want bool
	}{
		// || binds looser than &&.
		{`user_state.a == 1 || user_state.a == 2 && user_state.b == 99`, true},
		{`(user_state.a == 1 || user_state.a == 2) && user_state.b == 99`, false},
		// Truthy coercion of non-boolean operands.
		{`user_state.a && "yes"`, true},
		{`0 || ""`, false},
	}
	for _, c := range cases {
		n, err := Parse(c.src)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.src, err)
		}
		if got := EvaluateBool(n, ctx); got != c.want {
			t.Errorf("EvaluateBool(%q) = %v, want %v", c.src, got, c.want)
		}
	}
}

func TestRelationalBindsTighterThanEquality(t *testing.T) {
	ctx := Context{UserState: map[string]any{"a": int64(1), "b": int64(2), "flag": true}}
	cases := []struct {
		src  string
		want bool
	}{
		// a < b == flag parses as (a < b) == flag.
		{`user_state.a < user_state.b == user_state.flag`, true},
		{`user_state.a > user_state.b == user_state.flag`, false},
		// flag == a < b parses as flag == (a < b).
		{`user_state.flag == user_state.a < user_state.b`, true},
		{`user_state.flag != user_state.a < user_state.b`, false},
	}
	for _, c := range cases {
		n, err := Parse(c.src)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.src, err)
		}
		if got := EvaluateBool(n, ctx); got != c.want {
			t.Errorf("EvaluateBool(%q) = %v, want %v", c.src, got, c.want)
		}
	}
}

func TestEqualityAcrossNumericSubtypes(t *testing.T) {
	ctx := Context{UserState: map[string]any{"n": float64(4)}}
	n := MustParse(`user_state.n == 4`)
	if !EvaluateBool(n, ctx) {
		t.Error("float64(4) == int literal 4 should be true")
	}
	n = MustParse(`user_state.n != "4"`)
	if !EvaluateBool(n, ctx) {
		t.Error("number vs string equality must be false, so != is true")
	}
}

func TestStringComparisonIsLexicographic(t *testing.T) {
	ctx := Context{UserState: map[string]any{"s": "apple"}}
	if !EvaluateBool(MustParse(`user_state.s < "banana"`), ctx) {
		t.Error(`"apple" < "banana" should be true`)
	}
	if EvaluateBool(MustParse(`user_state.s > "banana"`), ctx) {
		t.Error(`"apple" > "banana" should be false`)
	}
}
