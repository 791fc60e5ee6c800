package expr

import "testing"

func TestLiteralsAndArithmetic(t *testing.T) {
	cases := []struct {
		src  string
		want any
	}{
		{"1 + 2 * 3", float64(7)},
		{"(1 + 2) * 3", float64(9)},
		{"10 / 4", 2.5},
		{"7 % 3", float64(1)},
		{"-5 + 2", float64(-3)},
		{"'a' + 'b'", "ab"},
		{"true", true},
		{"null", nil},
	}
	for _, c := range cases {
		got, err := Eval(c.src, nil)
		if err != nil {
			t.Fatalf("%s: %v", c.src, err)
		}
		if got != c.want {
			t.Fatalf("%s: got %v, want %v", c.src, got, c.want)
		}
	}
}

func TestScopeMemberAndIndex(t *testing.T) {
	scope := map[string]any{
		"request": map[string]any{"target_count": float64(3), "role": "usher"},
		"offers":  []any{map[string]any{"status": "accepted"}, map[string]any{"status": "declined"}},
	}
	got, err := Eval("request.target_count + 1", scope)
	if err != nil || got != float64(4) {
		t.Fatalf("member access: got %v err %v", got, err)
	}
	got, err = Eval("offers[1].status", scope)
	if err != nil || got != "declined" {
		t.Fatalf("index access: got %v err %v", got, err)
	}
	got, err = Eval("request['role']", scope)
	if err != nil || got != "usher" {
		t.Fatalf("string index: got %v err %v", got, err)
	}
}

func TestMissingResolvesToNil(t *testing.T) {
	got, err := Eval("request.nope.deeper", map[string]any{"request": map[string]any{}})
	if err != nil {
		t.Fatalf("missing member must not error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	ok, err := EvalBool("missing == null", nil)
	if err != nil || !ok {
		t.Fatalf("missing identifier should equal null: %v %v", ok, err)
	}
}

func TestComparisonsAndBooleans(t *testing.T) {
	scope := map[string]any{"accepted": float64(5), "target": float64(6)}
	cases := []struct {
		src  string
		want bool
	}{
		{"accepted < target", true},
		{"accepted >= target", false},
		{"accepted == 5", true},
		{"accepted != 5", false},
		{"accepted > 0 && accepted < target", true},
		{"accepted > 10 || target == 6", true},
		{"!(accepted == 5)", false},
		{"'a' < 'b'", true},
	}
	for _, c := range cases {
		got, err := EvalBool(c.src, scope)
		if err != nil {
			t.Fatalf("%s: %v", c.src, err)
		}
		if got != c.want {
			t.Fatalf("%s: got %v, want %v", c.src, got, c.want)
		}
	}
}

func TestTernaryAndLen(t *testing.T) {
	scope := map[string]any{"people": []any{"a", "b", "c"}}
	got, err := Eval("len(people) > 2 ? 'many' : 'few'", scope)
	if err != nil || got != "many" {
		t.Fatalf("ternary: got %v err %v", got, err)
	}
	got, err = Eval("len('abcd')", nil)
	if err != nil || got != float64(4) {
		t.Fatalf("len string: got %v err %v", got, err)
	}
	got, err = Eval("len(missing)", nil)
	if err != nil || got != float64(0) {
		t.Fatalf("len nil: got %v err %v", got, err)
	}
}

func TestShortCircuitSkipsBrokenBranch(t *testing.T) {
	scope := map[string]any{"s": "abc", "people": []any{"p_1"}}
	cases := []struct {
		src  string
		want any
	}{
		{"true ? 1 : s[0]", float64(1)},
		{"false ? s[0] : 2", float64(2)},
		{"true || s[0] > 1", true},
		{"false && s[0] > 1", false},
		{"len(people) > 0 ? people[0] : s + 1", "p_1"},
		{"s && s.length ? s.length : 'none'", "none"},
	}
	for _, c := range cases {
		got, err := Eval(c.src, scope)
		if err != nil {
			t.Fatalf("%s: untaken branch must not fail: %v", c.src, err)
		}
		if got != c.want {
			t.Fatalf("%s: got %v, want %v", c.src, got, c.want)
		}
	}
	if _, err := Eval("false ? 1 : s[0]", scope); err == nil {
		t.Fatalf("taken branch errors must surface")
	}
	if _, err := Eval("true ? 1 : (2", scope); err == nil {
		t.Fatalf("syntax errors must surface even in untaken branches")
	}
}

func TestRejectsMalformedInput(t *testing.T) {
	for _, src := range []string{"1 +", "(1", "'open", "a ? b", "1 @ 2", "3 / 0", "foo[true]"} {
		if _, err := Eval(src, map[string]any{"a": true, "b": float64(1), "foo": []any{}}); err == nil {
			t.Fatalf("%s: expected error", src)
		}
	}
}

func TestNoCallSyntaxBeyondLen(t *testing.T) {
	if _, err := Eval("exec('rm')", map[string]any{"exec": "x"}); err == nil {
		t.Fatalf("call syntax must be rejected")
	}
}
