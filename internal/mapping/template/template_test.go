package template

import "testing"

func mustParse(t *testing.T, src string) *Template {
	t.Helper()
	tpl, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	return tpl
}

func TestVariableSubstitution(t *testing.T) {
	tpl := mustParse(t, "temperature is {{ value }} degrees")
	out, err := tpl.Render(Context{"value": 21.5}, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "temperature is 21.5 degrees" {
		t.Fatalf("got %q", out)
	}
}

func TestDottedPath(t *testing.T) {
	tpl := mustParse(t, "{{ sensor.name }}")
	out, err := tpl.Render(Context{"sensor": map[string]any{"name": "kitchen"}}, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "kitchen" {
		t.Fatalf("got %q", out)
	}
}

func TestIfElse(t *testing.T) {
	tpl := mustParse(t, "{% if value > 10 %}hot{% else %}cold{% endif %}")
	out, err := tpl.Render(Context{"value": 20.0}, nil)
	if err != nil || out != "hot" {
		t.Fatalf("got %q err=%v", out, err)
	}
	out, err = tpl.Render(Context{"value": 5.0}, nil)
	if err != nil || out != "cold" {
		t.Fatalf("got %q err=%v", out, err)
	}
}

func TestForLoop(t *testing.T) {
	tpl := mustParse(t, "{% for x in items %}[{{ x }}]{% endfor %}")
	out, err := tpl.Render(Context{"items": []any{1.0, 2.0, 3.0}}, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "[1][2][3]" {
		t.Fatalf("got %q", out)
	}
}

func TestFunctionCall(t *testing.T) {
	tpl := mustParse(t, "{{ double(value) }}")
	funcs := FuncTable{
		"double": func(args []any) (any, error) { return toFloat(args[0]) * 2, nil },
	}
	out, err := tpl.Render(Context{"value": 21.0}, funcs)
	if err != nil || out != "42" {
		t.Fatalf("got %q err=%v", out, err)
	}
}

func TestComparisonOperators(t *testing.T) {
	tpl := mustParse(t, "{% if status == 'ok' %}good{% endif %}")
	out, err := tpl.Render(Context{"status": "ok"}, nil)
	if err != nil || out != "good" {
		t.Fatalf("got %q err=%v", out, err)
	}
}
