package cogito

import "testing"

func TestParseSkillInvocation(t *testing.T) {
	cases := []struct {
		in   string
		name string
		args string
		ok   bool
	}{
		{"/digest", "digest", "", true},
		{"/digest last week", "digest", "last week", true},
		{"  /digest  spaced  ", "digest", "spaced", true},
		{"plain message", "", "", false},
		{"/", "", "", false},
		{"not /a skill", "", "", false},
	}
	for _, c := range cases {
		name, args, ok := ParseSkillInvocation(c.in)
		if name != c.name || args != c.args || ok != c.ok {
			t.Errorf("ParseSkillInvocation(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.in, name, args, ok, c.name, c.args, c.ok)
		}
	}
}

func TestSkill_Render(t *testing.T) {
	withPlaceholder := Skill{Body: "Summarize: {{args}}"}
	if got := withPlaceholder.Render("the news"); got != "Summarize: the news" {
		t.Errorf("got %q", got)
	}

	plain := Skill{Body: "Summarize recent activity."}
	if got := plain.Render(""); got != "Summarize recent activity." {
		t.Errorf("got %q", got)
	}
	if got := plain.Render("for marketing"); got != "Summarize recent activity.\n\nfor marketing" {
		t.Errorf("got %q", got)
	}
}

func TestSkillRegistry_PriorityOverride(t *testing.T) {
	r := NewSkillRegistry()
	r.Register(Skill{Name: "digest", Body: "builtin"}, 0)
	r.Register(Skill{Name: "digest", Body: "user"}, 100)
	r.Register(Skill{Name: "digest", Body: "late builtin"}, 0)

	sk, ok := r.Find("digest")
	if !ok || sk.Body != "user" {
		t.Errorf("got %+v, %v; want the user override", sk, ok)
	}
}

func TestSkillRegistry_DefaultsToInline(t *testing.T) {
	r := NewSkillRegistry()
	r.Register(Skill{Name: "digest", Body: "b"}, 0)
	sk, _ := r.Find("digest")
	if sk.ContextMode != SkillModeInline {
		t.Errorf("context mode = %q, want %q", sk.ContextMode, SkillModeInline)
	}
}

func TestSkillRegistry_NamesSorted(t *testing.T) {
	r := NewSkillRegistry()
	r.Register(Skill{Name: "zeta"}, 0)
	r.Register(Skill{Name: "alpha"}, 0)
	got := r.Names()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Errorf("got %v, want [alpha zeta]", got)
	}
}
