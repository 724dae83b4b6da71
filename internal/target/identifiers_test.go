package target

import "testing"

func TestSanitizePGIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty string", "", "t_"},
		{"simple lowercase", "cases", "cases"},
		{"hyphenated collection", "trustee-appointments", "trustee_appointments"},
		{"uppercase to lowercase", "TRUSTEES", "trustees"},
		{"dot replaced", "runtime.state", "runtime_state"},
		{"leading digit", "2024cases", "t_2024cases"},
		{"unicode letters kept", "café", "café"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizePGIdentifier(tt.input); got != tt.want {
				t.Errorf("SanitizePGIdentifier(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestQuotePGIdent(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"cases", `"cases"`},
		{`my"table`, `"my""table"`},
	}
	for _, tt := range tests {
		if got := quotePGIdent(tt.input); got != tt.want {
			t.Errorf("quotePGIdent(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
	if got := qualifyPGTable("public", "cases"); got != `"public"."cases"` {
		t.Errorf("qualifyPGTable = %s", got)
	}
}
