package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
		{"urls": "stun:stun.example.com:3478"},
		{"urls": ["turn:turn.example.com:3478", "turns:turn.example.com:5349"], "username": "u", "credential": "c"}
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("servers[0].URLs = %v", servers[0].URLs)
	}
	if servers[1].Username != "u" {
		t.Errorf("servers[1].Username = %q, want %q", servers[1].Username, "u")
	}
	cred, ok := servers[1].Credential.(string)
	if !ok || cred != "c" {
		t.Errorf("servers[1].Credential = %v, want %q", servers[1].Credential, "c")
	}
}

func TestParseICEServersJSON_Invalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "{nope"},
		{"missing urls", `[{"username": "u"}]`},
		{"empty urls", `[{"urls": []}]`},
		{"bad scheme", `[{"urls": "https://turn.example.com"}]`},
		{"turn without username", `[{"urls": "turn:turn.example.com:3478", "credential": "c"}]`},
		{"turn without credential", `[{"urls": "turn:turn.example.com:3478", "username": "u"}]`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseICEServersJSON(tc.raw); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.example.com:3478, stun:b.example.com:3478",
		"turn:t.example.com:3478",
		"user",
		"secret",
	)
	if err != nil {
		t.Fatalf("ParseICEServersFromConvenienceEnv: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Errorf("stun URLs = %v, want 2 entries", servers[0].URLs)
	}
	if servers[1].Username != "user" {
		t.Errorf("turn username = %q", servers[1].Username)
	}
}

func TestParseICEServersFromConvenienceEnv_TurnNeedsCreds(t *testing.T) {
	t.Parallel()

	_, err := ParseICEServersFromConvenienceEnv("", "turn:t.example.com:3478", "user", "")
	if err == nil {
		t.Fatal("expected error when credential is missing")
	}
	if !strings.Contains(err.Error(), envTurnCredential) {
		t.Errorf("error should name %s, got: %v", envTurnCredential, err)
	}
}

func TestParseICEServersFromValues_Precedence(t *testing.T) {
	t.Parallel()

	// JSON config wins over the convenience envs when both are set.
	servers, err := parseICEServersFromValues(
		`[{"urls": "stun:json.example.com:3478"}]`,
		"stun:conv.example.com:3478",
		"", "", "",
	)
	if err != nil {
		t.Fatalf("parseICEServersFromValues: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example.com:3478" {
		t.Errorf("servers = %v, want the JSON-configured server only", servers)
	}
}

func TestParseICEServersFromValues_DefaultWhenUnset(t *testing.T) {
	t.Parallel()

	servers, err := parseICEServersFromValues("", "", "", "", "")
	if err != nil {
		t.Fatalf("parseICEServersFromValues: %v", err)
	}
	if len(servers) == 0 {
		t.Fatal("expected the default STUN server")
	}
	if !strings.HasPrefix(servers[0].URLs[0], "stun:") {
		t.Errorf("default server URL = %q, want a stun: URL", servers[0].URLs[0])
	}
}

func TestSplitCommaSeparated(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"a", []string{"a"}},
		{"a,b", []string{"a", "b"}},
		{" a , ,b, ", []string{"a", "b"}},
	}

	for _, tc := range cases {
		got := splitCommaSeparated(tc.in)
		if len(got) != len(tc.want) {
			t.Errorf("splitCommaSeparated(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("splitCommaSeparated(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}
