package agentsvc

import (
	"strings"
	"testing"
)

func TestAgentUnitRunsUpAtLogin(t *testing.T) {
	unit := agentUnit(ServiceConfig{Executable: "/usr/local/bin/berth"})

	for _, want := range []string{
		"ExecStart=/usr/local/bin/berth up\n",
		"Type=oneshot",
		"RemainAfterExit=yes",
		"WantedBy=default.target",
		"After=network-online.target",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}
}

func TestAgentPlistRunsUpAtLoad(t *testing.T) {
	plist, err := agentPlist(ServiceConfig{
		Executable: "/usr/local/bin/berth",
		LogPath:    "/Users/ada/Library/Logs/berth-agent.log",
	})
	if err != nil {
		t.Fatalf("agentPlist: %v", err)
	}
	text := string(plist)

	for _, want := range []string{
		"<string>com.berth.agent</string>",
		"<string>/usr/local/bin/berth</string>\n    <string>up</string>",
		"<key>RunAtLoad</key>\n  <true/>",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("plist missing %q:\n%s", want, text)
		}
	}
	if got := strings.Count(text, "/Users/ada/Library/Logs/berth-agent.log"); got != 2 {
		t.Errorf("log path appears %d times, want stdout and stderr", got)
	}
}

func TestGoRunBinariesAreNotInstallable(t *testing.T) {
	cases := map[string]bool{
		"/tmp/go-build2141/b001/exe/berth": true,
		"/usr/local/bin/berth":             false,
		"":                                 false,
	}
	for path, want := range cases {
		if got := isGoRunExecutablePath(path); got != want {
			t.Errorf("isGoRunExecutablePath(%q) = %v, want %v", path, got, want)
		}
	}
}
