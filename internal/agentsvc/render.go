package agentsvc

import (
	"bytes"
	"fmt"
	"text/template"
)

const (
	// UnitName is the systemd user unit the Linux manager installs.
	UnitName = "berth-agent.service"
	// AgentLabel is the launchd label the macOS manager installs.
	AgentLabel = "com.berth.agent"
)

// agentUnit renders the systemd user unit. Type=oneshot with
// RemainAfterExit keeps the unit "active" after bring-up finishes, so
// `systemctl --user status` reads sensibly.
func agentUnit(cfg ServiceConfig) string {
	return fmt.Sprintf(`[Unit]
Description=Berth workspace server
After=network-online.target
Wants=network-online.target

[Service]
Type=oneshot
ExecStart=%s up
RemainAfterExit=yes

[Install]
WantedBy=default.target
`, cfg.Executable)
}

type agentPlistData struct {
	Label   string
	Program string
	LogPath string
}

var agentPlistTemplate = template.Must(template.New("agent_plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
  <key>Label</key>
  <string>{{.Label}}</string>

  <key>ProgramArguments</key>
  <array>
    <string>{{.Program}}</string>
    <string>up</string>
  </array>

  <key>RunAtLoad</key>
  <true/>

  <key>StandardOutPath</key>
  <string>{{.LogPath}}</string>

  <key>StandardErrorPath</key>
  <string>{{.LogPath}}</string>
</dict>
</plist>
`))

func agentPlist(cfg ServiceConfig) ([]byte, error) {
	var buf bytes.Buffer
	err := agentPlistTemplate.Execute(&buf, agentPlistData{
		Label:   AgentLabel,
		Program: cfg.Executable,
		LogPath: cfg.LogPath,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
