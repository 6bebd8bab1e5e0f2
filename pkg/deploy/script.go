package deploy

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"relay-fleet/pkg/remote"
)

const (
	xuiDir         = "/usr/local/x-ui"
	xuiBin         = xuiDir + "/x-ui"
	xrayVersion    = "v25.6.8"
	defaultXUIPort = 54321
)

var archAliases = map[string]string{
	"x86_64":  "amd64",
	"amd64":   "amd64",
	"aarch64": "arm64",
	"arm64":   "arm64",
	"armv7l":  "armv7",
	"s390x":   "s390x",
}

// releaseArch maps `uname -m` output to the 3x-ui release suffix.
func releaseArch(machine string) (string, error) {
	if a, ok := archAliases[strings.TrimSpace(machine)]; ok {
		return a, nil
	}
	return "", fmt.Errorf("unsupported architecture %q", machine)
}

var installTmpl = template.Must(template.New("install").Parse(`#!/bin/bash
set -e
export DEBIAN_FRONTEND=noninteractive

echo "==> preparing system"
pkill -9 apt apt-get dpkg 2>/dev/null || true
rm -f /var/lib/dpkg/lock /var/lib/dpkg/lock-frontend /var/cache/apt/archives/lock /var/lib/apt/lists/lock
dpkg --configure -a || true
apt-get update -y
apt-get install -y curl wget socat sudo unzip tar

echo "==> stopping previous x-ui"
systemctl stop x-ui 2>/dev/null || true
pkill -9 -f {{.Dir}}/x-ui 2>/dev/null || true

echo "==> downloading 3x-ui for {{.Arch}}"
cd /usr/local
rm -rf {{.Dir}} x-ui-linux-{{.Arch}}.tar.gz
wget -q -O x-ui-linux-{{.Arch}}.tar.gz https://github.com/mhsanaei/3x-ui/releases/latest/download/x-ui-linux-{{.Arch}}.tar.gz
tar zxf x-ui-linux-{{.Arch}}.tar.gz
rm -f x-ui-linux-{{.Arch}}.tar.gz
chmod +x {{.Dir}}/x-ui {{.Dir}}/bin/xray-linux-*

echo "==> installing service"
cat > /etc/systemd/system/x-ui.service <<'UNIT'
[Unit]
Description=x-ui Service
After=network.target
Wants=network.target

[Service]
Environment="XRAY_VMESS_AEAD_FORCED=false"
Type=simple
WorkingDirectory={{.Dir}}/
ExecStart={{.Dir}}/x-ui
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
UNIT

echo "==> installing xray {{.XrayVersion}}"
bash -c "$(curl -L https://github.com/XTLS/Xray-install/raw/main/install-release.sh)" @ install --version {{.XrayVersion}} || echo "xray installer failed, using bundled binary"

systemctl daemon-reload
systemctl enable x-ui
systemctl start x-ui
sleep 3

echo "==> configuring panel"
{{.Dir}}/x-ui setting -username {{.Username}} -password {{.Password}}
{{- if .Port}}
{{.Dir}}/x-ui setting -port {{.Port}}
{{- end}}
{{- if .BasePath}}
{{.Dir}}/x-ui setting -webBasePath {{.BasePath}}
{{- end}}
systemctl restart x-ui
sleep 3
{{.Dir}}/x-ui setting -show || true

echo "==> panel ready"
echo "PANEL_HOST={{.Host}}"
echo "PANEL_USERNAME={{.Username}}"
{{- if .Port}}
echo "PANEL_PORT={{.Port}}"
{{- end}}
{{- if .BasePath}}
echo "PANEL_BASE_PATH={{.BasePath}}"
{{- end}}
`))

type scriptData struct {
	Dir         string
	Arch        string
	XrayVersion string
	Host        string
	Username    string
	Password    string
	Port        string
	BasePath    string
}

// renderInstaller builds the idempotent install script for one host.
// Credentials are shell-quoted; the password is never echoed back.
func renderInstaller(spec DeploySpec, arch string) ([]byte, error) {
	data := scriptData{
		Dir:         xuiDir,
		Arch:        arch,
		XrayVersion: xrayVersion,
		Host:        spec.Host,
		Username:    remote.Quote(spec.PanelUsername),
		Password:    remote.Quote(spec.PanelPassword),
	}
	if spec.PanelPort > 0 {
		data.Port = strconv.Itoa(spec.PanelPort)
	}
	if spec.WebBasePath != "" {
		data.BasePath = remote.Quote(spec.WebBasePath)
	}
	var buf bytes.Buffer
	if err := installTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render installer: %w", err)
	}
	return buf.Bytes(), nil
}

// PanelSettings is what the installed panel reports about itself.
type PanelSettings struct {
	Port     int
	BasePath string
	Username string
	Password string
}

// ParseSettings reads `x-ui setting -show` output over the assumed settings.
// Values the panel reports win; the base path is returned without slashes.
func ParseSettings(out string, assumed PanelSettings) PanelSettings {
	s := assumed
	if s.Port == 0 {
		s.Port = defaultXUIPort
	}
	s.BasePath = strings.Trim(s.BasePath, "/")
	for _, line := range strings.Split(out, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "port":
			if p, err := strconv.Atoi(val); err == nil && p > 0 {
				s.Port = p
			}
		case "webbasepath":
			s.BasePath = strings.Trim(val, "/")
		case "username":
			if val != "" {
				s.Username = val
			}
		case "password":
			if val != "" {
				s.Password = val
			}
		}
	}
	return s
}
