package components

import (
	"fmt"
	"os/user"
)

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "root"
}

// renderSystemdService produces a unit for a long-running stack service that
// reads its arguments from an environment file.
func renderSystemdService(description, username, envFile, execStart string) string {
	return fmt.Sprintf(`[Unit]
Description=%s
After=network-online.target
Wants=udev.target

[Service]
Type=simple
User=%s
RemainAfterExit=yes
EnvironmentFile=%s
ExecStart=%s
Restart=always
RestartSec=10

[Install]
WantedBy=multi-user.target
`, description, username, envFile, execStart)
}

// renderOpenRCService produces an /etc/init.d script equivalent to the
// systemd unit. The environment file is sourced at the top level of the
// script so its variables reach the supervise-daemon invocation.
func renderOpenRCService(description, command, username, envFile, args string) string {
	return fmt.Sprintf(`#!/sbin/openrc-run

description="%s"
command="%s"
command_user="%s"
command_background="yes"
supervisor=supervise-daemon
pidfile="/run/$RC_SVCNAME.pid"

if [ -f "%s" ]; then
    set -a
    . "%s"
    set +a
fi
command_args="%s"

depend() {
    need localmount
    use net
}
`, description, command, username, envFile, envFile, args)
}
