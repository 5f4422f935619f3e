// Package systemd carries the daemon's unit file template and an
// integrity check over the installed copy.
package systemd

// DaemonTemplate returns the systemd unit for lockcd. The daemon must
// run as root with CAP_SYS_ADMIN for filesystem event interception, so
// hardening is limited to what still permits that.
func DaemonTemplate() string {
	return `[Unit]
Description=lockc container policy daemon
Documentation=https://github.com/ppiankov/lockc
After=network-online.target containerd.service
Wants=network-online.target

[Service]
Type=simple
ExecStart=/usr/local/bin/lockcd daemon
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectHome=read-only
ProtectKernelTunables=true
ReadWritePaths=/var/lib/lockc

[Install]
WantedBy=multi-user.target
`
}
