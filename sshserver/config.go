package sshserver

import "pkt.systems/shellrelay/schema"

// Config defines SSH server settings.
type Config struct {
	Addr        string
	HostKeyPath string
	Database    schema.DatabaseName
	Theme       schema.ThemeName
}
