package sshserver

import "time"

// Config defines SSH viewer settings.
type Config struct {
	Addr        string
	HostKeyPath string
	// IdleTimeout closes connections without traffic. Zero disables it.
	IdleTimeout time.Duration
}
