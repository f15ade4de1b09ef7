package models

import "time"

// WOLConfig holds Wake-on-LAN configuration.
type WOLConfig struct {
	MACAddress    string
	BroadcastIP   string
	PollAddress   string        // host:port to dial until the database host is up
	Timeout       time.Duration // max time to wait for target
	PollInterval  time.Duration // how often to dial PollAddress
	StabilizeWait time.Duration // wait after target responds
	ResendEvery   time.Duration // resend the packet while waiting, 0 sends once
}

// WOLResult holds the result of a Wake-on-LAN operation.
type WOLResult struct {
	PacketSent   bool
	PacketsSent  int
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
