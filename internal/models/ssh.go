package models

// SSHTunnelConfig holds configuration for reaching the database through an SSH jump host.
type SSHTunnelConfig struct {
	Host           string
	Port           int
	Username       string
	PrivateKey     []byte // loaded from file path
	KeyPath        string // path to key file
	Password       string // optional, used when no key is configured
	KnownHostsFile string // optional, host keys are not verified when empty
}
