package domain

import (
	"fmt"
	"strings"
)

// DefaultClusterPort is the hypervisor API port used when none is configured.
const DefaultClusterPort = 8006

// Credential is the cluster endpoint and login used for one operation.
// It is fetched fresh for every operation and never cached across calls.
type Credential struct {
	Hostname  string `json:"hostname"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	VerifyTLS bool   `json:"verify_tls"`
}

// Usable reports whether the credential carries enough to contact the cluster.
func (c *Credential) Usable() bool {
	return c != nil && c.Hostname != "" && c.Username != "" && c.Password != ""
}

// Endpoint returns host:port of the cluster API.
func (c *Credential) Endpoint() string {
	port := c.Port
	if port == 0 {
		port = DefaultClusterPort
	}
	return fmt.Sprintf("%s:%d", c.Hostname, port)
}

// IsAPIToken reports whether Username names an API token (user@realm!tokenid).
func (c *Credential) IsAPIToken() bool {
	return strings.Contains(c.Username, "!")
}

// ShellUsername returns the username for remote shell logins: the realm
// suffix (everything from '@') is stripped.
func (c *Credential) ShellUsername() string {
	if i := strings.Index(c.Username, "@"); i >= 0 {
		return c.Username[:i]
	}
	return c.Username
}
