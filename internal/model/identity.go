package model

import (
	"fmt"
	"os"
	"strings"
)

// WorkerIdentity is the broker-visible consumer tag of one process.
type WorkerIdentity struct {
	Label string
	Host  string
}

func (w WorkerIdentity) String() string {
	return w.Label + "@" + w.Host
}

// DefaultIdentityTemplate mirrors the classic `-n <label>@%h` node name.
const DefaultIdentityTemplate = "%l@%h"

// ExpandIdentity builds a WorkerIdentity from a template. Supported verbs:
//
//	%l  the configured label
//	%h  full hostname
//	%n  hostname up to the first dot
//	%d  domain part after the first dot
//	%%  a literal percent sign
//
// The template must contain exactly one '@' after expansion.
func ExpandIdentity(template, label, hostname string) (WorkerIdentity, error) {
	if template == "" {
		template = DefaultIdentityTemplate
	}
	short, domain, _ := strings.Cut(hostname, ".")

	var sb strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		if i+1 >= len(template) {
			return WorkerIdentity{}, fmt.Errorf("identity template %q: dangling %%", template)
		}
		i++
		switch template[i] {
		case 'l':
			sb.WriteString(label)
		case 'h':
			sb.WriteString(hostname)
		case 'n':
			sb.WriteString(short)
		case 'd':
			sb.WriteString(domain)
		case '%':
			sb.WriteByte('%')
		default:
			return WorkerIdentity{}, fmt.Errorf("identity template %q: unknown verb %%%c", template, template[i])
		}
	}

	name, host, ok := strings.Cut(sb.String(), "@")
	if !ok || name == "" || host == "" || strings.Contains(host, "@") {
		return WorkerIdentity{}, fmt.Errorf("identity %q must have the form <label>@<host>", sb.String())
	}
	return WorkerIdentity{Label: name, Host: host}, nil
}

// ResolveIdentity expands template against the local hostname.
func ResolveIdentity(template, label string) (WorkerIdentity, error) {
	host, err := os.Hostname()
	if err != nil {
		return WorkerIdentity{}, fmt.Errorf("resolve hostname: %w", err)
	}
	return ExpandIdentity(template, label, host)
}
