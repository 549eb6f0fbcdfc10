package discovery

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Domain is the mDNS domain every record is published in and browsed from.
const Domain = "local."

// ServiceDescriptor is the static definition of one service to announce.
// It is built once per Start and not modified afterwards.
type ServiceDescriptor struct {
	Name string            `json:"name"`
	Type string            `json:"type"` // protocol tag: "http", "mqtt", "ws"
	Port uint16            `json:"port"`
	TXT  map[string]string `json:"txt,omitempty"`
}

// ServiceType returns the DNS-SD service type, e.g. "_http._tcp".
func (d ServiceDescriptor) ServiceType() string {
	return ServiceTypeFor(d.Type)
}

// TXTRecords returns the TXT map as "key=value" strings sorted by key, so the
// same descriptor always produces the same record.
func (d ServiceDescriptor) TXTRecords() []string {
	keys := make([]string, 0, len(d.TXT))
	for k := range d.TXT {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]string, 0, len(keys))
	for _, k := range keys {
		records = append(records, k+"="+d.TXT[k])
	}
	return records
}

// ServiceTypeFor maps a protocol tag to its DNS-SD service type.
// Values already in "_x._tcp" form are returned unchanged.
func ServiceTypeFor(protocol string) string {
	if strings.HasPrefix(protocol, "_") {
		return protocol
	}
	return fmt.Sprintf("_%s._tcp", protocol)
}

// Handle is the opaque token a Responder returns for one live announcement.
type Handle string

// PublishedRecord pairs a descriptor with the handle it was published under.
type PublishedRecord struct {
	Descriptor  ServiceDescriptor
	Handle      Handle
	IP          string
	PublishedAt time.Time
}

// Peer is one HomeGrow node found by a browse. It lives only as long as the
// browse result that carries it.
type Peer struct {
	Name      string            `json:"name"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Addresses []string          `json:"addresses"`
	TXT       map[string]string `json:"txt"`
}

// parseTXT turns "key=value" strings into a map. A bare "key" maps to "".
func parseTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, r := range records {
		if r == "" {
			continue
		}
		k, v, _ := strings.Cut(r, "=")
		txt[k] = v
	}
	return txt
}
