package main

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// zoneEntry is one resource record in datastore form: names lowercased and
// absolute without the trailing dot, priority split out for MX/SRV the way
// PowerDNS stores them.
type zoneEntry struct {
	Name    string
	Type    string
	TTL     uint32
	Prio    int
	Content string
}

// validateAndNormalizeZone prepends $ORIGIN and $TTL when the pushed zone
// text omits them, then parses the result. Returns the normalized text or an
// error describing the first bad record.
func validateAndNormalizeZone(zoneData, domain string) (string, error) {
	origin := normalizeName(domain)
	if origin == "." {
		return "", fmt.Errorf("empty domain")
	}

	if !strings.Contains(zoneData, "$ORIGIN") {
		zoneData = fmt.Sprintf("$ORIGIN %s\n%s", origin, zoneData)
	}
	if !strings.Contains(zoneData, "$TTL") {
		zoneData = fmt.Sprintf("$TTL 300\n%s", zoneData)
	}

	if _, err := parseZoneEntries(zoneData, domain); err != nil {
		return "", err
	}
	return zoneData, nil
}

// countZoneRecords counts the individual IN-class records in a zone, one per
// rdata, matching how row-per-record backends store them.
func countZoneRecords(zoneData, domain string) (int, error) {
	entries, err := parseZoneEntries(zoneData, domain)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func parseZoneEntries(zoneData, domain string) ([]zoneEntry, error) {
	origin := normalizeName(domain)
	parser := dns.NewZoneParser(strings.NewReader(zoneData), origin, "")
	parser.SetDefaultTTL(300)

	var entries []zoneEntry
	for rr, ok := parser.Next(); ok; rr, ok = parser.Next() {
		if rr.Header().Class != dns.ClassINET {
			continue
		}
		entries = append(entries, entryFromRR(rr))
	}
	if err := parser.Err(); err != nil {
		return nil, fmt.Errorf("invalid zone data: %w", err)
	}
	return entries, nil
}

func entryFromRR(rr dns.RR) zoneEntry {
	header := rr.Header()
	rtype := dns.TypeToString[header.Rrtype]
	content := strings.TrimSpace(strings.TrimPrefix(rr.String(), header.String()))

	entry := zoneEntry{
		Name: normalizeDomain(header.Name),
		Type: rtype,
		TTL:  header.Ttl,
	}

	switch rec := rr.(type) {
	case *dns.MX:
		entry.Prio = int(rec.Preference)
		entry.Content = normalizeDomain(rec.Mx)
	case *dns.SRV:
		entry.Prio = int(rec.Priority)
		entry.Content = fmt.Sprintf("%d %d %s", rec.Weight, rec.Port, normalizeDomain(rec.Target))
	case *dns.NS:
		entry.Content = normalizeDomain(rec.Ns)
	case *dns.CNAME:
		entry.Content = normalizeDomain(rec.Target)
	case *dns.PTR:
		entry.Content = normalizeDomain(rec.Ptr)
	case *dns.SOA:
		entry.Content = fmt.Sprintf("%s %s %d %d %d %d %d",
			normalizeDomain(rec.Ns), normalizeDomain(rec.Mbox),
			rec.Serial, rec.Refresh, rec.Retry, rec.Expire, rec.Minttl)
	default:
		entry.Content = content
	}
	return entry
}

// entryKey identifies a record for set comparison during reconciliation.
func entryKey(e zoneEntry) string {
	return fmt.Sprintf("%s|%s|%d|%s", e.Name, e.Type, e.Prio, e.Content)
}
