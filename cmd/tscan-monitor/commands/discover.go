package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// RunDiscover browses for monitors advertised on the local network and
// prints each one as it appears, until the timeout passes or the
// context is cancelled.
func RunDiscover(ctx context.Context, timeout time.Duration, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	browseErr := make(chan error, 1)
	go func() {
		browseErr <- zeroconf.Browse(ctx, ServiceType, Domain, entries, removed)
	}()

	fmt.Fprintf(w, "Browsing for %s services (%s)...\n\n", ServiceType, timeout)

	found := 0
	seen := make(map[string]bool)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if entry == nil || seen[entry.Instance] {
				continue
			}
			seen[entry.Instance] = true
			found++
			printEntry(w, entry)

		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			if entry != nil && seen[entry.Instance] {
				fmt.Fprintf(w, "%s went away\n\n", entry.Instance)
				delete(seen, entry.Instance)
			}

		case <-ctx.Done():
			if err := <-browseErr; err != nil && ctx.Err() == nil {
				return fmt.Errorf("mDNS browse failed: %w", err)
			}
			fmt.Fprintf(w, "%d monitor(s) found\n", found)
			return nil
		}
	}
}

func printEntry(w io.Writer, entry *zeroconf.ServiceEntry) {
	fmt.Fprintf(w, "%s\n", entry.Instance)
	fmt.Fprintf(w, "  Host: %s:%d\n", strings.TrimSuffix(entry.HostName, "."), entry.Port)

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	if len(addrs) > 0 {
		fmt.Fprintf(w, "  Addresses: %s\n", strings.Join(addrs, ", "))
	}
	for _, txt := range entry.Text {
		fmt.Fprintf(w, "  TXT: %s\n", txt)
	}
	fmt.Fprintln(w)
}
